// server.go - Shared embedded listener lifecycle for the emulation servers
package emulation

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Uploader is the slice of the connection manager the emulation servers
// drive: forward an uploaded file to the machine, optionally starting the
// print. The call blocks until the device acknowledges or fails.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader, printNow bool) error
}

// embeddedServer owns one listener on a fixed local port. Stop fully
// releases the socket before any rebind, so Restart never races the old
// listener for the port.
type embeddedServer struct {
	name string

	mu       sync.Mutex
	echo     *echo.Echo
	listener net.Listener
	port     int
}

// start binds the port synchronously; a port already in use fails here,
// not in the serve goroutine. routes is called on the fresh echo instance
// before serving begins.
func (s *embeddedServer) start(port int, routes func(e *echo.Echo)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("%s emulation already running on port %d", s.name, s.port)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("%s emulation bind port %d: %w", s.name, port, err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))
	routes(e)

	e.Listener = ln
	s.echo = e
	s.listener = ln
	s.port = port

	go func() {
		if err := e.Start(""); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[Emulation] %s server stopped: %v\n", s.name, err)
		}
	}()

	fmt.Printf("[Emulation] %s server listening on port %d\n", s.name, port)
	return nil
}

// stop shuts the listener down and waits for in-flight requests. Safe to
// call when not running.
func (s *embeddedServer) stop() error {
	s.mu.Lock()
	e := s.echo
	s.echo = nil
	s.listener = nil
	s.mu.Unlock()

	if e == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}

// restart stops the current listener, rebinds on the new port and reports
// the bound port through onPort once serving resumes.
func (s *embeddedServer) restart(port int, routes func(e *echo.Echo), onPort func(int)) error {
	if err := s.stop(); err != nil {
		return err
	}
	if err := s.start(port, routes); err != nil {
		return err
	}
	if onPort != nil {
		onPort(port)
	}
	return nil
}

// Port reports the currently bound port, 0 when stopped.
func (s *embeddedServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
