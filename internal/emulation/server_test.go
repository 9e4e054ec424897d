// server_test.go - Embedded listener lifecycle tests
package emulation

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-bridge/backend/internal/config"
)

// freePort grabs an ephemeral port and releases it for the server to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestEmbeddedServerLifecycle(t *testing.T) {
	port := freePort(t)
	o := NewOctoPrint(&mockManager{}, nil, config.EmulationConfig{
		OctoPrintPort: port,
		MaxUploadMB:   1,
	}, "", time.Second)

	require.NoError(t, o.Start())
	assert.Equal(t, port, o.Port())

	status, body := getBody(t, fmt.Sprintf("http://127.0.0.1:%d/", port))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "OctoPrint")

	// Unknown routes answer 404 with the flat error body.
	status, body = getBody(t, fmt.Sprintf("http://127.0.0.1:%d/nope", port))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, "unknown route")

	require.NoError(t, o.Stop())

	// The port is fully released: a plain listener can take it.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	ln.Close()
}

func TestEmbeddedServerPortInUse(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer ln.Close()

	o := NewOctoPrint(&mockManager{}, nil, config.EmulationConfig{
		OctoPrintPort: port,
		MaxUploadMB:   1,
	}, "", time.Second)

	err = o.Start()
	require.Error(t, err, "bind conflict must surface synchronously")
	assert.Contains(t, err.Error(), "bind port")
}

func TestEmbeddedServerRestart(t *testing.T) {
	first := freePort(t)
	o := NewOctoPrint(&mockManager{}, nil, config.EmulationConfig{
		OctoPrintPort: first,
		MaxUploadMB:   1,
	}, "", time.Second)
	require.NoError(t, o.Start())
	defer o.Stop()

	second := freePort(t)
	var reported int
	require.NoError(t, o.Restart(second, func(p int) { reported = p }))

	assert.Equal(t, second, reported)
	assert.Equal(t, second, o.Port())

	status, _ := getBody(t, fmt.Sprintf("http://127.0.0.1:%d/", second))
	assert.Equal(t, http.StatusOK, status)
}

func TestEmbeddedServerDoubleStart(t *testing.T) {
	port := freePort(t)
	o := NewOctoPrint(&mockManager{}, nil, config.EmulationConfig{
		OctoPrintPort: port,
		MaxUploadMB:   1,
	}, "", time.Second)
	require.NoError(t, o.Start())
	defer o.Stop()

	assert.Error(t, o.Start(), "second start without stop must fail")
}
