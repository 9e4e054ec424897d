// moonraker.go - Klipper/Moonraker-compatible HTTP server
package emulation

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/metric"
)

// Moonraker presents the Moonraker REST surface Klipper-aware slicers
// expect. Upload semantics mirror the OctoPrint server: one manager call
// per request, response synchronous with the device result.
type Moonraker struct {
	server   embeddedServer
	manager  Uploader
	metrics  *metric.Metrics
	cfg      config.EmulationConfig
	spoolDir string
	timeout  time.Duration
}

// NewMoonraker creates the server; call Start to bind the port. Uploads are
// spooled under spoolDir before forwarding.
func NewMoonraker(mgr Uploader, metrics *metric.Metrics, cfg config.EmulationConfig, spoolDir string, uploadTimeout time.Duration) *Moonraker {
	return &Moonraker{
		server:   embeddedServer{name: "moonraker"},
		manager:  mgr,
		metrics:  metrics,
		cfg:      cfg,
		spoolDir: spoolDir,
		timeout:  uploadTimeout,
	}
}

// Start binds the configured port. A port conflict is returned here.
func (m *Moonraker) Start() error {
	return m.server.start(m.cfg.MoonrakerPort, m.routes)
}

// Stop releases the listener.
func (m *Moonraker) Stop() error {
	return m.server.stop()
}

// Restart rebinds on a new port, reporting it through onPort.
func (m *Moonraker) Restart(port int, onPort func(int)) error {
	return m.server.restart(port, m.routes, onPort)
}

// Port reports the bound port, 0 when stopped.
func (m *Moonraker) Port() int {
	return m.server.Port()
}

func (m *Moonraker) routes(e *echo.Echo) {
	e.GET("/", m.handleBanner)
	e.GET("/server/info", m.handleServerInfo)
	e.GET("/printer/info", m.handlePrinterInfo)
	e.POST("/server/files/upload", m.handleUpload)
	e.RouteNotFound("/*", notFound)
}

func (m *Moonraker) handleBanner(c echo.Context) error {
	return c.String(http.StatusOK, "Moonraker emulation up and running")
}

func (m *Moonraker) handleServerInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"result": map[string]any{
			"klippy_connected": true,
			"klippy_state":     "ready",
			"components":       []string{"server", "file_manager"},
			"api_version":      []int{1, 0, 0},
		},
	})
}

func (m *Moonraker) handlePrinterInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"result": map[string]any{
			"state":            "ready",
			"state_message":    "Printer is ready",
			"software_version": "v0.10.0",
			"hostname":         "machine-bridge",
		},
	})
}

func (m *Moonraker) handleUpload(c echo.Context) error {
	maxBytes := int64(m.cfg.MaxUploadMB) << 20
	res, err := forwardUpload(c, m.manager, m.metrics, "moonraker", m.spoolDir, maxBytes, m.timeout)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"item": map[string]any{
			"path": res.FileName,
			"root": "gcodes",
		},
		"print_started": res.PrintNow,
		"action":        "create_file",
	})
}
