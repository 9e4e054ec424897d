// octoprint.go - OctoPrint-compatible HTTP server for third-party slicers
package emulation

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/metric"
)

// OctoPrint presents the OctoPrint REST surface slicers expect: version
// probe plus local file upload with optional print-now. Uploads translate
// into exactly one manager call and the HTTP response waits on its result.
type OctoPrint struct {
	server   embeddedServer
	manager  Uploader
	metrics  *metric.Metrics
	cfg      config.EmulationConfig
	spoolDir string
	timeout  time.Duration
}

// NewOctoPrint creates the server; call Start to bind the port. Uploads are
// spooled under spoolDir before forwarding.
func NewOctoPrint(mgr Uploader, metrics *metric.Metrics, cfg config.EmulationConfig, spoolDir string, uploadTimeout time.Duration) *OctoPrint {
	return &OctoPrint{
		server:   embeddedServer{name: "octoprint"},
		manager:  mgr,
		metrics:  metrics,
		cfg:      cfg,
		spoolDir: spoolDir,
		timeout:  uploadTimeout,
	}
}

// Start binds the configured port. A port conflict is returned here.
func (o *OctoPrint) Start() error {
	return o.server.start(o.cfg.OctoPrintPort, o.routes)
}

// Stop releases the listener.
func (o *OctoPrint) Stop() error {
	return o.server.stop()
}

// Restart rebinds on a new port, reporting it through onPort.
func (o *OctoPrint) Restart(port int, onPort func(int)) error {
	return o.server.restart(port, o.routes, onPort)
}

// Port reports the bound port, 0 when stopped.
func (o *OctoPrint) Port() int {
	return o.server.Port()
}

func (o *OctoPrint) routes(e *echo.Echo) {
	e.GET("/", o.handleBanner)
	e.GET("/api/version", o.handleVersion)
	e.POST("/api/files/local", o.handleUpload)
	e.RouteNotFound("/*", notFound)
}

func (o *OctoPrint) handleBanner(c echo.Context) error {
	return c.String(http.StatusOK, "OctoPrint emulation up and running")
}

func (o *OctoPrint) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"api":    "0.1",
		"server": "1.5.0",
		"text":   "OctoPrint 1.5.0",
	})
}

func (o *OctoPrint) handleUpload(c echo.Context) error {
	maxBytes := int64(o.cfg.MaxUploadMB) << 20
	res, err := forwardUpload(c, o.manager, o.metrics, "octoprint", o.spoolDir, maxBytes, o.timeout)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"files": map[string]any{
			"local": map[string]any{
				"name":   res.FileName,
				"origin": "local",
			},
		},
		"done":  true,
		"print": res.PrintNow,
	})
}
