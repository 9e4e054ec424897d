// upload.go - Multipart upload forwarding shared by the emulation servers
package emulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/machine-bridge/backend/internal/metric"
	"github.com/machine-bridge/backend/internal/models"
)

// uploadResult captures one forwarded upload for the caller's response.
type uploadResult struct {
	FileName string
	PrintNow bool
}

var errFileTooLarge = errors.New("uploaded file exceeds size limit")

// forwardUpload spools the multipart file to a temp file, forwards it to the
// manager and waits for completion. Exactly one manager call happens per
// request: a start-print job when print=true, a plain upload otherwise.
func forwardUpload(c echo.Context, mgr Uploader, metrics *metric.Metrics, server, spoolDir string, maxBytes int64, uploadTimeout time.Duration) (*uploadResult, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		countUpload(metrics, server, "missing_file")
		return nil, echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}
	if fh.Size > maxBytes {
		countUpload(metrics, server, "too_large")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, errFileTooLarge.Error())
	}

	printNow, _ := strconv.ParseBool(c.FormValue("print"))

	src, err := fh.Open()
	if err != nil {
		countUpload(metrics, server, "read_error")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open upload: %v", err))
	}
	defer src.Close()

	// An empty spoolDir falls back to the system temp directory.
	tmp, err := os.CreateTemp(spoolDir, "emulation-upload-*.gcode")
	if err != nil {
		countUpload(metrics, server, "spool_error")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("spool upload: %v", err))
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, io.LimitReader(src, maxBytes+1)); err != nil {
		countUpload(metrics, server, "spool_error")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("spool upload: %v", err))
	}
	if size, _ := tmp.Seek(0, io.SeekEnd); size > maxBytes {
		countUpload(metrics, server, "too_large")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, errFileTooLarge.Error())
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		countUpload(metrics, server, "spool_error")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("spool upload: %v", err))
	}

	name := filepath.Base(fh.Filename)

	ctx, cancel := context.WithTimeout(c.Request().Context(), uploadTimeout)
	defer cancel()

	if err := mgr.Upload(ctx, name, tmp, printNow); err != nil {
		countUpload(metrics, server, "device_error")
		var devErr *models.DeviceError
		if errors.As(err, &devErr) && devErr.Code == models.CodeDeviceRejected {
			return nil, echo.NewHTTPError(http.StatusNotAcceptable, devErr.Error())
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	countUpload(metrics, server, "ok")
	return &uploadResult{FileName: name, PrintNow: printNow}, nil
}

func countUpload(metrics *metric.Metrics, server, status string) {
	if metrics != nil {
		metrics.UploadsReceived.WithLabelValues(server, status).Inc()
	}
}

// notFound replaces echo's default 404 body with the flat error shape the
// emulated servers return.
func notFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown route"})
}
