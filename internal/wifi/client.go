// client.go - HTTP client for the device's /api/v1 surface
package wifi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/machine-bridge/backend/internal/models"
)

// DefaultPort is the device HTTP port when the host string carries none.
const DefaultPort = 8080

// client issues requests against one device and caches the session token
// needed to keep reissuing polls. It is the only place raw HTTP errors exist;
// everything returned crosses the boundary as a normalized DeviceError.
type client struct {
	host  string
	token string
	hc    *http.Client
}

func newClient(host string) *client {
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%d", host, DefaultPort)
	}
	return &client{
		host: host,
		// Per-request timeouts come from contexts; the transport-level
		// timeout here is only a safety net.
		hc: &http.Client{Timeout: 3 * time.Minute},
	}
}

func (c *client) url(path string) string {
	return fmt.Sprintf("http://%s/api/v1/%s", c.host, path)
}

// normalize applies the uniform result rule: 200/203/204 succeed with the
// body as payload, anything else is a structured error carrying the status
// code and raw body text.
func normalize(status int, body []byte) ([]byte, error) {
	switch status {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent:
		return body, nil
	default:
		return nil, models.NewDeviceError(
			fmt.Sprintf("HTTP_%d", status),
			fmt.Sprintf("device returned status %d", status),
			string(body),
		)
	}
}

// normalizeTransport maps transport-level failures to the error taxonomy.
func normalizeTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewDeviceError(models.CodeTimeout, "device request timed out", err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return models.NewDeviceError(models.CodeTimeout, "device request aborted", err.Error())
	}
	return models.NewDeviceError(models.CodeUnreachable, "device unreachable", err.Error())
}

func (c *client) do(req *http.Request) ([]byte, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, normalizeTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, normalizeTransport(err)
	}
	return normalize(resp.StatusCode, body)
}

// postForm POSTs a form to path within timeout. The session token is always
// included as a form field.
func (c *client) postForm(ctx context.Context, path string, fields url.Values, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if fields == nil {
		fields = url.Values{}
	}
	fields.Set("token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), strings.NewReader(fields.Encode()))
	if err != nil {
		return nil, normalizeTransport(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// getQuery issues a GET with the token as a query parameter. Used by the
// polling endpoints.
func (c *client) getQuery(ctx context.Context, path string, params url.Values, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if params == nil {
		params = url.Values{}
	}
	params.Set("token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, normalizeTransport(err)
	}
	return c.do(req)
}

// postFile uploads a file as multipart form data. The multipart body is
// spooled to a temp file first so large uploads do not sit in memory.
func (c *client) postFile(ctx context.Context, path, filename string, r io.Reader, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spool, err := os.CreateTemp("", "bridge-upload-*.body")
	if err != nil {
		return nil, normalizeTransport(err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	w := multipart.NewWriter(spool)
	if err := w.WriteField("token", c.token); err != nil {
		return nil, normalizeTransport(err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, normalizeTransport(err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, normalizeTransport(err)
	}
	if err := w.Close(); err != nil {
		return nil, normalizeTransport(err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, normalizeTransport(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), spool)
	if err != nil {
		return nil, normalizeTransport(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}
