// octoprint_test.go - Upload translation tests for the OctoPrint surface
package emulation

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/models"
)

// mockManager records Upload calls and optionally fails them. during, when
// set, runs while the upload is in flight.
type mockManager struct {
	mu     sync.Mutex
	calls  []mockUpload
	fail   error
	during func()
}

type mockUpload struct {
	Name     string
	Content  string
	PrintNow bool
}

func (m *mockManager) Upload(ctx context.Context, name string, r io.Reader, printNow bool) error {
	if m.during != nil {
		m.during()
	}
	data, _ := io.ReadAll(r)
	m.mu.Lock()
	m.calls = append(m.calls, mockUpload{Name: name, Content: string(data), PrintNow: printNow})
	m.mu.Unlock()
	return m.fail
}

func (m *mockManager) uploads() []mockUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockUpload, len(m.calls))
	copy(out, m.calls)
	return out
}

func multipartBody(t *testing.T, filename, content, printField string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	if printField != "" {
		require.NoError(t, w.WriteField("print", printField))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func newTestOctoPrint(mgr Uploader) *OctoPrint {
	return NewOctoPrint(mgr, nil, config.EmulationConfig{
		OctoPrintPort: 0,
		MaxUploadMB:   1,
	}, "", time.Second)
}

func doUpload(t *testing.T, o *OctoPrint, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/files/local", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := o.handleUpload(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestOctoPrintUploadOnly(t *testing.T) {
	mgr := &mockManager{}
	o := newTestOctoPrint(mgr)

	body, ct := multipartBody(t, "part.gcode", "G28\nG1 X10\n", "false")
	rec := doUpload(t, o, body, ct)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "part.gcode")

	calls := mgr.uploads()
	require.Len(t, calls, 1, "exactly one manager call per request")
	assert.Equal(t, "part.gcode", calls[0].Name)
	assert.Equal(t, "G28\nG1 X10\n", calls[0].Content)
	assert.False(t, calls[0].PrintNow)
}

func TestOctoPrintUploadAndPrint(t *testing.T) {
	mgr := &mockManager{}
	o := newTestOctoPrint(mgr)

	body, ct := multipartBody(t, "job.gcode", "G28\n", "true")
	rec := doUpload(t, o, body, ct)

	assert.Equal(t, http.StatusCreated, rec.Code)

	calls := mgr.uploads()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].PrintNow)
}

func TestOctoPrintUploadMissingFile(t *testing.T) {
	mgr := &mockManager{}
	o := newTestOctoPrint(mgr)

	body, ct := multipartBody(t, "", "", "true")
	rec := doUpload(t, o, body, ct)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, mgr.uploads(), "no manager call for a rejected request")
}

func TestOctoPrintUploadOversize(t *testing.T) {
	mgr := &mockManager{}
	o := newTestOctoPrint(mgr) // 1MB cap

	big := make([]byte, 2<<20)
	body, ct := multipartBody(t, "big.gcode", string(big), "false")
	rec := doUpload(t, o, body, ct)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, mgr.uploads())
}

func TestOctoPrintUploadDeviceRejected(t *testing.T) {
	mgr := &mockManager{fail: models.NewDeviceError(models.CodeDeviceRejected, "device busy", "503")}
	o := newTestOctoPrint(mgr)

	body, ct := multipartBody(t, "part.gcode", "G28\n", "false")
	rec := doUpload(t, o, body, ct)

	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
	assert.Contains(t, rec.Body.String(), "device busy")
}

func TestOctoPrintUploadDownstreamFailure(t *testing.T) {
	mgr := &mockManager{fail: models.ErrNotConnected()}
	o := newTestOctoPrint(mgr)

	body, ct := multipartBody(t, "part.gcode", "G28\n", "false")
	rec := doUpload(t, o, body, ct)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOctoPrintVersionAndBanner(t *testing.T) {
	o := newTestOctoPrint(&mockManager{})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, o.handleVersion(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OctoPrint")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	require.NoError(t, o.handleBanner(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadSpoolsInConfiguredDir(t *testing.T) {
	spoolDir := t.TempDir()
	mgr := &mockManager{}
	mgr.during = func() {
		entries, err := os.ReadDir(spoolDir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "upload should be spooled in the configured directory")
	}
	o := NewOctoPrint(mgr, nil, config.EmulationConfig{
		OctoPrintPort: 0,
		MaxUploadMB:   1,
	}, spoolDir, time.Second)

	body, contentType := multipartBody(t, "part.gcode", "G28\n", "")
	rec := doUpload(t, o, body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The spool file is removed once the device result is in.
	entries, err := os.ReadDir(spoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
