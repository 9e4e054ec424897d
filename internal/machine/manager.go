// Package machine owns the single active machine connection: which transport
// adapter is live, the session it produced, and the seam between channel
// event handlers and the adapters.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/metric"
	"github.com/machine-bridge/backend/internal/models"
	"github.com/machine-bridge/backend/internal/sacp"
	"github.com/machine-bridge/backend/internal/serialport"
	"github.com/machine-bridge/backend/internal/store"
	"github.com/machine-bridge/backend/internal/wifi"
)

// Status is the connection state machine.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Emitter broadcasts events to connected channel peers.
type Emitter interface {
	Emit(event string, payload any)
}

// Descriptor identifies the machine a caller wants to open.
type Descriptor struct {
	Kind    models.TransportKind `json:"connectionType"`
	Address string               `json:"address"`
}

// Validate checks the descriptor before any adapter is touched.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case models.TransportWiFi, models.TransportSerial, models.TransportSACP:
	default:
		return models.NewDeviceError("BAD_DESCRIPTOR", fmt.Sprintf("unknown connection type %q", d.Kind), "")
	}
	if d.Address == "" {
		return models.NewDeviceError("BAD_DESCRIPTOR", "address is required", "")
	}
	return nil
}

// adapter is the core contract every transport adapter satisfies. Optional
// capabilities (uploads, job control, tool setters) are asserted per call.
type adapter interface {
	Disconnect(ctx context.Context) error
	ExecuteGcode(ctx context.Context, lines []string) ([]string, error)
	Session() *models.ConnectionSession
}

type heartbeater interface {
	StartHeartbeat() error
}

type uploader interface {
	UploadFile(ctx context.Context, name string, r io.Reader, printNow bool) error
}

type jobController interface {
	StartJob(ctx context.Context) error
	PauseJob(ctx context.Context) error
	ResumeJob(ctx context.Context) error
	StopJob(ctx context.Context) error
}

// Manager is the sole owner of the active adapter and session. Opening a new
// session implicitly tears down the previous one.
type Manager struct {
	cfg     *config.AppConfig
	emitter Emitter
	metrics *metric.Metrics
	known   *store.KnownMachines

	mu      sync.Mutex
	status  Status
	adapter adapter
	session *models.ConnectionSession
}

// NewManager creates a disconnected manager.
func NewManager(cfg *config.AppConfig, emitter Emitter, metrics *metric.Metrics, known *store.KnownMachines) *Manager {
	return &Manager{
		cfg:     cfg,
		emitter: emitter,
		metrics: metrics,
		known:   known,
		status:  StatusDisconnected,
	}
}

// Status returns the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns the active session, or nil.
func (m *Manager) Session() *models.ConnectionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Open validates the descriptor, hands off to the matching transport adapter
// and stores the resulting session. Any previous session is torn down first.
func (m *Manager) Open(ctx context.Context, desc Descriptor) (*models.ConnectionSession, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	// At most one live session: replace, never stack.
	m.mu.Lock()
	if m.adapter != nil {
		prev := m.adapter
		m.adapter = nil
		m.session = nil
		m.mu.Unlock()
		prev.Disconnect(context.Background())
		m.mu.Lock()
	}
	m.status = StatusConnecting
	m.mu.Unlock()

	session, ad, err := m.dial(ctx, desc)
	if err != nil {
		m.mu.Lock()
		m.status = StatusDisconnected
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.adapter = ad
	m.session = session
	m.status = StatusConnected
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.MachineConnected.Set(1)
	}
	if desc.Kind == models.TransportWiFi && m.known != nil {
		if err := m.known.Remember(desc.Address, session.Token, session.Series); err != nil {
			fmt.Printf("[Machine] failed to persist token for %s: %v\n", desc.Address, err)
		}
	}

	// The session travels back on the caller's directed reply; broadcasting
	// it here too would deliver the same event twice to the requester.
	return session, nil
}

func (m *Manager) dial(ctx context.Context, desc Descriptor) (*models.ConnectionSession, adapter, error) {
	switch desc.Kind {
	case models.TransportWiFi:
		ad := wifi.New(wifi.Options{
			Emitter:           m.emitter,
			Metrics:           m.metrics,
			HeartbeatInterval: m.cfg.HeartbeatInterval(),
			EnclosureInterval: time.Duration(m.cfg.Machine.EnclosurePollIntervalSeconds) * time.Second,
			RequestTimeout:    m.cfg.RequestTimeout(),
			PrintTimeout:      m.cfg.PrintTimeout(),
			OnOffline:         m.handleOffline,
		})
		saved := ""
		if m.known != nil {
			saved = m.known.Token(desc.Address)
		}
		session, err := ad.Connect(ctx, desc.Address, saved)
		if err != nil {
			if saved != "" && staleToken(err) && m.known != nil {
				// Drop the rejected token so the next attempt re-pairs.
				if ferr := m.known.Forget(desc.Address); ferr != nil {
					fmt.Printf("[Machine] failed to forget token for %s: %v\n", desc.Address, ferr)
				}
			}
			return nil, nil, err
		}
		return session, ad, nil

	case models.TransportSerial:
		ad := serialport.New(serialport.Options{
			Emitter:           m.emitter,
			Metrics:           m.metrics,
			HeartbeatInterval: m.cfg.HeartbeatInterval(),
			RequestTimeout:    m.cfg.RequestTimeout(),
			OnOffline:         m.handleOffline,
		})
		session, err := ad.Connect(ctx, desc.Address)
		if err != nil {
			return nil, nil, err
		}
		return session, ad, nil

	case models.TransportSACP:
		ad := sacp.New(sacp.Options{
			Emitter:        m.emitter,
			Metrics:        m.metrics,
			RequestTimeout: m.cfg.RequestTimeout(),
			OnOffline:      m.handleOffline,
		})
		session, err := ad.Connect(ctx, desc.Address)
		if err != nil {
			return nil, nil, err
		}
		return session, ad, nil
	}
	return nil, nil, models.NewDeviceError("BAD_DESCRIPTOR", "unknown connection type", "")
}

// staleToken reports whether the device refused the presented token outright.
func staleToken(err error) bool {
	var devErr *models.DeviceError
	if !errors.As(err, &devErr) {
		return false
	}
	return devErr.Code == "HTTP_401" || devErr.Code == "HTTP_403"
}

// handleOffline runs when a heartbeat declares the session dead. The adapter
// already emitted the close notification; here only the cached state drops.
func (m *Manager) handleOffline() {
	m.mu.Lock()
	ad := m.adapter
	m.adapter = nil
	m.session = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.MachineConnected.Set(0)
	}
	if ad != nil {
		ad.Disconnect(context.Background())
	}
	fmt.Printf("[Machine] session closed by heartbeat\n")
}

// Close tears down the active session. Calling with no session reports the
// benign "connection not exist" error and does nothing else.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ad := m.adapter
	m.adapter = nil
	m.session = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.MachineConnected.Set(0)
	}
	if ad == nil {
		return models.ErrConnectionNotExist()
	}
	return ad.Disconnect(ctx)
}

// StartHeartbeat delegates to the active adapter; the manager never polls.
func (m *Manager) StartHeartbeat() error {
	ad, err := m.active()
	if err != nil {
		return err
	}
	hb, ok := ad.(heartbeater)
	if !ok {
		// Push-based transports carry their own telemetry.
		return nil
	}
	return hb.StartHeartbeat()
}

// ExecuteGcode queues one command batch and returns the interleaved
// [line, echo, ...] reply list.
func (m *Manager) ExecuteGcode(ctx context.Context, commandText string) ([]string, error) {
	ad, err := m.active()
	if err != nil {
		return nil, err
	}
	return ad.ExecuteGcode(ctx, splitLines(commandText))
}

// Upload transfers a job file to the machine, optionally starting it.
func (m *Manager) Upload(ctx context.Context, name string, r io.Reader, printNow bool) error {
	ad, err := m.active()
	if err != nil {
		return err
	}
	up, ok := ad.(uploader)
	if !ok {
		return models.NewDeviceError(models.CodeDeviceRejected, "file upload not supported on this transport", "")
	}
	return up.UploadFile(ctx, name, r, printNow)
}

// Job lifecycle forwarding.

func (m *Manager) StartGcode(ctx context.Context) error  { return m.job(ctx, "start") }
func (m *Manager) PauseGcode(ctx context.Context) error  { return m.job(ctx, "pause") }
func (m *Manager) ResumeGcode(ctx context.Context) error { return m.job(ctx, "resume") }
func (m *Manager) StopGcode(ctx context.Context) error   { return m.job(ctx, "stop") }

func (m *Manager) job(ctx context.Context, op string) error {
	ad, err := m.active()
	if err != nil {
		return err
	}
	jc, ok := ad.(jobController)
	if !ok {
		return models.NewDeviceError(models.CodeDeviceRejected, "job control not supported on this transport", "")
	}
	switch op {
	case "start":
		return jc.StartJob(ctx)
	case "pause":
		return jc.PauseJob(ctx)
	case "resume":
		return jc.ResumeJob(ctx)
	default:
		return jc.StopJob(ctx)
	}
}

// ModuleList re-queries the attached module set on demand.
func (m *Manager) ModuleList(ctx context.Context) (models.ModuleListSnapshot, error) {
	ad, err := m.active()
	if err != nil {
		return models.ModuleListSnapshot{}, err
	}
	ml, ok := ad.(interface {
		ModuleList(ctx context.Context) (models.ModuleListSnapshot, error)
	})
	if !ok {
		return models.ModuleListSnapshot{}, models.NewDeviceError(models.CodeDeviceRejected, "module list not supported on this transport", "")
	}
	return ml.ModuleList(ctx)
}

// WiFi returns the active adapter as a *wifi.Adapter for the tool and module
// setters only that transport carries, or an error when another transport is
// active.
func (m *Manager) WiFi() (*wifi.Adapter, error) {
	ad, err := m.active()
	if err != nil {
		return nil, err
	}
	w, ok := ad.(*wifi.Adapter)
	if !ok {
		return nil, models.NewDeviceError(models.CodeDeviceRejected, "operation not supported on this transport", "")
	}
	return w, nil
}

func (m *Manager) active() (adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adapter == nil {
		return nil, models.ErrNotConnected()
	}
	return m.adapter, nil
}

// splitLines breaks a command text block into trimmed non-empty lines.
func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
