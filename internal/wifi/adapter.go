// Package wifi implements the unified machine command contract over the
// polling HTTP protocol spoken by WiFi-connected machines.
package wifi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/machine-bridge/backend/internal/metric"
	"github.com/machine-bridge/backend/internal/models"
)

// Emitter receives the adapter's asynchronous events (telemetry, close
// notifications, module snapshots).
type Emitter interface {
	Emit(event string, payload any)
}

// Options configures an Adapter.
type Options struct {
	Emitter           Emitter
	Metrics           *metric.Metrics
	HeartbeatInterval time.Duration
	EnclosureInterval time.Duration
	RequestTimeout    time.Duration
	PrintTimeout      time.Duration

	// OnOffline is invoked once when the heartbeat declares the session dead.
	OnOffline func()
}

// Adapter holds the one active WiFi session's host and token and realizes
// every device operation as a bounded HTTP call.
type Adapter struct {
	opts Options

	mu      sync.Mutex
	client  *client
	session *models.ConnectionSession
	queue   *commandQueue
	hb      *poller
	encl    *enclosurePoller

	thicknessMu     sync.Mutex
	thicknessCancel context.CancelFunc
}

// New creates a disconnected adapter.
func New(opts Options) *Adapter {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.EnclosureInterval <= 0 {
		opts.EnclosureInterval = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.PrintTimeout <= 0 {
		opts.PrintTimeout = 2 * time.Minute
	}
	return &Adapter{opts: opts}
}

// connectPayload is the device's /api/v1/connect response shape.
type connectPayload struct {
	Token    string `json:"token"`
	Series   string `json:"series"`
	HeadType int    `json:"headType"`
	ReadOnly bool   `json:"readonly"`
}

// Connect performs the handshake: token exchange, identity mapping, and the
// initial module/extruder queries. savedToken may carry a previously issued
// token so the device skips its on-screen confirmation.
func (a *Adapter) Connect(ctx context.Context, host, savedToken string) (*models.ConnectionSession, error) {
	c := newClient(host)
	c.token = savedToken

	body, err := c.postForm(ctx, "connect", nil, a.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var payload connectPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, models.NewDeviceError(models.CodeUnreachable, "malformed connect response", string(body))
	}
	if payload.Token != "" {
		c.token = payload.Token
	}

	series, serr := models.MapSeries(payload.Series)
	headType, toolHead, herr := models.MapHeadCode(payload.HeadType)
	if serr != nil || herr != nil {
		detail := fmt.Sprintf("series=%q headType=%d", payload.Series, payload.HeadType)
		return nil, models.ErrUnrecognizedMachine(detail)
	}

	session := &models.ConnectionSession{
		Transport: models.TransportWiFi,
		Host:      host,
		Token:     c.token,
		Series:    series,
		HeadType:  headType,
		ToolHead:  toolHead,
	}

	a.mu.Lock()
	a.client = c
	a.session = session
	a.queue = newCommandQueue(a.sendLine)
	a.encl = newEnclosurePoller(c, a.opts.EnclosureInterval, a.opts.RequestTimeout, a.opts.Emitter)
	a.mu.Unlock()

	fmt.Printf("[WiFi] Connected to %s (%s, %s/%s)\n", host, series, headType, toolHead)

	// Initial queries: module set and active extruder, then the repeating
	// enclosure status poll.
	if snap, err := a.ModuleList(ctx); err == nil {
		a.opts.Emitter.Emit(models.EventModuleList, snap)
	} else {
		fmt.Printf("[WiFi] module list query failed: %v\n", err)
	}
	if n, err := a.ActiveExtruder(ctx); err == nil {
		session.ActiveExtruder = n
	}
	a.encl.start()

	return session, nil
}

// Disconnect tears the session down: heartbeat and enclosure polls stop, the
// command queue drains its waiters, and the device is told to release the
// token's session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	c := a.client
	queue := a.queue
	hb := a.hb
	encl := a.encl
	a.client = nil
	a.session = nil
	a.queue = nil
	a.hb = nil
	a.encl = nil
	a.mu.Unlock()

	if c == nil {
		return models.ErrConnectionNotExist()
	}
	if hb != nil {
		hb.Stop()
	}
	if encl != nil {
		encl.Stop()
	}
	if queue != nil {
		queue.Close()
	}
	a.AbortMaterialThickness()

	if _, err := c.postForm(ctx, "disconnect", nil, a.opts.RequestTimeout); err != nil {
		// The device being gone is exactly why most disconnects happen.
		fmt.Printf("[WiFi] disconnect request failed: %v\n", err)
	}
	fmt.Printf("[WiFi] Disconnected from %s\n", c.host)
	return nil
}

// StartHeartbeat launches the recurring status poll for the active session.
func (a *Adapter) StartHeartbeat() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return models.ErrNotConnected()
	}
	if a.hb != nil {
		return nil
	}
	a.hb = newPoller(a.client, a.opts.HeartbeatInterval, a.opts.RequestTimeout,
		a.opts.Emitter, a.opts.Metrics, a.opts.OnOffline)
	a.hb.start()
	return nil
}

// StopHeartbeat cancels the status poll without closing the session.
func (a *Adapter) StopHeartbeat() {
	a.mu.Lock()
	hb := a.hb
	a.hb = nil
	a.mu.Unlock()
	if hb != nil {
		hb.Stop()
	}
}

// sendLine is the queue's send function: one command line per request.
func (a *Adapter) sendLine(ctx context.Context, line string) (string, error) {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return "", models.ErrNotConnected()
	}

	if a.opts.Metrics != nil {
		a.opts.Metrics.CommandsSent.WithLabelValues(string(models.TransportWiFi)).Inc()
	}

	fields := url.Values{}
	fields.Set("code", line)
	body, err := c.postForm(ctx, "execute_code", fields, a.opts.RequestTimeout)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ExecuteGcode runs a batch of command lines through the FIFO queue and
// returns the interleaved [line, echo, line, echo, ...] reply list.
func (a *Adapter) ExecuteGcode(ctx context.Context, lines []string) ([]string, error) {
	a.mu.Lock()
	queue := a.queue
	a.mu.Unlock()
	if queue == nil {
		return nil, models.ErrNotConnected()
	}
	replies, err := queue.Submit(ctx, lines)
	if err == nil && a.opts.Metrics != nil {
		a.opts.Metrics.CommandBatches.Inc()
	}
	return replies, err
}

// UploadFile transfers a job file to the device. When printNow is set the
// device is told to begin the job as soon as the transfer lands.
func (a *Adapter) UploadFile(ctx context.Context, name string, r io.Reader, printNow bool) error {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return models.ErrNotConnected()
	}

	if printNow {
		if _, err := c.postForm(ctx, "prepare_print", nil, a.opts.RequestTimeout); err != nil {
			return err
		}
	}
	if _, err := c.postFile(ctx, "upload", name, r, a.opts.PrintTimeout); err != nil {
		return err
	}
	if printNow {
		_, err := c.postForm(ctx, "start_print", nil, a.opts.PrintTimeout)
		return err
	}
	return nil
}

// Job lifecycle operations. Each is one POST with the long print timeout.

func (a *Adapter) StartJob(ctx context.Context) error {
	return a.simplePost(ctx, "start_print", nil, a.opts.PrintTimeout)
}

func (a *Adapter) PauseJob(ctx context.Context) error {
	return a.simplePost(ctx, "pause_print", nil, a.opts.PrintTimeout)
}

func (a *Adapter) ResumeJob(ctx context.Context) error {
	return a.simplePost(ctx, "resume_print", nil, a.opts.PrintTimeout)
}

func (a *Adapter) StopJob(ctx context.Context) error {
	return a.simplePost(ctx, "stop_print", nil, a.opts.PrintTimeout)
}

// moduleListPayload is the /api/v1/module_list response shape.
type moduleListPayload struct {
	ModuleList []int `json:"moduleList"`
}

// Module ids as reported by the device firmware.
const (
	moduleIDEnclosure     = 5
	moduleIDRotary        = 6
	moduleIDAirPurifier   = 7
	moduleIDEmergencyStop = 8
	moduleIDHeatedBed     = 14
)

// ModuleList queries the attached hardware module set.
func (a *Adapter) ModuleList(ctx context.Context) (models.ModuleListSnapshot, error) {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return models.ModuleListSnapshot{}, models.ErrNotConnected()
	}

	body, err := c.getQuery(ctx, "module_list", nil, a.opts.RequestTimeout)
	if err != nil {
		return models.ModuleListSnapshot{}, err
	}

	var payload moduleListPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.ModuleListSnapshot{}, models.NewDeviceError(models.CodeDeviceRejected, "malformed module list", string(body))
	}

	var snap models.ModuleListSnapshot
	for _, id := range payload.ModuleList {
		switch id {
		case moduleIDEnclosure:
			snap.HasEnclosure = true
		case moduleIDRotary:
			snap.HasRotaryModule = true
		case moduleIDAirPurifier:
			snap.HasAirPurifier = true
		case moduleIDEmergencyStop:
			snap.HasEmergencyStop = true
		case moduleIDHeatedBed:
			snap.HasHeatedBed = true
		}
	}
	return snap, nil
}

// ActiveExtruder queries which extruder is currently selected.
func (a *Adapter) ActiveExtruder(ctx context.Context) (int, error) {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return 0, models.ErrNotConnected()
	}

	body, err := c.getQuery(ctx, "active_extruder", nil, a.opts.RequestTimeout)
	if err != nil {
		return 0, err
	}
	var payload struct {
		ActiveExtruder int `json:"activeExtruder"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, nil
	}
	return payload.ActiveExtruder, nil
}

// SwitchExtruder selects the active extruder on dual-extruder heads.
func (a *Adapter) SwitchExtruder(ctx context.Context, index int) error {
	fields := url.Values{}
	fields.Set("active", strconv.Itoa(index))
	return a.simplePost(ctx, "switch_extruder", fields, a.opts.RequestTimeout)
}

// Tool and module setters: each a single POST to its dedicated endpoint.

func (a *Adapter) SetNozzleTemperature(ctx context.Context, extruder int, temp float64) error {
	fields := url.Values{}
	fields.Set("extruderIndex", strconv.Itoa(extruder))
	fields.Set("nozzleTemperature", strconv.FormatFloat(temp, 'f', -1, 64))
	return a.simplePost(ctx, "override_nozzle_temperature", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetBedTemperature(ctx context.Context, temp float64) error {
	fields := url.Values{}
	fields.Set("heatedBedTemperature", strconv.FormatFloat(temp, 'f', -1, 64))
	return a.simplePost(ctx, "override_bed_temperature", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetZOffset(ctx context.Context, offset float64) error {
	fields := url.Values{}
	fields.Set("zOffset", strconv.FormatFloat(offset, 'f', -1, 64))
	return a.simplePost(ctx, "override_z_offset", fields, a.opts.RequestTimeout)
}

func (a *Adapter) LoadFilament(ctx context.Context) error {
	return a.simplePost(ctx, "filament_load", nil, a.opts.RequestTimeout)
}

func (a *Adapter) UnloadFilament(ctx context.Context) error {
	return a.simplePost(ctx, "filament_unload", nil, a.opts.RequestTimeout)
}

func (a *Adapter) SetWorkSpeedFactor(ctx context.Context, factor int) error {
	fields := url.Values{}
	fields.Set("workSpeedFactor", strconv.Itoa(factor))
	return a.simplePost(ctx, "override_work_speed", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetLaserPower(ctx context.Context, power float64) error {
	fields := url.Values{}
	fields.Set("laserPower", strconv.FormatFloat(power, 'f', -1, 64))
	return a.simplePost(ctx, "override_laser_power", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetEnclosureLight(ctx context.Context, intensity int) error {
	fields := url.Values{}
	fields.Set("led", strconv.Itoa(intensity))
	return a.simplePost(ctx, "enclosure", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetEnclosureFan(ctx context.Context, strength int) error {
	fields := url.Values{}
	fields.Set("fan", strconv.Itoa(strength))
	return a.simplePost(ctx, "enclosure", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetDoorDetection(ctx context.Context, enabled bool) error {
	fields := url.Values{}
	fields.Set("isDoorEnabled", strconv.FormatBool(enabled))
	return a.simplePost(ctx, "enclosure", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetFilterSwitch(ctx context.Context, on bool) error {
	fields := url.Values{}
	fields.Set("switch", strconv.FormatBool(on))
	return a.simplePost(ctx, "air_purifier_switch", fields, a.opts.RequestTimeout)
}

func (a *Adapter) SetFilterWorkSpeed(ctx context.Context, speed int) error {
	fields := url.Values{}
	fields.Set("fan_speed", strconv.Itoa(speed))
	return a.simplePost(ctx, "air_purifier_fan_speed", fields, a.opts.RequestTimeout)
}

// MaterialThickness runs the laser material-thickness probe. The device holds
// the request until the probe finishes, so this is the one long-poll call
// with an explicit abort.
func (a *Adapter) MaterialThickness(ctx context.Context, x, y, feedRate float64) ([]byte, error) {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return nil, models.ErrNotConnected()
	}

	probeCtx, cancel := context.WithCancel(ctx)
	a.thicknessMu.Lock()
	a.thicknessCancel = cancel
	a.thicknessMu.Unlock()
	defer func() {
		a.thicknessMu.Lock()
		a.thicknessCancel = nil
		a.thicknessMu.Unlock()
		cancel()
	}()

	fields := url.Values{}
	fields.Set("x", strconv.FormatFloat(x, 'f', -1, 64))
	fields.Set("y", strconv.FormatFloat(y, 'f', -1, 64))
	fields.Set("feedRate", strconv.FormatFloat(feedRate, 'f', -1, 64))
	return c.postForm(probeCtx, "request_Laser_Material_Thickness", fields, a.opts.PrintTimeout)
}

// AbortMaterialThickness cancels an in-flight thickness probe, if any.
func (a *Adapter) AbortMaterialThickness() {
	a.thicknessMu.Lock()
	cancel := a.thicknessCancel
	a.thicknessCancel = nil
	a.thicknessMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Session returns the active session, or nil.
func (a *Adapter) Session() *models.ConnectionSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Adapter) simplePost(ctx context.Context, path string, fields url.Values, timeout time.Duration) error {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return models.ErrNotConnected()
	}
	_, err := c.postForm(ctx, path, fields, timeout)
	return err
}
