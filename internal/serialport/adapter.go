// Package serialport implements the unified machine command contract over a
// direct serial link.
package serialport

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/machine-bridge/backend/internal/metric"
	"github.com/machine-bridge/backend/internal/models"
)

// Emitter receives the adapter's asynchronous events.
type Emitter interface {
	Emit(event string, payload any)
}

// Options configures an Adapter.
type Options struct {
	Emitter           Emitter
	Metrics           *metric.Metrics
	BaudRate          int
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	OnOffline         func()
}

// Adapter drives one machine over a serial port. Commands are line oriented:
// each write is answered by response text terminated with an "ok" line, so a
// single mutex is enough to keep writes from interleaving.
type Adapter struct {
	opts Options

	mu      sync.Mutex
	port    serial.Port
	reader  *bufio.Reader
	session *models.ConnectionSession

	hbStop chan struct{}
	hbDone chan struct{}
}

// New creates a disconnected adapter.
func New(opts Options) *Adapter {
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &Adapter{opts: opts}
}

// Connect opens the port and probes machine identity with M1005/M1006.
func (a *Adapter) Connect(ctx context.Context, portName string) (*models.ConnectionSession, error) {
	mode := &serial.Mode{BaudRate: a.opts.BaudRate}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, models.NewDeviceError(models.CodeUnreachable,
			fmt.Sprintf("cannot open serial port %s", portName), err.Error())
	}
	port.SetReadTimeout(a.opts.RequestTimeout)

	a.mu.Lock()
	a.port = port
	a.reader = bufio.NewReader(port)
	a.mu.Unlock()

	info, err := a.command("M1005")
	if err != nil {
		a.closePort()
		return nil, err
	}
	headInfo, err := a.command("M1006")
	if err != nil {
		a.closePort()
		return nil, err
	}

	series := parseSeries(info)
	headType, toolHead := parseToolHead(headInfo)
	if series == models.SeriesUnknown || headType == models.HeadTypeUnknown {
		a.closePort()
		return nil, models.ErrUnrecognizedMachine(strings.TrimSpace(info + " / " + headInfo))
	}

	session := &models.ConnectionSession{
		Transport: models.TransportSerial,
		Host:      portName,
		Series:    series,
		HeadType:  headType,
		ToolHead:  toolHead,
	}
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	fmt.Printf("[Serial] Connected to %s (%s, %s/%s)\n", portName, series, headType, toolHead)
	return session, nil
}

// parseSeries extracts the machine series from M1005 firmware info output.
func parseSeries(info string) models.MachineSeries {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Machine Type:"); ok {
			if series, err := models.MapSeries(strings.TrimSpace(rest)); err == nil {
				return series
			}
		}
	}
	return models.SeriesUnknown
}

// parseToolHead extracts the attached head from M1006 output.
func parseToolHead(info string) (models.HeadType, models.ToolHead) {
	upper := strings.ToUpper(info)
	switch {
	case strings.Contains(upper, "DUAL"):
		return models.HeadTypePrinting, models.ToolHeadDualExtruder
	case strings.Contains(upper, "3DP"), strings.Contains(upper, "EXTRUDER"):
		return models.HeadTypePrinting, models.ToolHeadSingleExtruder
	case strings.Contains(upper, "LASER10W"), strings.Contains(upper, "10W"):
		return models.HeadTypeLaser, models.ToolHeadLaser10W
	case strings.Contains(upper, "LASER"):
		return models.HeadTypeLaser, models.ToolHeadLaser1600mW
	case strings.Contains(upper, "CNC"):
		return models.HeadTypeCNC, models.ToolHeadStandardCNC
	}
	return models.HeadTypeUnknown, models.ToolHeadUnknown
}

// command writes one line and reads response text until the "ok" terminator.
// The port mutex serializes callers, so command traffic never interleaves.
func (a *Adapter) command(line string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commandLocked(line)
}

func (a *Adapter) commandLocked(line string) (string, error) {
	if a.port == nil {
		return "", models.ErrNotConnected()
	}

	if _, err := a.port.Write([]byte(line + "\n")); err != nil {
		return "", models.NewDeviceError(models.CodeUnreachable, "serial write failed", err.Error())
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.CommandsSent.WithLabelValues(string(models.TransportSerial)).Inc()
	}

	var sb strings.Builder
	deadline := time.Now().Add(a.opts.RequestTimeout)
	for {
		if time.Now().After(deadline) {
			return sb.String(), models.NewDeviceError(models.CodeTimeout,
				fmt.Sprintf("no ok for %q", line), sb.String())
		}
		resp, err := a.reader.ReadString('\n')
		if err != nil {
			return sb.String(), models.NewDeviceError(models.CodeUnreachable, "serial read failed", err.Error())
		}
		trimmed := strings.TrimSpace(resp)
		if trimmed == "ok" || strings.HasPrefix(trimmed, "ok ") {
			// Firmware may pack the payload onto the ok line ("ok T:25.0 ...").
			if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "ok")); rest != "" {
				sb.WriteString(rest)
			}
			return sb.String(), nil
		}
		sb.WriteString(resp)
	}
}

// ExecuteGcode sends every line in order and collects [line, echo, ...].
func (a *Adapter) ExecuteGcode(ctx context.Context, lines []string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	replies := make([]string, 0, len(lines)*2)
	for _, line := range lines {
		select {
		case <-ctx.Done():
			return replies, models.NewDeviceError(models.CodeTimeout, "command batch aborted", ctx.Err().Error())
		default:
		}
		echo, err := a.commandLocked(line)
		if err != nil {
			return replies, err
		}
		replies = append(replies, line, strings.TrimSpace(echo))
	}
	return replies, nil
}

// StartHeartbeat polls temperatures with M105 on a fixed cadence.
func (a *Adapter) StartHeartbeat() error {
	a.mu.Lock()
	if a.port == nil {
		a.mu.Unlock()
		return models.ErrNotConnected()
	}
	if a.hbStop != nil {
		a.mu.Unlock()
		return nil
	}
	a.hbStop = make(chan struct{})
	a.hbDone = make(chan struct{})
	stop, done := a.hbStop, a.hbDone
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.opts.HeartbeatInterval)
		defer ticker.Stop()

		first := true
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				resp, err := a.command("M105")
				if err != nil {
					fmt.Printf("[Serial] heartbeat failed: %v\n", err)
					if a.opts.Metrics != nil {
						a.opts.Metrics.HeartbeatFailures.Inc()
					}
					a.opts.Emitter.Emit(models.EventConnectionClose, map[string]any{"err": err})
					if a.opts.OnOffline != nil {
						go a.opts.OnOffline()
					}
					return
				}
				if a.opts.Metrics != nil {
					a.opts.Metrics.HeartbeatPolls.Inc()
				}
				state := parseTemperatureReport(resp)
				if first {
					first = false
					a.opts.Emitter.Emit(models.EventConnectionConnected, state)
				} else {
					a.opts.Emitter.Emit(models.EventMarlinState, state)
				}
			}
		}
	}()
	return nil
}

// parseTemperatureReport reads Marlin "T:21.3 /0.0 B:22.1 /0.0" output.
func parseTemperatureReport(resp string) models.MachineState {
	var state models.MachineState
	for _, tok := range strings.Fields(resp) {
		switch {
		case strings.HasPrefix(tok, "T:"):
			fmt.Sscanf(tok, "T:%f", &state.NozzleTemperature)
		case strings.HasPrefix(tok, "B:"):
			fmt.Sscanf(tok, "B:%f", &state.HeatedBedTemperature)
		case strings.HasPrefix(tok, "/"):
			// Target follows its current value; assign to whichever is unset.
			var target float64
			fmt.Sscanf(tok, "/%f", &target)
			if state.NozzleTargetTemperature == 0 && state.HeatedBedTemperature == 0 {
				state.NozzleTargetTemperature = target
			} else {
				state.HeatedBedTargetTemp = target
			}
		}
	}
	state.WorkflowStatus = models.WorkflowIdle
	return state
}

// StopHeartbeat cancels the poll loop.
func (a *Adapter) StopHeartbeat() {
	a.mu.Lock()
	stop, done := a.hbStop, a.hbDone
	a.hbStop, a.hbDone = nil, nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Disconnect closes the port.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.StopHeartbeat()

	a.mu.Lock()
	port := a.port
	a.port = nil
	a.reader = nil
	a.session = nil
	a.mu.Unlock()

	if port == nil {
		return models.ErrConnectionNotExist()
	}
	port.Close()
	fmt.Printf("[Serial] Port closed\n")
	return nil
}

// Session returns the active session, or nil.
func (a *Adapter) Session() *models.ConnectionSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Adapter) closePort() {
	a.mu.Lock()
	if a.port != nil {
		a.port.Close()
		a.port = nil
		a.reader = nil
	}
	a.mu.Unlock()
}
