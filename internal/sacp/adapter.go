// adapter.go - Unified command contract over a SACP TCP connection
package sacp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/machine-bridge/backend/internal/metric"
	"github.com/machine-bridge/backend/internal/models"
)

// Command set / id pairs used by the adapter.
const (
	cmdSetSystem   = 0x01
	cmdGcode       = 0x02
	cmdHome        = 0x35
	cmdHandshake   = 0x05
	cmdSetPrintCtl = 0xAC
	cmdStartPrint  = 0x03
	cmdPausePrint  = 0x04
	cmdResumePrint = 0x06
	cmdStopPrint   = 0x07

	cmdSetExtruder = 0x10
	cmdSetBed      = 0x14
	cmdSetTemp     = 0x02
	cmdQueryTemp   = 0xA0
)

// Emitter receives the adapter's asynchronous events.
type Emitter interface {
	Emit(event string, payload any)
}

// Options configures an Adapter.
type Options struct {
	Emitter        Emitter
	Metrics        *metric.Metrics
	RequestTimeout time.Duration
	OnOffline      func()
}

// Adapter implements the unified machine command contract over SACP.
type Adapter struct {
	opts Options

	mu      sync.Mutex
	conn    net.Conn
	router  *Router
	writeMu sync.Mutex
	session *models.ConnectionSession

	subMu sync.RWMutex
	state models.MachineState
}

// New creates a disconnected adapter.
func New(opts Options) *Adapter {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Adapter{opts: opts}
}

// Connect dials the machine, starts the packet router and performs the
// handshake. The handshake ack carries the machine identity string.
func (a *Adapter) Connect(ctx context.Context, host string) (*models.ConnectionSession, error) {
	addr := host
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", host, Port)
	}

	d := net.Dialer{Timeout: a.opts.RequestTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, models.NewDeviceError(models.CodeUnreachable,
			fmt.Sprintf("SACP dial %s failed", addr), err.Error())
	}

	router := NewRouter(conn, a.handlePush, a.handleDisconnect)
	router.Start()

	a.mu.Lock()
	a.conn = conn
	a.router = router
	a.mu.Unlock()

	ack, err := a.send(cmdSetSystem, cmdHandshake, nil)
	if err != nil {
		a.teardown()
		return nil, err
	}

	// Handshake payload: result byte, then a length-prefixed series string
	// and the head type code.
	series, headCode, perr := parseHandshake(ack)
	if perr != nil {
		a.teardown()
		return nil, models.ErrUnrecognizedMachine(perr.Error())
	}
	mappedSeries, serr := models.MapSeries(series)
	headType, toolHead, herr := models.MapHeadCode(headCode)
	if serr != nil || herr != nil {
		a.teardown()
		return nil, models.ErrUnrecognizedMachine(fmt.Sprintf("series=%q headType=%d", series, headCode))
	}

	session := &models.ConnectionSession{
		Transport: models.TransportSACP,
		Host:      host,
		Series:    mappedSeries,
		HeadType:  headType,
		ToolHead:  toolHead,
	}
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	fmt.Printf("[SACP] Connected to %s (%s, %s/%s)\n", host, mappedSeries, headType, toolHead)

	// Subscribe to temperature pushes.
	interval := &bytes.Buffer{}
	binary.Write(interval, binary.LittleEndian, uint16(1000))
	a.send(cmdSetExtruder, cmdQueryTemp, interval.Bytes())
	a.send(cmdSetBed, cmdQueryTemp, interval.Bytes())

	return session, nil
}

func parseHandshake(p *Packet) (series string, headCode int, err error) {
	data := p.Data
	if len(data) < 4 || data[0] != 0 {
		return "", 0, fmt.Errorf("handshake rejected")
	}
	n := int(binary.LittleEndian.Uint16(data[1:3]))
	if len(data) < 3+n+1 {
		return "", 0, fmt.Errorf("short handshake payload")
	}
	return string(data[3 : 3+n]), int(data[3+n]), nil
}

// send writes one request packet and waits for its ack.
func (a *Adapter) send(commandSet, commandID byte, data []byte) (*Packet, error) {
	a.mu.Lock()
	conn := a.conn
	router := a.router
	a.mu.Unlock()
	if conn == nil || router == nil {
		return nil, models.ErrNotConnected()
	}

	p := &Packet{
		Receiver:   AddrController,
		Sender:     AddrHost,
		Attribute:  AttrRequest,
		Sequence:   router.NextSequence(),
		CommandSet: commandSet,
		CommandID:  commandID,
		Data:       data,
	}

	a.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(a.opts.RequestTimeout))
	_, err := conn.Write(p.Encode())
	a.writeMu.Unlock()
	if err != nil {
		return nil, models.NewDeviceError(models.CodeUnreachable, "SACP write failed", err.Error())
	}

	ack, err := router.WaitForAck(p.Sequence, a.opts.RequestTimeout)
	if err != nil {
		return nil, models.NewDeviceError(models.CodeTimeout, "SACP ack timeout", err.Error())
	}
	if len(ack.Data) >= 1 && ack.Data[0] != 0 {
		return ack, models.NewDeviceError(models.CodeDeviceRejected,
			fmt.Sprintf("command 0x%02x/0x%02x rejected", commandSet, commandID),
			fmt.Sprintf("code %d", ack.Data[0]))
	}
	return ack, nil
}

// handlePush updates cached telemetry from subscription pushes.
func (a *Adapter) handlePush(commandSet, commandID byte, data []byte) {
	if commandID != cmdQueryTemp || len(data) < 5 {
		return
	}

	// Push payload: result byte then current/target in tenths of a degree.
	current := float64(binary.LittleEndian.Uint16(data[1:3])) / 10
	target := float64(binary.LittleEndian.Uint16(data[3:5])) / 10

	a.subMu.Lock()
	switch commandSet {
	case cmdSetExtruder:
		a.state.NozzleTemperature = current
		a.state.NozzleTargetTemperature = target
	case cmdSetBed:
		a.state.HeatedBedTemperature = current
		a.state.HeatedBedTargetTemp = target
	}
	state := a.state
	a.subMu.Unlock()

	a.opts.Emitter.Emit(models.EventMarlinState, state)
}

func (a *Adapter) handleDisconnect() {
	a.teardownConn()
	a.opts.Emitter.Emit(models.EventConnectionClose, map[string]any{"err": "connection lost"})
	if a.opts.OnOffline != nil {
		go a.opts.OnOffline()
	}
}

// ExecuteGcode sends each line as a SACP gcode command, collecting
// [line, echo, ...]. Writes are serialized by the write mutex and the
// ack-per-command flow, so batches do not interleave.
func (a *Adapter) ExecuteGcode(ctx context.Context, lines []string) ([]string, error) {
	replies := make([]string, 0, len(lines)*2)
	for _, line := range lines {
		select {
		case <-ctx.Done():
			return replies, models.NewDeviceError(models.CodeTimeout, "command batch aborted", ctx.Err().Error())
		default:
		}

		payload := &bytes.Buffer{}
		binary.Write(payload, binary.LittleEndian, uint16(len(line)))
		payload.WriteString(line)

		ack, err := a.send(cmdSetSystem, cmdGcode, payload.Bytes())
		if err != nil {
			return replies, err
		}
		if a.opts.Metrics != nil {
			a.opts.Metrics.CommandsSent.WithLabelValues(string(models.TransportSACP)).Inc()
		}
		echo := ""
		if len(ack.Data) > 1 {
			echo = string(ack.Data[1:])
		}
		replies = append(replies, line, echo)
	}
	return replies, nil
}

// Job lifecycle operations.

func (a *Adapter) StartJob(ctx context.Context) error {
	_, err := a.send(cmdSetPrintCtl, cmdStartPrint, nil)
	return err
}

func (a *Adapter) PauseJob(ctx context.Context) error {
	_, err := a.send(cmdSetPrintCtl, cmdPausePrint, nil)
	return err
}

func (a *Adapter) ResumeJob(ctx context.Context) error {
	_, err := a.send(cmdSetPrintCtl, cmdResumePrint, nil)
	return err
}

func (a *Adapter) StopJob(ctx context.Context) error {
	_, err := a.send(cmdSetPrintCtl, cmdStopPrint, nil)
	return err
}

// Home sends a home-all-axes command.
func (a *Adapter) Home(ctx context.Context) error {
	_, err := a.send(cmdSetSystem, cmdHome, []byte{0x00})
	return err
}

// SetNozzleTemperature sets an extruder target temperature.
func (a *Adapter) SetNozzleTemperature(ctx context.Context, extruder int, temp float64) error {
	data := &bytes.Buffer{}
	data.WriteByte(byte(extruder))
	binary.Write(data, binary.LittleEndian, uint16(temp))
	_, err := a.send(cmdSetExtruder, cmdSetTemp, data.Bytes())
	return err
}

// SetBedTemperature sets the heated bed target temperature.
func (a *Adapter) SetBedTemperature(ctx context.Context, temp float64) error {
	data := &bytes.Buffer{}
	data.WriteByte(0x00)
	binary.Write(data, binary.LittleEndian, uint16(temp))
	_, err := a.send(cmdSetBed, cmdSetTemp, data.Bytes())
	return err
}

// Disconnect closes the connection and stops the router.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	hadConn := a.conn != nil
	a.mu.Unlock()
	if !hadConn {
		return models.ErrConnectionNotExist()
	}
	a.teardown()
	fmt.Printf("[SACP] Disconnected\n")
	return nil
}

// Session returns the active session, or nil.
func (a *Adapter) Session() *models.ConnectionSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// teardown stops the router (blocking) then closes the socket.
func (a *Adapter) teardown() {
	a.mu.Lock()
	conn := a.conn
	router := a.router
	a.conn = nil
	a.router = nil
	a.session = nil
	a.mu.Unlock()

	if router != nil {
		router.Stop()
	}
	if conn != nil {
		conn.Close()
	}
}

// teardownConn is the router-initiated variant: the read loop is already
// exiting, so only the socket and cached state are released.
func (a *Adapter) teardownConn() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.router = nil
	a.session = nil
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
