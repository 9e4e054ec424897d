// heartbeat.go - Recurring status poll for telemetry and liveness
package wifi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/machine-bridge/backend/internal/metric"
	"github.com/machine-bridge/backend/internal/models"
)

// statusPayload is the device's /api/v1/status response shape.
type statusPayload struct {
	Status string  `json:"status"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`

	NozzleTemperature          float64 `json:"nozzleTemperature"`
	NozzleTargetTemperature    float64 `json:"nozzleTargetTemperature"`
	HeatedBedTemperature       float64 `json:"heatedBedTemperature"`
	HeatedBedTargetTemperature float64 `json:"heatedBedTargetTemperature"`

	FileName      string `json:"fileName"`
	CurrentLine   int    `json:"currentLine"`
	TotalLines    int    `json:"totalLines"`
	ElapsedTime   int    `json:"elapsedTime"`
	RemainingTime int    `json:"remainingTime"`

	IsEnclosureDoorOpen bool `json:"isEnclosureDoorOpen"`
	AirPurifier         bool `json:"airPurifier"`
}

func (p *statusPayload) toState() models.MachineState {
	st := models.MachineState{
		X: p.X, Y: p.Y, Z: p.Z,
		NozzleTemperature:       p.NozzleTemperature,
		NozzleTargetTemperature: p.NozzleTargetTemperature,
		HeatedBedTemperature:    p.HeatedBedTemperature,
		HeatedBedTargetTemp:     p.HeatedBedTargetTemperature,
		WorkflowStatus:          models.WorkflowStatus(p.Status),
		FileName:                p.FileName,
		CurrentLine:             p.CurrentLine,
		TotalLines:              p.TotalLines,
		ElapsedTimeSeconds:      p.ElapsedTime,
		RemainingTimeSeconds:    p.RemainingTime,
		IsEnclosureDoorOpen:     p.IsEnclosureDoorOpen,
		AirPurifier:             p.AirPurifier,
	}
	if p.TotalLines > 0 {
		st.Progress = float64(p.CurrentLine) / float64(p.TotalLines)
	}
	return st
}

// poller runs the heartbeat loop on its own goroutine so a slow device cannot
// stall command dispatch. One poller exists per StartHeartbeat call; the
// first-success and offline flags live on the instance, never package-wide,
// so a fresh session always starts with fresh poll state.
type poller struct {
	client   *client
	interval time.Duration
	timeout  time.Duration
	emitter  Emitter
	metrics  *metric.Metrics

	// onOffline runs once if a poll fails at the transport level.
	onOffline func()

	firstSeen  bool
	closeFired bool
	stop       chan struct{}
	done       chan struct{}
}

func newPoller(c *client, interval, timeout time.Duration, emitter Emitter, metrics *metric.Metrics, onOffline func()) *poller {
	return &poller{
		client:    c,
		interval:  interval,
		timeout:   timeout,
		emitter:   emitter,
		metrics:   metrics,
		onOffline: onOffline,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *poller) start() {
	go p.run()
}

func (p *poller) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if !p.poll() {
				return
			}
		}
	}
}

// poll issues one status request. Returns false when the session has been
// declared offline and the loop must exit.
func (p *poller) poll() bool {
	if p.metrics != nil {
		p.metrics.HeartbeatPolls.Inc()
	}

	body, err := p.client.getQuery(context.Background(), "status", nil, p.timeout)
	if err != nil {
		// A transport failure is a definitive disconnect, not a transient
		// error. Exactly one close notification fires per session.
		if p.metrics != nil {
			p.metrics.HeartbeatFailures.Inc()
		}
		if !p.closeFired {
			p.closeFired = true
			fmt.Printf("[Heartbeat] %s offline: %v\n", p.client.host, err)
			p.emitter.Emit(models.EventConnectionClose, map[string]any{
				"host": p.client.host,
				"err":  err,
			})
			if p.onOffline != nil {
				// Teardown runs off this goroutine: the manager's cleanup
				// calls back into Stop, which waits for this loop to exit.
				go p.onOffline()
			}
		}
		return false
	}

	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// A garbled body is not a liveness failure; skip the sample.
		fmt.Printf("[Heartbeat] %s bad status payload: %v\n", p.client.host, err)
		return true
	}

	state := payload.toState()
	if !p.firstSeen {
		// The first successful poll after (re)start carries full state on
		// the connected event instead of the lighter steady-state update.
		p.firstSeen = true
		p.emitter.Emit(models.EventConnectionConnected, state)
		return true
	}
	p.emitter.Emit(models.EventMarlinState, state)
	return true
}

// Stop cancels the poll loop and waits for it to exit. Safe to call more
// than once.
func (p *poller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}
