// registry.go - Static binding of channel event names to manager operations
package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/machine-bridge/backend/internal/discovery"
	"github.com/machine-bridge/backend/internal/machine"
	"github.com/machine-bridge/backend/internal/models"
)

// Registry binds the channel's event names to connection manager and
// discovery service calls.
type Registry struct {
	manager *machine.Manager
	disco   *discovery.Service
}

// NewRegistry creates the event registry.
func NewRegistry(manager *machine.Manager, disco *discovery.Service) *Registry {
	return &Registry{manager: manager, disco: disco}
}

// Bind installs every event handler on the channel. Handlers run their
// device call on a fresh goroutine so a slow machine never stalls a peer's
// read loop; the completion event carries the result or the normalized error.
func (r *Registry) Bind(ch *Channel) {
	ch.RegisterEvent(models.EventConnectionOpen, r.handleOpen)
	ch.RegisterEvent(models.EventConnectionClose, r.handleClose)
	ch.RegisterEvent(models.EventExecuteGcode, r.handleExecuteGcode)
	ch.RegisterEvent(models.EventStartGcode, r.jobHandler(models.EventStartGcode, r.manager.StartGcode))
	ch.RegisterEvent(models.EventPauseGcode, r.jobHandler(models.EventPauseGcode, r.manager.PauseGcode))
	ch.RegisterEvent(models.EventResumeGcode, r.jobHandler(models.EventResumeGcode, r.manager.ResumeGcode))
	ch.RegisterEvent(models.EventStopGcode, r.jobHandler(models.EventStopGcode, r.manager.StopGcode))
	ch.RegisterEvent(models.EventUploadFile, r.handleUploadFile)
	ch.RegisterEvent(models.EventModuleList, r.handleModuleList)
	ch.RegisterEvent(models.EventDiscover, r.handleDiscover(models.TransportWiFi))
	ch.RegisterEvent(models.EventSerialDiscover, r.handleDiscover(models.TransportSerial))
	ch.RegisterEvent("machine:subscribe-discover", r.handleSubscribeDiscover)
	ch.RegisterEvent("machine:unsubscribe-discover", r.handleUnsubscribeDiscover)

	r.bindSetters(ch)
	ch.RegisterChannel("connection:materialThickness", r.handleMaterialThickness)
	ch.RegisterEvent("connection:materialThickness-abort", r.handleMaterialThicknessAbort)
}

func (r *Registry) handleOpen(p *Peer, actionID string, payload json.RawMessage) {
	var desc machine.Descriptor
	if err := json.Unmarshal(payload, &desc); err != nil {
		p.Send(models.EventConnectionOpen, actionID, toErrorPayload(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := r.manager.Open(ctx, desc)
		if err != nil {
			p.Send(models.EventConnectionOpen, actionID, toErrorPayload(err))
			return
		}
		if err := r.manager.StartHeartbeat(); err != nil {
			p.Send(models.EventConnectionOpen, actionID, toErrorPayload(err))
			return
		}
		p.Send(models.EventConnectionOpen, actionID, okPayload(session))
	}()
}

func (r *Registry) handleClose(p *Peer, actionID string, payload json.RawMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.manager.Close(ctx); err != nil {
			p.Send(models.EventConnectionClose, actionID, toErrorPayload(err))
			return
		}
		p.Send(models.EventConnectionClose, actionID, okPayload(nil))
	}()
}

func (r *Registry) handleExecuteGcode(p *Peer, actionID string, payload json.RawMessage) {
	var req struct {
		Gcode string `json:"gcode"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		p.Send(models.EventExecuteGcode, actionID, toErrorPayload(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		replies, err := r.manager.ExecuteGcode(ctx, req.Gcode)
		if err != nil {
			p.Send(models.EventExecuteGcode, actionID, toErrorPayload(err))
			return
		}
		p.Send(models.EventExecuteGcode, actionID, okPayload(replies))
	}()
}

func (r *Registry) handleUploadFile(p *Peer, actionID string, payload json.RawMessage) {
	var req struct {
		FileName string `json:"fileName"`
		Gcode    string `json:"gcode"`
		PrintNow bool   `json:"printNow"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		p.Send(models.EventUploadFile, actionID, toErrorPayload(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		err := r.manager.Upload(ctx, req.FileName, strings.NewReader(req.Gcode), req.PrintNow)
		if err != nil {
			p.Send(models.EventUploadFile, actionID, toErrorPayload(err))
			return
		}
		p.Send(models.EventUploadFile, actionID, okPayload(nil))
	}()
}

func (r *Registry) jobHandler(event string, op func(context.Context) error) Handler {
	return func(p *Peer, actionID string, payload json.RawMessage) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := op(ctx); err != nil {
				p.Send(event, actionID, toErrorPayload(err))
				return
			}
			p.Send(event, actionID, okPayload(nil))
		}()
	}
}

func (r *Registry) handleModuleList(p *Peer, actionID string, payload json.RawMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := r.manager.ModuleList(ctx)
		if err != nil {
			p.Send(models.EventModuleList, actionID, toErrorPayload(err))
			return
		}
		p.Send(models.EventModuleList, actionID, okPayload(snap))
	}()
}

func (r *Registry) handleDiscover(kind models.TransportKind) Handler {
	event := models.EventDiscover
	if kind == models.TransportSerial {
		event = models.EventSerialDiscover
	}
	return func(p *Peer, actionID string, payload json.RawMessage) {
		go func() {
			results, err := r.disco.Discover(kind)
			if err != nil {
				p.Send(event, actionID, toErrorPayload(err))
				return
			}
			p.Send(event, actionID, okPayload(results))
		}()
	}
}

func (r *Registry) handleSubscribeDiscover(p *Peer, actionID string, payload json.RawMessage) {
	var req struct {
		ConnectionType  models.TransportKind `json:"connectionType"`
		IntervalSeconds int                  `json:"interval"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		p.Send("machine:subscribe-discover", actionID, toErrorPayload(err))
		return
	}
	r.disco.Subscribe(req.ConnectionType, time.Duration(req.IntervalSeconds)*time.Second)
	p.Send("machine:subscribe-discover", actionID, okPayload(nil))
}

func (r *Registry) handleUnsubscribeDiscover(p *Peer, actionID string, payload json.RawMessage) {
	var req struct {
		ConnectionType models.TransportKind `json:"connectionType"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		p.Send("machine:unsubscribe-discover", actionID, toErrorPayload(err))
		return
	}
	r.disco.Unsubscribe(req.ConnectionType)
	p.Send("machine:unsubscribe-discover", actionID, okPayload(nil))
}

// setterBinding keys a one-argument device setter into the registry table.
type setterBinding struct {
	event string
	call  func(ctx context.Context, payload json.RawMessage) error
}

func (r *Registry) bindSetters(ch *Channel) {
	bindings := []setterBinding{
		{models.EventSetNozzleTemp, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Extruder    int     `json:"extruderIndex"`
				Temperature float64 `json:"nozzleTemperature"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetNozzleTemperature(ctx, req.Extruder, req.Temperature)
		}},
		{models.EventSetBedTemp, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Temperature float64 `json:"heatedBedTemperature"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetBedTemperature(ctx, req.Temperature)
		}},
		{models.EventSetZOffset, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				ZOffset float64 `json:"zOffset"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetZOffset(ctx, req.ZOffset)
		}},
		{models.EventLoadFilament, func(ctx context.Context, raw json.RawMessage) error {
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.LoadFilament(ctx)
		}},
		{models.EventUnloadFilament, func(ctx context.Context, raw json.RawMessage) error {
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.UnloadFilament(ctx)
		}},
		{models.EventSetWorkSpeed, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Factor int `json:"workSpeedFactor"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetWorkSpeedFactor(ctx, req.Factor)
		}},
		{models.EventSetLaserPower, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Power float64 `json:"laserPower"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetLaserPower(ctx, req.Power)
		}},
		{models.EventSetEnclosureLight, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Intensity int `json:"led"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetEnclosureLight(ctx, req.Intensity)
		}},
		{models.EventSetEnclosureFan, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Strength int `json:"fan"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetEnclosureFan(ctx, req.Strength)
		}},
		{models.EventSetDoorDetection, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Enabled bool `json:"isDoorEnabled"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetDoorDetection(ctx, req.Enabled)
		}},
		{models.EventSetFilterSwitch, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				On bool `json:"switch"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetFilterSwitch(ctx, req.On)
		}},
		{models.EventSetFilterSpeed, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Speed int `json:"speed"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SetFilterWorkSpeed(ctx, req.Speed)
		}},
		{models.EventSwitchExtruder, func(ctx context.Context, raw json.RawMessage) error {
			var req struct {
				Index int `json:"extruderIndex"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			w, err := r.manager.WiFi()
			if err != nil {
				return err
			}
			return w.SwitchExtruder(ctx, req.Index)
		}},
	}

	for _, b := range bindings {
		b := b
		ch.RegisterEvent(b.event, func(p *Peer, actionID string, payload json.RawMessage) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := b.call(ctx, payload); err != nil {
					p.Send(b.event, actionID, toErrorPayload(err))
					return
				}
				p.Send(b.event, actionID, okPayload(nil))
			}()
		})
	}
}

func (r *Registry) handleMaterialThickness(p *Peer, payload json.RawMessage, s *Stream) {
	var req struct {
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
		FeedRate float64 `json:"feedRate"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		s.Error(err)
		return
	}
	go func() {
		w, err := r.manager.WiFi()
		if err != nil {
			s.Error(err)
			return
		}
		body, err := w.MaterialThickness(context.Background(), req.X, req.Y, req.FeedRate)
		if err != nil {
			s.Error(err)
			return
		}
		s.Complete(json.RawMessage(body))
	}()
}

func (r *Registry) handleMaterialThicknessAbort(p *Peer, actionID string, payload json.RawMessage) {
	if w, err := r.manager.WiFi(); err == nil {
		w.AbortMaterialThickness()
	}
	p.Send("connection:materialThickness-abort", actionID, okPayload(nil))
}
