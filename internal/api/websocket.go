// websocket.go - Full-duplex message channel between UI peers and the bridge
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/metric"
)

// Message is the channel envelope. Requests and replies share event names;
// ActionID correlates a reply (or stream) with the request that caused it.
type Message struct {
	Event     string          `json:"event"`
	ActionID  string          `json:"actionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Handler processes one inbound event from a peer.
type Handler func(p *Peer, actionID string, payload json.RawMessage)

// StreamHandler processes a channel-topic request that may answer with a
// progressive sequence of messages.
type StreamHandler func(p *Peer, payload json.RawMessage, s *Stream)

// Stream delivers progressive responses for one request, keyed by the
// invoking peer and action id.
type Stream struct {
	peer     *Peer
	topic    string
	actionID string
}

// Next sends one intermediate result.
func (s *Stream) Next(payload any) {
	s.peer.send(s.topic, s.actionID, map[string]any{"phase": "next", "data": payload})
}

// Error terminates the stream with an error.
func (s *Stream) Error(err error) {
	s.peer.send(s.topic, s.actionID, map[string]any{"phase": "error", "error": toErrorPayload(err)})
}

// Complete terminates the stream successfully.
func (s *Stream) Complete(payload any) {
	s.peer.send(s.topic, s.actionID, map[string]any{"phase": "complete", "data": payload})
}

// Peer is one connected UI client.
type Peer struct {
	ID      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Send delivers an event reply to this peer.
func (p *Peer) Send(event, actionID string, payload any) {
	p.send(event, actionID, payload)
}

func (p *Peer) send(event, actionID string, payload any) {
	msg := Message{
		Event:     event,
		ActionID:  actionID,
		Payload:   mustJSON(payload),
		Timestamp: time.Now().UnixMilli(),
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteJSON(msg); err != nil {
		fmt.Printf("[Channel] send to %s failed: %v\n", p.ID[:8], err)
	}
}

// Channel authenticates peers, dispatches named events to registered
// handlers and broadcasts asynchronous telemetry back.
type Channel struct {
	cfg      config.ChannelConfig
	metrics  *metric.Metrics
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[string]Handler
}

// NewChannel creates the message channel.
func NewChannel(cfg config.ChannelConfig, metrics *metric.Metrics) *Channel {
	return &Channel{
		cfg:     cfg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:    make(map[string]*Peer),
		handlers: make(map[string]Handler),
	}
}

// RegisterEvent installs the handler for an event name. Registration is
// idempotent: the latest handler wins and is live for every connected peer.
func (ch *Channel) RegisterEvent(name string, h Handler) {
	ch.mu.Lock()
	ch.handlers[name] = h
	ch.mu.Unlock()
}

// RegisterChannel installs a streaming topic: the handler receives a Stream
// delivering {next, error, complete} messages keyed by peer and action id.
func (ch *Channel) RegisterChannel(topic string, h StreamHandler) {
	ch.RegisterEvent(topic, func(p *Peer, actionID string, payload json.RawMessage) {
		h(p, payload, &Stream{peer: p, topic: topic, actionID: actionID})
	})
}

// Emit broadcasts an event to every connected peer.
func (ch *Channel) Emit(event string, payload any) {
	ch.mu.RLock()
	peers := make([]*Peer, 0, len(ch.peers))
	for _, p := range ch.peers {
		peers = append(peers, p)
	}
	ch.mu.RUnlock()

	for _, p := range peers {
		p.send(event, "", payload)
	}
}

// HandleWebSocket authenticates and upgrades a peer connection, then runs
// its dispatch loop until disconnect. A failed middleware check terminates
// the handshake; no peer state is retained.
func (ch *Channel) HandleWebSocket(c echo.Context) error {
	if err := ch.authenticate(c); err != nil {
		return err
	}

	ws, err := ch.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	peer := &Peer{ID: uuid.New().String(), conn: ws}
	ch.mu.Lock()
	ch.peers[peer.ID] = peer
	ch.mu.Unlock()
	if ch.metrics != nil {
		ch.metrics.ConnectedPeers.Inc()
	}
	fmt.Printf("[Channel] peer %s connected from %s\n", peer.ID[:8], c.RealIP())

	peer.send("channel:connected", "", map[string]string{"peerId": peer.ID})

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				fmt.Printf("[Channel] peer %s read error: %v\n", peer.ID[:8], err)
			}
			break
		}
		ch.dispatch(peer, msg)
	}

	ch.mu.Lock()
	delete(ch.peers, peer.ID)
	ch.mu.Unlock()
	if ch.metrics != nil {
		ch.metrics.ConnectedPeers.Dec()
	}
	fmt.Printf("[Channel] peer %s disconnected\n", peer.ID[:8])
	ch.Emit("peer:disconnected", map[string]string{"peerId": peer.ID})
	return nil
}

func (ch *Channel) dispatch(p *Peer, msg Message) {
	ch.mu.RLock()
	h, ok := ch.handlers[msg.Event]
	ch.mu.RUnlock()
	if !ok {
		p.send(msg.Event, msg.ActionID, toErrorPayload(fmt.Errorf("unknown event %q", msg.Event)))
		return
	}
	h(p, msg.ActionID, msg.Payload)
}

// PeerCount returns how many peers are connected.
func (ch *Channel) PeerCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.peers)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
