// websocket_test.go - Channel handshake and dispatch tests
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/models"
)

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.ChannelConfig
		query      string
		header     string
		remoteAddr string
		wantStatus int
	}{
		{
			name:       "no token configured, localhost",
			cfg:        config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}},
			remoteAddr: "127.0.0.1:50000",
			wantStatus: 0,
		},
		{
			name:       "valid query token",
			cfg:        config.ChannelConfig{Token: "s3cret", AllowedCIDRs: []string{"127.0.0.0/8"}},
			query:      "token=s3cret",
			remoteAddr: "127.0.0.1:50000",
			wantStatus: 0,
		},
		{
			name:       "valid header token",
			cfg:        config.ChannelConfig{Token: "s3cret", AllowedCIDRs: []string{"127.0.0.0/8"}},
			header:     "s3cret",
			remoteAddr: "127.0.0.1:50000",
			wantStatus: 0,
		},
		{
			name:       "wrong token",
			cfg:        config.ChannelConfig{Token: "s3cret", AllowedCIDRs: []string{"127.0.0.0/8"}},
			query:      "token=nope",
			remoteAddr: "127.0.0.1:50000",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing token",
			cfg:        config.ChannelConfig{Token: "s3cret", AllowedCIDRs: []string{"127.0.0.0/8"}},
			remoteAddr: "127.0.0.1:50000",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "remote address outside allow list",
			cfg:        config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}},
			remoteAddr: "10.1.2.3:50000",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "remote address allowed when remote access enabled",
			cfg:        config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}, EnableRemoteAccess: true},
			remoteAddr: "10.1.2.3:50000",
			wantStatus: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewChannel(tt.cfg, nil)

			e := echo.New()
			target := "/api/channel"
			if tt.query != "" {
				target += "?" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.header != "" {
				req.Header.Set("X-Channel-Token", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := ch.authenticate(c)
			if tt.wantStatus == 0 {
				assert.NoError(t, err)
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			require.True(t, ok, "expected HTTPError, got %T", err)
			assert.Equal(t, tt.wantStatus, httpErr.Code)
		})
	}
}

// dialTestChannel spins up a channel behind httptest and connects a client.
func dialTestChannel(t *testing.T, ch *Channel) *websocket.Conn {
	t.Helper()
	e := echo.New()
	e.GET("/api/channel", ch.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/channel"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	ch := NewChannel(config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}}, nil)
	ch.RegisterEvent("test:echo", func(p *Peer, actionID string, payload json.RawMessage) {
		p.Send("test:echo", actionID, okPayload(json.RawMessage(payload)))
	})

	conn := dialTestChannel(t, ch)

	greeting := readEvent(t, conn, "channel:connected")
	assert.NotEmpty(t, greeting.Payload)

	require.NoError(t, conn.WriteJSON(Message{
		Event:    "test:echo",
		ActionID: "act-1",
		Payload:  json.RawMessage(`{"hello":"world"}`),
	}))

	reply := readEvent(t, conn, "test:echo")
	assert.Equal(t, "act-1", reply.ActionID)
	assert.Contains(t, string(reply.Payload), `"hello":"world"`)
}

func TestDispatchUnknownEvent(t *testing.T) {
	ch := NewChannel(config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}}, nil)
	conn := dialTestChannel(t, ch)
	readEvent(t, conn, "channel:connected")

	require.NoError(t, conn.WriteJSON(Message{Event: "no:such:event", ActionID: "act-2"}))

	reply := readEvent(t, conn, "no:such:event")
	assert.Equal(t, "act-2", reply.ActionID)
	assert.Contains(t, string(reply.Payload), "err")
}

func TestEmitBroadcastsToAllPeers(t *testing.T) {
	ch := NewChannel(config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}}, nil)
	first := dialTestChannel(t, ch)
	second := dialTestChannel(t, ch)
	readEvent(t, first, "channel:connected")
	readEvent(t, second, "channel:connected")

	ch.Emit("Marlin:state", map[string]float64{"x": 1.5})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readEvent(t, conn, "Marlin:state")
		assert.Contains(t, string(msg.Payload), "1.5")
	}
}

func TestRegisterEventIdempotent(t *testing.T) {
	ch := NewChannel(config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}}, nil)
	ch.RegisterEvent("test:x", func(p *Peer, actionID string, payload json.RawMessage) {
		p.Send("test:x", actionID, okPayload("old"))
	})
	ch.RegisterEvent("test:x", func(p *Peer, actionID string, payload json.RawMessage) {
		p.Send("test:x", actionID, okPayload("new"))
	})

	conn := dialTestChannel(t, ch)
	readEvent(t, conn, "channel:connected")

	require.NoError(t, conn.WriteJSON(Message{Event: "test:x", ActionID: "a"}))
	reply := readEvent(t, conn, "test:x")
	assert.Contains(t, string(reply.Payload), "new")
}

func TestChannelTopicStreamsPhases(t *testing.T) {
	ch := NewChannel(config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}}, nil)
	ch.RegisterChannel("laser:measure", func(p *Peer, payload json.RawMessage, s *Stream) {
		s.Next(map[string]int{"step": 1})
		s.Next(map[string]int{"step": 2})
		s.Complete(map[string]float64{"thickness": 1.5})
	})

	conn := dialTestChannel(t, ch)
	readEvent(t, conn, "channel:connected")

	require.NoError(t, conn.WriteJSON(Message{Event: "laser:measure", ActionID: "act-7"}))

	var phases []string
	for i := 0; i < 3; i++ {
		msg := readEvent(t, conn, "laser:measure")
		assert.Equal(t, "act-7", msg.ActionID)

		var body struct {
			Phase string          `json:"phase"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &body))
		phases = append(phases, body.Phase)
		if body.Phase == "complete" {
			assert.Contains(t, string(body.Data), "1.5")
		}
	}
	assert.Equal(t, []string{"next", "next", "complete"}, phases)
}

func TestChannelTopicErrorPhase(t *testing.T) {
	ch := NewChannel(config.ChannelConfig{AllowedCIDRs: []string{"127.0.0.0/8"}}, nil)
	ch.RegisterChannel("laser:measure", func(p *Peer, payload json.RawMessage, s *Stream) {
		s.Error(models.NewDeviceError(models.CodeTimeout, "device request aborted", ""))
	})

	conn := dialTestChannel(t, ch)
	readEvent(t, conn, "channel:connected")

	require.NoError(t, conn.WriteJSON(Message{Event: "laser:measure", ActionID: "act-8"}))

	msg := readEvent(t, conn, "laser:measure")
	assert.Equal(t, "act-8", msg.ActionID)

	var body struct {
		Phase string `json:"phase"`
		Error struct {
			Err struct {
				Code string `json:"code"`
			} `json:"err"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	assert.Equal(t, "error", body.Phase)
	assert.Equal(t, models.CodeTimeout, body.Error.Err.Code)
}
