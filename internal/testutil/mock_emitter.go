// mock_emitter.go - Event emitter capture for tests
package testutil

import "sync"

// EmittedEvent is one captured Emit call.
type EmittedEvent struct {
	Event   string
	Payload any
}

// MockEmitter records emitted events for assertions. It satisfies the
// Emitter interfaces declared by the adapter and manager packages.
type MockEmitter struct {
	mu     sync.Mutex
	events []EmittedEvent
}

// NewMockEmitter creates an empty recorder.
func NewMockEmitter() *MockEmitter {
	return &MockEmitter{}
}

func (m *MockEmitter) Emit(event string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, EmittedEvent{Event: event, Payload: payload})
}

// Events returns a copy of everything emitted so far.
func (m *MockEmitter) Events() []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmittedEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many times the named event was emitted.
func (m *MockEmitter) Count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent payload for the named event, nil if never
// emitted.
func (m *MockEmitter) Last(event string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Event == event {
			return m.events[i].Payload
		}
	}
	return nil
}
