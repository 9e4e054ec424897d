// Package store persists small machine-bridge state between runs.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/machine-bridge/backend/internal/models"
)

// KnownMachine is the persisted record for one previously seen machine.
// Keeping the token lets a reconnect skip the on-device confirmation step.
type KnownMachine struct {
	Host     string               `msgpack:"host"`
	Token    string               `msgpack:"token"`
	Series   models.MachineSeries `msgpack:"series"`
	LastSeen time.Time            `msgpack:"lastSeen"`
}

// KnownMachines is an on-disk host -> machine record store.
type KnownMachines struct {
	mu       sync.RWMutex
	path     string
	machines map[string]KnownMachine
}

// OpenKnownMachines loads the store at path, starting empty if the file does
// not exist yet.
func OpenKnownMachines(path string) (*KnownMachines, error) {
	s := &KnownMachines{
		path:     path,
		machines: make(map[string]KnownMachine),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token store: %w", err)
	}

	if err := msgpack.Unmarshal(data, &s.machines); err != nil {
		// A corrupt store is not fatal; start over rather than blocking connects.
		fmt.Printf("[Store] Discarding unreadable token store %s: %v\n", path, err)
		s.machines = make(map[string]KnownMachine)
	}
	return s, nil
}

// Token returns the stored token for host, or "" when none is known.
func (s *KnownMachines) Token(host string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machines[host].Token
}

// Remember stores the token and series for host and flushes to disk.
func (s *KnownMachines) Remember(host, token string, series models.MachineSeries) error {
	s.mu.Lock()
	s.machines[host] = KnownMachine{
		Host:     host,
		Token:    token,
		Series:   series,
		LastSeen: time.Now(),
	}
	s.mu.Unlock()
	return s.flush()
}

// Forget drops the record for host, typically after the device rejects the
// stored token.
func (s *KnownMachines) Forget(host string) error {
	s.mu.Lock()
	delete(s.machines, host)
	s.mu.Unlock()
	return s.flush()
}

// All returns a copy of every known machine record.
func (s *KnownMachines) All() []KnownMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KnownMachine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

func (s *KnownMachines) flush() error {
	s.mu.RLock()
	data, err := msgpack.Marshal(s.machines)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode token store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
