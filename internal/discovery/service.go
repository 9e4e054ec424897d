// Package discovery locates reachable machines over the local network and
// attached serial ports.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial/enumerator"

	"github.com/machine-bridge/backend/internal/models"
)

// BroadcastPort is the UDP port machines answer discovery probes on.
const BroadcastPort = 20054

// replyWindow is how long one network scan listens for answers.
const replyWindow = 2 * time.Second

// Emitter receives scan results.
type Emitter interface {
	Emit(event string, payload any)
}

// Service performs one-shot and subscribed machine scans. The network and
// serial subscriptions are independent: each has its own ticker and each is
// cancelled on its own.
type Service struct {
	emitter Emitter

	// scan functions are swappable for tests.
	scanNetwork func() ([]models.DiscoveryResult, error)
	scanSerial  func() ([]models.DiscoveryResult, error)

	mu   sync.Mutex
	subs map[models.TransportKind]chan struct{}
}

// NewService creates a discovery service emitting results on emitter.
func NewService(emitter Emitter) *Service {
	s := &Service{
		emitter: emitter,
		subs:    make(map[models.TransportKind]chan struct{}),
	}
	s.scanNetwork = scanNetwork
	s.scanSerial = scanSerialPorts
	return s
}

// Discover performs one scan for the given connection type and returns the
// result list. Delivery to the requesting peer is the caller's job; one-shot
// scans never broadcast.
func (s *Service) Discover(kind models.TransportKind) ([]models.DiscoveryResult, error) {
	if kind == models.TransportSerial {
		return s.scanSerial()
	}
	return s.scanNetwork()
}

// broadcast runs one subscription tick: scan and push the result list to
// every peer, wrapped the same way a directed scan reply is.
func (s *Service) broadcast(kind models.TransportKind) {
	event := models.EventDiscover
	if kind == models.TransportSerial {
		event = models.EventSerialDiscover
	}
	results, err := s.Discover(kind)
	if err != nil {
		fmt.Printf("[Discovery] %s scan failed: %v\n", kind, err)
		return
	}
	s.emitter.Emit(event, map[string]any{"data": results})
}

// Subscribe repeats the scan on a timer until Unsubscribe. A second
// subscription for the same kind replaces the first.
func (s *Service) Subscribe(kind models.TransportKind, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Second
	}

	s.mu.Lock()
	if old, ok := s.subs[kind]; ok {
		close(old)
	}
	stop := make(chan struct{})
	s.subs[kind] = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Scan once immediately so subscribers don't wait a full interval.
		s.broadcast(kind)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.broadcast(kind)
			}
		}
	}()
}

// Unsubscribe stops the repeating scan for kind. Safe to call when no
// subscription exists.
func (s *Service) Unsubscribe(kind models.TransportKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.subs[kind]; ok {
		close(stop)
		delete(s.subs, kind)
	}
}

// scanNetwork broadcasts a discovery probe and collects replies of the form
// "name@ip|model:Snapmaker 2 Model A350|status:IDLE".
func scanNetwork() ([]models.DiscoveryResult, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery socket: %w", err)
	}
	defer conn.Close()

	probe := []byte("discover")
	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: BroadcastPort}
	if _, err := conn.WriteToUDP(probe, dest); err != nil {
		return nil, fmt.Errorf("discovery broadcast: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(replyWindow))

	var results []models.DiscoveryResult
	seen := make(map[string]bool)
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline expiry ends the scan window.
			break
		}
		r, ok := parseReply(string(buf[:n]), addr.IP.String())
		if !ok || seen[r.Address] {
			continue
		}
		seen[r.Address] = true
		results = append(results, r)
	}
	return results, nil
}

// parseReply decodes one discovery datagram.
func parseReply(reply, fallbackIP string) (models.DiscoveryResult, bool) {
	parts := strings.Split(reply, "|")
	nameAddr := strings.SplitN(parts[0], "@", 2)
	if len(nameAddr) != 2 {
		return models.DiscoveryResult{}, false
	}

	r := models.DiscoveryResult{
		ID:          uuid.New().String(),
		DisplayName: nameAddr[0],
		Address:     nameAddr[1],
	}
	if r.Address == "" {
		r.Address = fallbackIP
	}
	for _, p := range parts[1:] {
		if rest, ok := strings.CutPrefix(p, "model:"); ok {
			r.Model = rest
		}
	}
	return r, true
}

// scanSerialPorts enumerates attached serial devices.
func scanSerialPorts() ([]models.DiscoveryResult, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial enumeration: %w", err)
	}

	var results []models.DiscoveryResult
	for _, p := range ports {
		name := p.Name
		if p.IsUSB && p.Product != "" {
			name = fmt.Sprintf("%s (%s)", p.Product, p.Name)
		}
		results = append(results, models.DiscoveryResult{
			ID:          uuid.New().String(),
			Address:     p.Name,
			DisplayName: name,
			Model:       p.Product,
		})
	}
	return results, nil
}
