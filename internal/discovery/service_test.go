// service_test.go - Scan dispatch and subscription lifecycle tests
package discovery

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/machine-bridge/backend/internal/models"
	"github.com/machine-bridge/backend/internal/testutil"
)

func fixedScan(counter *atomic.Int32, results []models.DiscoveryResult) func() ([]models.DiscoveryResult, error) {
	return func() ([]models.DiscoveryResult, error) {
		counter.Add(1)
		return results, nil
	}
}

func TestDiscoverReturnsWithoutBroadcast(t *testing.T) {
	emitter := testutil.NewMockEmitter()
	s := NewService(emitter)

	var netScans, serialScans atomic.Int32
	s.scanNetwork = fixedScan(&netScans, []models.DiscoveryResult{
		{ID: "1", Address: "192.168.1.20", DisplayName: "Snapmaker", Model: "A350"},
	})
	s.scanSerial = fixedScan(&serialScans, []models.DiscoveryResult{
		{ID: "2", Address: "/dev/ttyUSB0", DisplayName: "USB Serial"},
	})

	results, err := s.Discover(models.TransportWiFi)
	if err != nil {
		t.Fatalf("network discover: %v", err)
	}
	if len(results) != 1 || results[0].Model != "A350" {
		t.Errorf("results = %v, want one A350", results)
	}

	serialResults, err := s.Discover(models.TransportSerial)
	if err != nil {
		t.Fatalf("serial discover: %v", err)
	}
	if len(serialResults) != 1 || serialResults[0].Address != "/dev/ttyUSB0" {
		t.Errorf("serial results = %v, want one USB port", serialResults)
	}

	// One-shot scans answer the requesting peer only; the scan result must
	// not additionally fan out to every peer.
	if n := emitter.Count(models.EventDiscover); n != 0 {
		t.Errorf("machine:discover broadcast %d times on one-shot scan, want 0", n)
	}
	if n := emitter.Count(models.EventSerialDiscover); n != 0 {
		t.Errorf("machine:serial-discover broadcast %d times on one-shot scan, want 0", n)
	}
	if netScans.Load() != 1 || serialScans.Load() != 1 {
		t.Errorf("scan counts = %d/%d, want 1/1", netScans.Load(), serialScans.Load())
	}
}

func TestSubscribeBroadcastsWrappedResults(t *testing.T) {
	emitter := testutil.NewMockEmitter()
	s := NewService(emitter)

	var scans atomic.Int32
	want := []models.DiscoveryResult{
		{ID: "1", Address: "192.168.1.20", DisplayName: "Snapmaker", Model: "A350"},
	}
	s.scanNetwork = fixedScan(&scans, want)

	s.Subscribe(models.TransportWiFi, time.Hour)
	defer s.Unsubscribe(models.TransportWiFi)

	deadline := time.After(2 * time.Second)
	for emitter.Count(models.EventDiscover) == 0 {
		select {
		case <-deadline:
			t.Fatal("no machine:discover push before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	payload, ok := emitter.Last(models.EventDiscover).(map[string]any)
	if !ok {
		t.Fatalf("push payload = %T, want the wrapped data envelope", emitter.Last(models.EventDiscover))
	}
	results, ok := payload["data"].([]models.DiscoveryResult)
	if !ok || len(results) != 1 || results[0].Model != "A350" {
		t.Errorf("push data = %v, want one A350", payload["data"])
	}
}

func TestSubscribeScansAndUnsubscribeStops(t *testing.T) {
	emitter := testutil.NewMockEmitter()
	s := NewService(emitter)

	var scans atomic.Int32
	s.scanNetwork = fixedScan(&scans, nil)

	s.Subscribe(models.TransportWiFi, 20*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for scans.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d scans before deadline", scans.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.Unsubscribe(models.TransportWiFi)
	settled := scans.Load()
	time.Sleep(100 * time.Millisecond)
	// At most one in-flight tick may land after unsubscribe.
	if after := scans.Load(); after > settled+1 {
		t.Errorf("scans kept running after unsubscribe: %d -> %d", settled, after)
	}
}

func TestSubscriptionsAreIndependent(t *testing.T) {
	emitter := testutil.NewMockEmitter()
	s := NewService(emitter)

	var netScans, serialScans atomic.Int32
	s.scanNetwork = fixedScan(&netScans, nil)
	s.scanSerial = fixedScan(&serialScans, nil)

	s.Subscribe(models.TransportWiFi, 20*time.Millisecond)
	s.Subscribe(models.TransportSerial, 20*time.Millisecond)
	time.Sleep(70 * time.Millisecond)

	s.Unsubscribe(models.TransportSerial)
	settledSerial := serialScans.Load()
	netBefore := netScans.Load()
	time.Sleep(100 * time.Millisecond)

	if after := serialScans.Load(); after > settledSerial+1 {
		t.Errorf("serial scans kept running: %d -> %d", settledSerial, after)
	}
	if netScans.Load() <= netBefore {
		t.Error("network subscription should survive the serial unsubscribe")
	}

	s.Unsubscribe(models.TransportWiFi)
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		fallback  string
		wantOK    bool
		wantAddr  string
		wantName  string
		wantModel string
	}{
		{
			name:      "full reply",
			reply:     "Snapmaker@192.168.1.20|model:Snapmaker 2 Model A350|status:IDLE",
			fallback:  "10.0.0.1",
			wantOK:    true,
			wantAddr:  "192.168.1.20",
			wantName:  "Snapmaker",
			wantModel: "Snapmaker 2 Model A350",
		},
		{
			name:     "empty address falls back to sender",
			reply:    "Snapmaker@|model:A350",
			fallback: "10.0.0.1",
			wantOK:   true,
			wantAddr: "10.0.0.1",
			wantName: "Snapmaker",
		},
		{
			name:   "no separator",
			reply:  "garbage",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := parseReply(tt.reply, tt.fallback)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if r.Address != tt.wantAddr {
				t.Errorf("address = %s, want %s", r.Address, tt.wantAddr)
			}
			if r.DisplayName != tt.wantName {
				t.Errorf("name = %s, want %s", r.DisplayName, tt.wantName)
			}
			if tt.wantModel != "" && r.Model != tt.wantModel {
				t.Errorf("model = %s, want %s", r.Model, tt.wantModel)
			}
		})
	}
}
