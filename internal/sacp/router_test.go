// router_test.go - Ack routing and disconnect detection tests
package sacp

import (
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestRouterRoutesAckToWaiter(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	defer device.Close()

	r := NewRouter(host, nil, nil)
	r.Start()
	defer func() {
		host.Close()
		r.Stop()
	}()

	seq := r.NextSequence()
	ack := &Packet{
		Receiver:   AddrHost,
		Sender:     AddrController,
		Attribute:  AttrAck,
		Sequence:   seq,
		CommandSet: 0x01,
		CommandID:  0x02,
		Data:       []byte{0},
	}
	go func() {
		device.Write(ack.Encode())
	}()

	got, err := r.WaitForAck(seq, time.Second)
	if err != nil {
		t.Fatalf("wait for ack: %v", err)
	}
	if got.Sequence != seq {
		t.Errorf("sequence = %d, want %d", got.Sequence, seq)
	}
	if len(got.Data) != 1 || got.Data[0] != 0 {
		t.Errorf("data = %v, want [0]", got.Data)
	}
}

func TestRouterDeliversUnsolicitedPush(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	defer device.Close()

	pushed := make(chan []byte, 1)
	r := NewRouter(host, func(set, id byte, data []byte) {
		if set == 0xAC && id == 0xA0 {
			pushed <- data
		}
	}, nil)
	r.Start()
	defer func() {
		host.Close()
		r.Stop()
	}()

	push := &Packet{
		Receiver:   AddrHost,
		Sender:     AddrController,
		Attribute:  AttrRequest,
		Sequence:   9999,
		CommandSet: 0xAC,
		CommandID:  0xA0,
		Data:       []byte{1, 2, 3},
	}
	go func() {
		device.Write(push.Encode())
	}()

	select {
	case data := <-pushed:
		if len(data) != 3 {
			t.Errorf("push data length = %d, want 3", len(data))
		}
	case <-time.After(time.Second):
		t.Fatal("push handler never called")
	}
}

func TestRouterDisconnectCallback(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()

	var disconnects int32
	notified := make(chan struct{}, 1)
	r := NewRouter(host, nil, func() {
		atomic.AddInt32(&disconnects, 1)
		notified <- struct{}{}
	})
	r.Start()

	device.Close()

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("disconnect callback never fired")
	}
	r.Stop()

	if n := atomic.LoadInt32(&disconnects); n != 1 {
		t.Errorf("disconnect callbacks = %d, want 1", n)
	}
}

func TestWaitForAckTimeout(t *testing.T) {
	host, device := net.Pipe()
	defer host.Close()
	defer device.Close()

	r := NewRouter(host, nil, nil)
	r.Start()
	defer func() {
		host.Close()
		r.Stop()
	}()

	if _, err := r.WaitForAck(r.NextSequence(), 50*time.Millisecond); err == nil {
		t.Error("expected timeout error, got nil")
	}
}
