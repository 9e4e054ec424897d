// router.go - Background packet reader routing acks to waiting callers
package sacp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PushHandler is called for unsolicited packets (subscription pushes).
type PushHandler func(commandSet, commandID byte, data []byte)

// Router owns the connection's read side. Acks for pending sequences wake
// their callers; everything else goes to the push handler.
type Router struct {
	conn         net.Conn
	mu           sync.Mutex
	pending      map[uint16]chan *Packet
	onPush       PushHandler
	onDisconnect func()
	stopped      int32
	done         chan struct{}

	seq uint32
}

// NewRouter creates a router for conn. Start must be called before any
// WaitForAck.
func NewRouter(conn net.Conn, onPush PushHandler, onDisconnect func()) *Router {
	return &Router{
		conn:         conn,
		pending:      make(map[uint16]chan *Packet),
		onPush:       onPush,
		onDisconnect: onDisconnect,
		done:         make(chan struct{}),
	}
}

// Start launches the read loop.
func (r *Router) Start() {
	go r.readLoop()
}

// Stop shuts the read loop down and waits for it to exit. The read deadline
// is pulled in so an idle blocked read returns immediately.
func (r *Router) Stop() {
	atomic.StoreInt32(&r.stopped, 1)
	r.conn.SetReadDeadline(time.Now())
	<-r.done
}

// NextSequence returns a fresh packet sequence number.
func (r *Router) NextSequence() uint16 {
	return uint16(atomic.AddUint32(&r.seq, 1))
}

func (r *Router) readLoop() {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		for seq, ch := range r.pending {
			close(ch)
			delete(r.pending, seq)
		}
		r.mu.Unlock()
	}()

	for {
		if atomic.LoadInt32(&r.stopped) != 0 {
			return
		}

		p, err := Read(r.conn, 5*time.Second)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Idle link; check the stop flag and keep reading.
				continue
			}
			if atomic.LoadInt32(&r.stopped) == 0 {
				fmt.Printf("[SACP] read error: %v\n", err)
				if r.onDisconnect != nil {
					r.onDisconnect()
				}
			}
			return
		}

		r.mu.Lock()
		ch, isPending := r.pending[p.Sequence]
		if isPending {
			delete(r.pending, p.Sequence)
		}
		r.mu.Unlock()

		if isPending {
			ch <- p
			continue
		}
		if r.onPush != nil {
			r.onPush(p.CommandSet, p.CommandID, p.Data)
		}
	}
}

// WaitForAck blocks until the ack for seq arrives or the timeout expires.
func (r *Router) WaitForAck(seq uint16, timeout time.Duration) (*Packet, error) {
	ch := make(chan *Packet, 1)
	r.mu.Lock()
	r.pending[seq] = ch
	r.mu.Unlock()

	select {
	case p, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for ack")
		}
		return p, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for ack seq=%d", seq)
	}
}
