// enclosure.go - Repeating enclosure status poll with change suppression
package wifi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/machine-bridge/backend/internal/models"
)

// enclosurePoller queries the enclosure endpoint on a fixed cadence and
// notifies only when the payload actually changes, so two identical polls
// never produce two settings events.
type enclosurePoller struct {
	client   *client
	interval time.Duration
	timeout  time.Duration
	emitter  Emitter

	last *models.EnclosureStatus
	stop chan struct{}
	done chan struct{}
}

func newEnclosurePoller(c *client, interval, timeout time.Duration, emitter Emitter) *enclosurePoller {
	return &enclosurePoller{
		client:   c,
		interval: interval,
		timeout:  timeout,
		emitter:  emitter,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (e *enclosurePoller) start() {
	go e.run()
}

func (e *enclosurePoller) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

func (e *enclosurePoller) poll() {
	body, err := e.client.getQuery(context.Background(), "enclosure", nil, e.timeout)
	if err != nil {
		// Liveness is the heartbeat's job; an enclosure miss is just skipped.
		return
	}

	var status models.EnclosureStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return
	}

	if e.last != nil && *e.last == status {
		return
	}
	e.last = &status
	e.emitter.Emit(models.EventMachineSettings, status)
}

func (e *enclosurePoller) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.done
}
