// queue.go - FIFO command batch queue with a single consumer
package wifi

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/machine-bridge/backend/internal/models"
)

// maxQueuedBatches bounds how many batches may wait behind the one in flight.
const maxQueuedBatches = 64

// sendFunc sends one command line to the device and returns its reply text.
type sendFunc func(ctx context.Context, line string) (string, error)

type batchResult struct {
	replies []string
	err     error
}

type commandBatch struct {
	id     string
	lines  []string
	result chan batchResult
}

// commandQueue serializes command batches against one session. A single
// consumer goroutine drains batches strictly FIFO and sends every line of a
// batch before touching the next, so two batches never interleave on the wire.
type commandQueue struct {
	send    sendFunc
	entries chan *commandBatch
	stop    chan struct{}
	done    chan struct{}
}

func newCommandQueue(send sendFunc) *commandQueue {
	q := &commandQueue{
		send:    send,
		entries: make(chan *commandBatch, maxQueuedBatches),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *commandQueue) drain() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			q.failPending()
			return
		case b := <-q.entries:
			replies := make([]string, 0, len(b.lines))
			var err error
			for _, line := range b.lines {
				var reply string
				reply, err = q.send(context.Background(), line)
				if err != nil {
					break
				}
				replies = append(replies, line, reply)
			}
			b.result <- batchResult{replies: replies, err: err}
		}
	}
}

// failPending answers every still-queued batch after shutdown so no caller
// blocks forever.
func (q *commandQueue) failPending() {
	for {
		select {
		case b := <-q.entries:
			b.result <- batchResult{err: models.ErrNotConnected()}
		default:
			return
		}
	}
}

// Submit enqueues a batch and blocks until it has fully executed. The reply
// slice alternates command line and device echo text, in send order.
func (q *commandQueue) Submit(ctx context.Context, lines []string) ([]string, error) {
	b := &commandBatch{
		id:     uuid.New().String(),
		lines:  lines,
		result: make(chan batchResult, 1),
	}

	select {
	case q.entries <- b:
	case <-q.stop:
		return nil, models.ErrNotConnected()
	case <-ctx.Done():
		return nil, models.NewDeviceError(models.CodeTimeout, "command queue full", ctx.Err().Error())
	}

	select {
	case res := <-b.result:
		if res.err != nil {
			return res.replies, res.err
		}
		return res.replies, nil
	case <-ctx.Done():
		// The batch keeps its slot so ordering holds; the caller just stops
		// waiting for the echo.
		return nil, models.NewDeviceError(models.CodeTimeout,
			fmt.Sprintf("timed out waiting for batch %s", b.id[:8]), ctx.Err().Error())
	}
}

// Close stops the consumer and fails anything still queued. Blocks until the
// drain loop exits.
func (q *commandQueue) Close() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	<-q.done
}
