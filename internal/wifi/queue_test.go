// queue_test.go - FIFO ordering and shutdown tests for the command queue
package wifi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestQueueRepliesInterleaveLineAndEcho(t *testing.T) {
	q := newCommandQueue(func(ctx context.Context, line string) (string, error) {
		return "echo:" + line, nil
	})
	defer q.Close()

	replies, err := q.Submit(context.Background(), []string{"G28", "M105"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := []string{"G28", "echo:G28", "M105", "echo:M105"}
	if len(replies) != len(want) {
		t.Fatalf("replies = %v, want %v", replies, want)
	}
	for i := range want {
		if replies[i] != want[i] {
			t.Errorf("replies[%d] = %q, want %q", i, replies[i], want[i])
		}
	}
}

func TestQueueBatchesNeverInterleave(t *testing.T) {
	var mu sync.Mutex
	var sent []string

	q := newCommandQueue(func(ctx context.Context, line string) (string, error) {
		mu.Lock()
		sent = append(sent, line)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	defer q.Close()

	const batches = 8
	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lines := []string{
				fmt.Sprintf("batch%d-a", n),
				fmt.Sprintf("batch%d-b", n),
				fmt.Sprintf("batch%d-c", n),
			}
			if _, err := q.Submit(context.Background(), lines); err != nil {
				t.Errorf("submit batch %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != batches*3 {
		t.Fatalf("sent %d lines, want %d", len(sent), batches*3)
	}
	// Every batch's three lines must be adjacent in send order.
	for i := 0; i < len(sent); i += 3 {
		prefix := sent[i][:len(sent[i])-2]
		for j := 1; j < 3; j++ {
			if sent[i+j][:len(sent[i+j])-2] != prefix {
				t.Fatalf("batch interleaved at %d: %v", i, sent[i:i+3])
			}
		}
	}
}

func TestQueueStopsAtFirstError(t *testing.T) {
	boom := errors.New("device gone")
	q := newCommandQueue(func(ctx context.Context, line string) (string, error) {
		if line == "M999" {
			return "", boom
		}
		return "ok", nil
	})
	defer q.Close()

	replies, err := q.Submit(context.Background(), []string{"G28", "M999", "M105"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	// Only the successful line's pair is present.
	if len(replies) != 2 || replies[0] != "G28" {
		t.Errorf("replies = %v, want [G28 ok]", replies)
	}
}

func TestQueueCloseRejectsNewBatches(t *testing.T) {
	release := make(chan struct{})
	q := newCommandQueue(func(ctx context.Context, line string) (string, error) {
		<-release
		return "ok", nil
	})

	// First batch occupies the consumer; second waits behind it.
	first := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), []string{"G28"})
		first <- err
	}()
	second := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, err := q.Submit(context.Background(), []string{"M105"})
		second <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-first; err != nil {
		t.Errorf("first batch err = %v, want nil", err)
	}

	q.Close()

	// Submitting after close fails immediately.
	if _, err := q.Submit(context.Background(), []string{"M114"}); err == nil {
		t.Error("expected error submitting to closed queue")
	}

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second batch never resolved")
	}
}
