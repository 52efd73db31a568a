package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/pkg/signalstore"
)

func TestQueue_EnqueueDrainsToSink(t *testing.T) {
	var mu sync.Mutex
	var received []signalstore.Signal

	q := NewQueue(func(sig signalstore.Signal) {
		mu.Lock()
		received = append(received, sig)
		mu.Unlock()
	})

	tenant := uuid.New()
	sig, err := signalstore.NewSignal(tenant, "checkout", "/pay", 120, signalstore.StatusSuccess)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}

	if !q.Enqueue(sig) {
		t.Fatalf("expected Enqueue to succeed on a fresh queue")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].ServiceName != "checkout" {
		t.Fatalf("expected one drained signal for checkout, got %+v", received)
	}

	q.Close(context.Background())
}

func TestQueue_DepthReflectsBacklog(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(func(signalstore.Signal) { <-block })

	tenant := uuid.New()
	sig, _ := signalstore.NewSignal(tenant, "checkout", "/pay", 10, signalstore.StatusSuccess)

	q.Enqueue(sig)
	q.Enqueue(sig)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && q.Depth(tenant) != 1 {
		time.Sleep(time.Millisecond)
	}
	if got := q.Depth(tenant); got != 1 {
		t.Fatalf("Depth = %d, want 1 (one in flight being drained, one queued)", got)
	}

	close(block)
}

func TestRetryAfterFor(t *testing.T) {
	cases := []struct {
		name        string
		depth, capacity int
		wantAtLeast int
		wantAtMost  int
	}{
		{"at capacity", 100, 100, 100, 100},
		{"double capacity caps at max", 200, 100, 5000, 5000},
		{"zero capacity falls back", 0, 0, 1000, 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := retryAfterFor(tc.depth, tc.capacity)
			if got < tc.wantAtLeast || got > tc.wantAtMost {
				t.Errorf("retryAfterFor(%d, %d) = %d, want between %d and %d", tc.depth, tc.capacity, got, tc.wantAtLeast, tc.wantAtMost)
			}
		})
	}
}
