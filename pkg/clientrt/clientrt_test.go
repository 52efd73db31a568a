package clientrt

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildAnnotation_CriticalBypassesAllButBreaker(t *testing.T) {
	cfg := PolicyConfig{
		CircuitBreaker:       true,
		RateLimitEnabled:     true,
		RateLimitCustomerRPM: 10,
		LoadSheddingRPM:      10,
		QueueDeferralRPM:     10,
	}

	ann := buildAnnotation(cfg, PriorityCritical, "cust-1", 1000)

	if !ann.ShouldSkip {
		t.Error("ShouldSkip = false, want true (circuit breaker always applies)")
	}
	if ann.IsRateLimitedCustomer || ann.IsLoadShedding || ann.IsQueueDeferral {
		t.Errorf("critical priority should bypass all gates, got %+v", ann)
	}
}

func TestBuildAnnotation_HighHonoursRateAndShedNotQueue(t *testing.T) {
	cfg := PolicyConfig{
		RateLimitEnabled:     true,
		RateLimitCustomerRPM: 100,
		LoadSheddingRPM:      100,
		QueueDeferralRPM:     50,
	}

	// 120 rpm: over rate limit and over queue-deferral threshold, but under
	// the 1.25x-scaled shedding threshold of 125.
	ann := buildAnnotation(cfg, PriorityHigh, "cust-1", 120)

	if !ann.IsRateLimitedCustomer {
		t.Error("IsRateLimitedCustomer = false, want true")
	}
	if ann.IsLoadShedding {
		t.Error("IsLoadShedding = true, want false (under scaled 125 threshold)")
	}
	if ann.IsQueueDeferral {
		t.Error("IsQueueDeferral = true, want false (high priority is exempt)")
	}
}

func TestBuildAnnotation_LowHasStricterSheddingThreshold(t *testing.T) {
	cfg := PolicyConfig{
		RateLimitEnabled: true,
		LoadSheddingRPM:  100,
		QueueDeferralRPM: 1000,
	}

	// 85 rpm is under the plain 100 threshold but over the low-priority
	// scaled threshold of 80.
	ann := buildAnnotation(cfg, PriorityLow, "cust-1", 85)

	if !ann.IsLoadShedding {
		t.Error("IsLoadShedding = false, want true (over 0.8x-scaled threshold)")
	}
}

func TestBuildAnnotation_NoCustomerIdentifierSkipsRateGates(t *testing.T) {
	cfg := PolicyConfig{RateLimitEnabled: true, RateLimitCustomerRPM: 1, LoadSheddingRPM: 1, QueueDeferralRPM: 1}
	ann := buildAnnotation(cfg, PriorityMedium, "", 999)

	if ann.IsRateLimitedCustomer || ann.IsLoadShedding || ann.IsQueueDeferral {
		t.Errorf("anonymous caller should never be rate-gated, got %+v", ann)
	}
}

func TestRPMCounter_IncrementAccumulatesWithinWindow(t *testing.T) {
	c := &rpmCounter{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var last int64
	for i := 0; i < 5; i++ {
		last = c.increment(base.Add(time.Duration(i) * time.Second))
	}
	if last != 5 {
		t.Errorf("total after 5 increments in-window = %d, want 5", last)
	}
}

func TestRPMCounter_OldBucketsExpireOutOfWindow(t *testing.T) {
	c := &rpmCounter{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c.increment(base)
	total := c.increment(base.Add(2 * time.Minute))

	if total != 1 {
		t.Errorf("total after the window rolled over = %d, want 1 (old bucket expired)", total)
	}
}

func TestRPMRegistry_GetIsStablePerCustomer(t *testing.T) {
	r := newRPMRegistry()
	a := r.get("cust-a")
	b := r.get("cust-a")
	if a != b {
		t.Error("get returned a different counter for the same customer")
	}
}

func TestClient_ResolvePolicyFallsBackToSafeDefaultWithoutStaleEntry(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "test-key", "checkout", nil)
	defer c.Close()

	cfg := c.resolvePolicy(context.Background(), "/pay")
	if cfg != SafeDefaultConfig() {
		t.Error("unreachable control plane with no cache should fall back to SafeDefaultConfig")
	}
}

func TestOutboundQueue_EnqueueDropsOldestWhenFull(t *testing.T) {
	// Construct the queue directly without starting run(), so filling the
	// channel via enqueue is deterministic (no concurrent drain racing us).
	q := &outboundQueue{
		logger: testLogger(),
		ch:     make(chan signalOut, outboundBuffer),
		closed: make(chan struct{}),
	}

	for i := 0; i < outboundBuffer+10; i++ {
		q.enqueue(signalOut{Endpoint: "/pay"})
	}
	if len(q.ch) != outboundBuffer {
		t.Fatalf("channel len = %d, want capped at %d", len(q.ch), outboundBuffer)
	}
}
