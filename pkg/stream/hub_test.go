package stream

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/pkg/aggregate"
)

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	hub := NewHub()
	tenant := uuid.New()

	sub := hub.Subscribe(tenant, KindOverall)
	defer sub.Close()

	hub.Publish(tenant, KindOverall, "overall", Overall{TotalSignals: 42})

	select {
	case evt := <-sub.Events():
		if evt.name != "overall" {
			t.Fatalf("event name = %q, want overall", evt.name)
		}
		got, ok := evt.data.(Overall)
		if !ok || got.TotalSignals != 42 {
			t.Fatalf("event data = %+v, want Overall{TotalSignals: 42}", evt.data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_PublishScopedToTenant(t *testing.T) {
	hub := NewHub()
	tenantA, tenantB := uuid.New(), uuid.New()

	subA := hub.Subscribe(tenantA, KindServices)
	defer subA.Close()

	hub.Publish(tenantB, KindServices, "services", ServicesPayload{})

	select {
	case <-subA.Events():
		t.Fatal("tenant A received an event published for tenant B")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriber_DeliverDropsOldestWhenFull(t *testing.T) {
	sub := newSubscriber()

	for i := 0; i < subscriberBuffer; i++ {
		sub.deliver(event{name: "overall", data: i}, "overall")
	}

	// One more push past capacity must evict the oldest (0), not reject the
	// newest.
	sub.deliver(event{name: "overall", data: subscriberBuffer}, "overall")

	first := <-sub.ch
	if first.data.(int) != 1 {
		t.Fatalf("oldest surviving event = %v, want 1 (original 0 should have been dropped)", first.data)
	}
	if got := sub.takeDropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestHub_ResubscribeAfterClose(t *testing.T) {
	hub := NewHub()
	tenant := uuid.New()

	sub := hub.Subscribe(tenant, KindSignals)
	sub.Close()

	// After Close, a second subscriber can still register for the same
	// (tenant, kind) without panicking.
	sub2 := hub.Subscribe(tenant, KindSignals)
	defer sub2.Close()
}

func TestBuildOverall_AggregatesAcrossServices(t *testing.T) {
	services := []aggregate.ServiceSnapshot{
		{Service: "checkout", Status: aggregate.ServiceHealthy, TotalSignals: 80, ErrorRate: 0.05, AvgLatencyMS: 100},
		{Service: "inventory", Status: aggregate.ServiceDegraded, TotalSignals: 20, ErrorRate: 0.5, AvgLatencyMS: 300},
	}

	overall := buildOverall(services)

	if overall.ServiceCount != 2 {
		t.Errorf("ServiceCount = %d, want 2", overall.ServiceCount)
	}
	if overall.HealthyCount != 1 || overall.DegradedCount != 1 {
		t.Errorf("HealthyCount=%d DegradedCount=%d, want 1/1", overall.HealthyCount, overall.DegradedCount)
	}
	if overall.TotalSignals != 100 {
		t.Errorf("TotalSignals = %d, want 100", overall.TotalSignals)
	}
	// ErrorRate is signal-count weighted: (80*0.05 + 20*0.5) / 100 = 0.14
	if want := 0.14; overall.ErrorRate < want-1e-9 || overall.ErrorRate > want+1e-9 {
		t.Errorf("ErrorRate = %v, want %v", overall.ErrorRate, want)
	}
}
