package aggregate

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/pkg/signalstore"
)

func testKey() signalstore.Key {
	return signalstore.Key{TenantID: uuid.New(), ServiceName: "svc", Endpoint: "/p"}
}

func TestEndpointAggregate_ErrorRate(t *testing.T) {
	key := testKey()
	agg := NewEndpointAggregate(key)
	now := time.Now().UTC()

	for i := 0; i < 8; i++ {
		sig := signalstore.Signal{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint, LatencyMS: 10, Status: signalstore.StatusSuccess, Timestamp: now}
		agg.Record(sig)
	}
	for i := 0; i < 2; i++ {
		sig := signalstore.Signal{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint, LatencyMS: 10, Status: signalstore.StatusError, Timestamp: now}
		agg.Record(sig)
	}

	snap := agg.Snapshot(now, false)
	if !snap.HasErrorRate {
		t.Fatal("expected HasErrorRate")
	}
	if snap.ErrorRate != 0.2 {
		t.Errorf("ErrorRate = %v, want 0.2", snap.ErrorRate)
	}
	if snap.NSuccess != 8 || snap.NError != 2 {
		t.Errorf("NSuccess=%d NError=%d, want 8/2", snap.NSuccess, snap.NError)
	}
}

func TestEndpointAggregate_InsufficientData(t *testing.T) {
	key := testKey()
	agg := NewEndpointAggregate(key)
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		agg.Record(signalstore.Signal{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint, LatencyMS: 5, Status: signalstore.StatusSuccess, Timestamp: now})
	}

	snap := agg.Snapshot(now, true)
	if !snap.InsufficientData {
		t.Error("expected InsufficientData=true with only 10 window samples")
	}

	// After window reset, a fresh batch of 25 should clear insufficient_data.
	for i := 0; i < 25; i++ {
		agg.Record(signalstore.Signal{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint, LatencyMS: 5, Status: signalstore.StatusSuccess, Timestamp: now})
	}
	snap2 := agg.Snapshot(now, true)
	if snap2.InsufficientData {
		t.Error("expected InsufficientData=false with 25 window samples")
	}
}

func TestEndpointAggregate_WindowResetsIndependently(t *testing.T) {
	key := testKey()
	agg := NewEndpointAggregate(key)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		agg.Record(signalstore.Signal{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint, LatencyMS: 5, Status: signalstore.StatusSuccess, Timestamp: now})
	}

	// Streaming snapshot (no reset) should not clear the window for the
	// subsequent policy snapshot.
	_ = agg.Snapshot(now, false)
	snap := agg.Snapshot(now, false)
	if snap.WindowSuccess != 5 {
		t.Errorf("WindowSuccess = %d, want 5 (non-resetting snapshot must not clear window)", snap.WindowSuccess)
	}
}

func TestRPMRing_SumsTrailingMinute(t *testing.T) {
	r := newRPMRing()
	base := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 30; i++ {
		r.incr(base)
	}
	if got := r.rpm(base); got != 30 {
		t.Errorf("rpm = %d, want 30", got)
	}

	// Advance 70s: every slot should have rotated out.
	later := base.Add(70 * time.Second)
	if got := r.rpm(later); got != 0 {
		t.Errorf("rpm after 70s = %d, want 0", got)
	}
}

func TestEWMA_ConvergesTowardConstantInput(t *testing.T) {
	e := newEWMA(30 * time.Second)
	now := time.Now().UTC()

	e.update(100, now)
	for i := 1; i <= 20; i++ {
		now = now.Add(5 * time.Second)
		e.update(100, now)
	}

	v, ok := e.get()
	if !ok {
		t.Fatal("expected a value")
	}
	if v < 99 || v > 101 {
		t.Errorf("ewma = %v, want ~100", v)
	}
}
