package analytics

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/pkg/signalstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_PercentilesFromRaw_UsesLiveRingWithinHorizon(t *testing.T) {
	signals := signalstore.New(4, testLogger())
	tenant := uuid.New()

	for i := 0; i < 100; i++ {
		sig, err := signalstore.NewSignal(tenant, "checkout", "/pay", float64(i*10), signalstore.StatusSuccess)
		if err != nil {
			t.Fatalf("NewSignal: %v", err)
		}
		signals.Append(sig)
	}

	store := NewStore(nil, signals, 7)
	resp := store.percentilesFromRaw(tenant, 1, "")

	if resp.Source != sourceRaw {
		t.Errorf("Source = %q, want %q", resp.Source, sourceRaw)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("len(Data) = %d, want 1 hour bucket", len(resp.Data))
	}
	if resp.Data[0].ServiceName != "checkout" {
		t.Errorf("ServiceName = %q, want checkout", resp.Data[0].ServiceName)
	}
	if len(resp.Data[0].Endpoints) != 1 || resp.Data[0].Endpoints[0].Endpoint != "/pay" {
		t.Fatalf("Endpoints = %+v, want one /pay entry", resp.Data[0].Endpoints)
	}
}

func TestStore_PercentilesFromRaw_FiltersByService(t *testing.T) {
	signals := signalstore.New(4, testLogger())
	tenant := uuid.New()

	sigA, _ := signalstore.NewSignal(tenant, "checkout", "/pay", 50, signalstore.StatusSuccess)
	sigB, _ := signalstore.NewSignal(tenant, "inventory", "/sku", 50, signalstore.StatusSuccess)
	signals.Append(sigA)
	signals.Append(sigB)

	store := NewStore(nil, signals, 7)
	resp := store.percentilesFromRaw(tenant, 1, "checkout")

	if len(resp.Data) != 1 || resp.Data[0].ServiceName != "checkout" {
		t.Fatalf("Data = %+v, want only checkout", resp.Data)
	}
}

func TestMeanOf(t *testing.T) {
	if got := meanOf([]float64{10, 20, 30}); got != 20 {
		t.Errorf("meanOf = %v, want 20", got)
	}
	if got := meanOf(nil); got != 0 {
		t.Errorf("meanOf(nil) = %v, want 0", got)
	}
}

func TestBuildSeries_SortsEndpointsAndPoints(t *testing.T) {
	hour := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	samples := map[bucketKey][]float64{
		{hour: hour, service: "checkout", endpoint: "/pay"}:     {100, 200},
		{hour: hour, service: "checkout", endpoint: "/cancel"}: {50},
	}

	out := buildSeries(samples)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if len(out[0].Endpoints) != 2 || out[0].Endpoints[0].Endpoint != "/cancel" {
		t.Fatalf("endpoints not sorted: %+v", out[0].Endpoints)
	}
}
