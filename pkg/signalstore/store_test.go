package signalstore

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_AppendAndRecentSlice(t *testing.T) {
	s := New(4, testLogger())
	key := Key{TenantID: uuid.New(), ServiceName: "svc", Endpoint: "/p"}

	for i := 0; i < 5; i++ {
		sig, err := NewSignal(key.TenantID, key.ServiceName, key.Endpoint, float64(i*10), StatusSuccess)
		if err != nil {
			t.Fatalf("NewSignal: %v", err)
		}
		s.Append(sig)
	}

	recent := s.RecentSlice(key, 3)
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	// Newest-first: the last pushed signal (latency 40) must come first.
	if recent[0].LatencyMS != 40 {
		t.Errorf("recent[0].LatencyMS = %v, want 40", recent[0].LatencyMS)
	}
}

func TestStore_RingOverflowDrops(t *testing.T) {
	s := New(1, testLogger())
	key := Key{TenantID: uuid.New(), ServiceName: "svc", Endpoint: "/p"}

	// DefaultRingCapacity + 10 pushes should register at least 10 drops.
	for i := 0; i < DefaultRingCapacity+10; i++ {
		sig, _ := NewSignal(key.TenantID, key.ServiceName, key.Endpoint, 1, StatusSuccess)
		s.Append(sig)
	}

	if d := s.Dropped(key); d < 10 {
		t.Errorf("Dropped() = %d, want >= 10", d)
	}
}

type stubArchiver struct {
	entries []ArchiveEntry
}

func (s *stubArchiver) Enqueue(entry ArchiveEntry) {
	s.entries = append(s.entries, entry)
}

func TestStore_ArchiveCompactsAndEnqueues(t *testing.T) {
	arch := &stubArchiver{}
	s := New(4, testLogger(), WithArchiver(arch))
	key := Key{TenantID: uuid.New(), ServiceName: "svc", Endpoint: "/p"}

	for i := 0; i < 10; i++ {
		status := StatusSuccess
		if i%5 == 0 {
			status = StatusError
		}
		sig, _ := NewSignal(key.TenantID, key.ServiceName, key.Endpoint, float64(100+i), status)
		s.Append(sig)
	}

	s.Archive(context.Background(), key, time.Now())

	if len(arch.entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(arch.entries))
	}
	e := arch.entries[0]
	if e.NSuccess+e.NError != 10 {
		t.Errorf("NSuccess+NError = %d, want 10", e.NSuccess+e.NError)
	}
	if e.NError != 2 {
		t.Errorf("NError = %d, want 2", e.NError)
	}
}

func TestNewSignal_Validation(t *testing.T) {
	tenantID := uuid.New()

	tests := []struct {
		name     string
		service  string
		endpoint string
		latency  float64
		status   Status
		wantErr  bool
	}{
		{"valid", "svc", "/p", 50, StatusSuccess, false},
		{"empty service", "", "/p", 50, StatusSuccess, true},
		{"empty endpoint", "svc", "", 50, StatusSuccess, true},
		{"negative latency", "svc", "/p", -1, StatusSuccess, true},
		{"latency too large", "svc", "/p", 1e8, StatusSuccess, true},
		{"invalid status", "svc", "/p", 50, Status("bogus"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSignal(tenantID, tt.service, tt.endpoint, tt.latency, tt.status)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSignal() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
