package tenant

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
)

type fakeResolver struct {
	id  uuid.UUID
	err error
}

func (f fakeResolver) Resolve(*http.Request) (uuid.UUID, error) { return f.id, f.err }

type fakeLookup struct {
	name string
	err  error
}

func (f fakeLookup) LookupByID(context.Context, uuid.UUID) (string, error) { return f.name, f.err }

func TestMiddleware_ResolvesTenant(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	id := uuid.New()

	var gotInfo *Info
	mw := Middleware(fakeLookup{name: "Acme Corp"}, fakeResolver{id: id}, logger)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotInfo = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotInfo == nil {
		t.Fatal("expected tenant info in context")
	}
	if gotInfo.ID != id {
		t.Errorf("ID = %v, want %v", gotInfo.ID, id)
	}
	if gotInfo.Name != "Acme Corp" {
		t.Errorf("Name = %q, want %q", gotInfo.Name, "Acme Corp")
	}
}

func TestMiddleware_ResolverError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mw := Middleware(fakeLookup{}, fakeResolver{err: context.DeadlineExceeded}, logger)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMiddleware_UnknownTenant(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mw := Middleware(fakeLookup{err: context.DeadlineExceeded}, fakeResolver{id: uuid.New()}, logger)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
