package fakebackend

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// StartTest runs a Backend on an httptest server that is closed when t ends.
// It returns the backend (for seeding and hooks) and its base URL.
func StartTest(t testing.TB) (*Backend, string) {
	t.Helper()

	b, err := New(Options{BcryptCost: bcrypt.MinCost}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("fakebackend.New() error: %v", err)
	}
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, srv.URL
}
