package testsupport

import (
	"context"
	"testing"

	"vigil/internal/config"
	"vigil/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewSession creates a session row for tests using the provided store.
func NewSession(t testing.TB, st *store.Store, id string) *store.Session {
	t.Helper()

	session, err := st.CreateSession(context.Background(), id, "exam-1", "candidate-1")
	if err != nil {
		t.Fatalf("store.CreateSession: %v", err)
	}
	return session
}

// NewChunk inserts a chunk row for tests and fails the test on error or when
// the insert was deduplicated.
func NewChunk(t testing.TB, st *store.Store, sessionID string, index int, start, end float64) {
	t.Helper()

	inserted, err := st.CreateChunk(context.Background(), sessionID, index, start, end, "")
	if err != nil {
		t.Fatalf("store.CreateChunk: %v", err)
	}
	if !inserted {
		t.Fatalf("chunk %d already existed", index)
	}
}
