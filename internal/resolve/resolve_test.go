package resolve_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"vigil/internal/logging"
	"vigil/internal/resolve"
	"vigil/internal/testsupport"
)

type fakeTier struct {
	name  string
	found bool
	err   error
	calls int
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Fetch(ctx context.Context, sessionID string, chunkIndex int, destPath string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if !f.found {
		return false, nil
	}
	return true, os.WriteFile(destPath, []byte("media"), 0o644)
}

func TestResolveStopsAtFirstTierWithChunk(t *testing.T) {
	first := &fakeTier{name: "cache", found: true}
	second := &fakeTier{name: "object-store", found: true}
	resolver := resolve.New(logging.NewNop(), first, second)

	dest := filepath.Join(t.TempDir(), "chunk_0.webm")
	tier, err := resolver.Resolve(context.Background(), "sess-1", 0, dest)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if tier != "cache" {
		t.Fatalf("expected cache tier, got %s", tier)
	}
	if second.calls != 0 {
		t.Fatal("expected second tier untouched")
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected resolved file: %v", err)
	}
}

func TestResolveFallsThroughToLaterTier(t *testing.T) {
	first := &fakeTier{name: "cache"}
	second := &fakeTier{name: "object-store", found: true}
	resolver := resolve.New(logging.NewNop(), first, second)

	dest := filepath.Join(t.TempDir(), "chunk_1.webm")
	tier, err := resolver.Resolve(context.Background(), "sess-1", 1, dest)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if tier != "object-store" {
		t.Fatalf("expected object-store tier, got %s", tier)
	}
}

func TestResolveReportsUnresolvable(t *testing.T) {
	resolver := resolve.New(logging.NewNop(), &fakeTier{name: "cache"}, &fakeTier{name: "object-store"})

	_, err := resolver.Resolve(context.Background(), "sess-1", 2, filepath.Join(t.TempDir(), "chunk_2.webm"))
	if !errors.Is(err, resolve.ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
}

func TestResolveSurfacesTierErrors(t *testing.T) {
	boom := errors.New("bucket unavailable")
	resolver := resolve.New(logging.NewNop(), &fakeTier{name: "object-store", err: boom})

	_, err := resolver.Resolve(context.Background(), "sess-1", 0, filepath.Join(t.TempDir(), "chunk_0.webm"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected tier error surfaced, got %v", err)
	}
	if errors.Is(err, resolve.ErrUnresolvable) {
		t.Fatal("tier failure must not read as unresolvable")
	}
}

func TestCacheTierFetch(t *testing.T) {
	cacheDir := t.TempDir()
	tier := resolve.CacheTier{Dir: func(sessionID string) string {
		return filepath.Join(cacheDir, sessionID)
	}}

	testsupport.WriteFile(t, filepath.Join(cacheDir, "sess-9", "chunk_4.webm"), 128)

	dest := filepath.Join(t.TempDir(), "chunk_4.webm")
	found, err := tier.Fetch(context.Background(), "sess-9", 4, dest)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !found {
		t.Fatal("expected cached chunk found")
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat dest: %v", err)
	}
	if info.Size() != 128 {
		t.Fatalf("expected 128 bytes, got %d", info.Size())
	}

	found, err = tier.Fetch(context.Background(), "sess-9", 5, dest)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if found {
		t.Fatal("expected missing chunk to report absent")
	}
}
