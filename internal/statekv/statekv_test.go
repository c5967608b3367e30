package statekv_test

import (
	"context"
	"testing"
	"time"

	"vigil/internal/statekv"
	"vigil/internal/testsupport"
)

func TestPutGetRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	kv := statekv.New(st.DB())

	ctx := context.Background()
	key := statekv.DetectorKey("sess-1", "PHONE_USAGE")
	if err := kv.Put(ctx, key, `{"active_start":12.5,"last_seen":14.0}`, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, ok, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected key to be present")
	}
	if value != `{"active_start":12.5,"last_seen":14.0}` {
		t.Fatalf("unexpected value: %q", value)
	}
}

func TestGetMissingKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	kv := statekv.New(st.DB())

	_, ok, err := kv.Get(context.Background(), "session:none:detector:NO_FACE")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Fatal("expected missing key to report absent")
	}
}

func TestExpiredKeyReadsAsAbsent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	kv := statekv.New(st.DB())

	ctx := context.Background()
	if err := kv.Put(ctx, "session:sess-2:detector:NO_FACE", "{}", time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	_, ok, err := kv.Get(ctx, "session:sess-2:detector:NO_FACE")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Fatal("expected expired key to report absent")
	}
}

func TestPutRefreshesTTLAndValue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	kv := statekv.New(st.DB())

	ctx := context.Background()
	key := statekv.LastEventKey("sess-3", "PHONE_USAGE")
	if err := kv.Put(ctx, key, "10.0", time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := kv.Put(ctx, key, "22.5", time.Hour); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	value, ok, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || value != "22.5" {
		t.Fatalf("expected refreshed value, got ok=%v value=%q", ok, value)
	}
}

func TestDeleteSessionKeys(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	kv := statekv.New(st.DB())

	ctx := context.Background()
	keys := []string{
		statekv.DetectorKey("sess-4", "PHONE_USAGE"),
		statekv.DetectorKey("sess-4", "NO_FACE"),
		statekv.LastEventKey("sess-4", "PHONE_USAGE"),
	}
	for _, key := range keys {
		if err := kv.Put(ctx, key, "{}", time.Hour); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	other := statekv.DetectorKey("sess-5", "PHONE_USAGE")
	if err := kv.Put(ctx, other, "{}", time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	deleted, err := kv.DeleteSessionKeys(ctx, "sess-4")
	if err != nil {
		t.Fatalf("DeleteSessionKeys failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}

	_, ok, err := kv.Get(ctx, other)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected unrelated session key to survive")
	}
}

func TestPruneRemovesExpiredOnly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	kv := statekv.New(st.DB())

	ctx := context.Background()
	if err := kv.Put(ctx, "session:a:detector:NO_FACE", "{}", time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := kv.Put(ctx, "session:b:detector:NO_FACE", "{}", time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	pruned, err := kv.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}

	_, ok, err := kv.Get(ctx, "session:b:detector:NO_FACE")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected live key to survive prune")
	}
}
