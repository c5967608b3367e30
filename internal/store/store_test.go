package store_test

import (
	"context"
	"testing"

	"vigil/internal/store"
	"vigil/internal/testsupport"
)

func TestOpenAppliesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	health, err := st.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable {
		t.Fatalf("expected healthy database, got %#v", health)
	}
	if len(health.MissingTables) != 0 {
		t.Fatalf("expected all tables present, missing %v", health.MissingTables)
	}
	if !health.IntegrityCheck {
		t.Fatal("expected integrity check to pass")
	}
}

func TestCreateSessionAndFetch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	session, err := st.CreateSession(ctx, "sess-1", "exam-9", "cand-7")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Status != store.SessionActive {
		t.Fatalf("expected ACTIVE session, got %s", session.Status)
	}
	if session.ExamID != "exam-9" || session.CandidateID != "cand-7" {
		t.Fatalf("unexpected session fields: %#v", session)
	}

	fetched, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if fetched == nil || fetched.ID != "sess-1" {
		t.Fatalf("unexpected fetched session: %#v", fetched)
	}

	missing, err := st.GetSession(ctx, "no-such-session")
	if err != nil {
		t.Fatalf("GetSession for missing id failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing session, got %#v", missing)
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-life")

	if err := st.MarkSessionCompleted(ctx, "sess-life"); err != nil {
		t.Fatalf("MarkSessionCompleted failed: %v", err)
	}
	session, err := st.GetSession(ctx, "sess-life")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Status != store.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s", session.Status)
	}
	if session.EndedAt == nil {
		t.Fatal("expected ended_at to be set on completion")
	}

	if err := st.MarkSessionProcessing(ctx, "sess-life"); err != nil {
		t.Fatalf("MarkSessionProcessing failed: %v", err)
	}
	if err := st.MarkSessionDone(ctx, "sess-life", "https://media.example/final.mp4"); err != nil {
		t.Fatalf("MarkSessionDone failed: %v", err)
	}

	session, err = st.GetSession(ctx, "sess-life")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Status != store.SessionDone {
		t.Fatalf("expected DONE, got %s", session.Status)
	}
	if session.FinalVideoURL != "https://media.example/final.mp4" {
		t.Fatalf("unexpected final video url: %q", session.FinalVideoURL)
	}
}

func TestMarkSessionDoneRequiresURLAndRejectsRepeat(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-done")

	if err := st.MarkSessionDone(ctx, "sess-done", "  "); err == nil {
		t.Fatal("expected error for empty final video url")
	}
	if err := st.MarkSessionDone(ctx, "sess-done", "https://media.example/a.mp4"); err != nil {
		t.Fatalf("MarkSessionDone failed: %v", err)
	}
	if err := st.MarkSessionDone(ctx, "sess-done", "https://media.example/b.mp4"); err == nil {
		t.Fatal("expected conflict when session already DONE")
	}
}

func TestCreateChunkDeduplicates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-chunks")

	inserted, err := st.CreateChunk(ctx, "sess-chunks", 0, 0, 10, "sessions/sess-chunks/chunk_0.webm")
	if err != nil {
		t.Fatalf("CreateChunk failed: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to report inserted")
	}

	inserted, err = st.CreateChunk(ctx, "sess-chunks", 0, 0.5, 10.5, "")
	if err != nil {
		t.Fatalf("duplicate CreateChunk failed: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to be a no-op")
	}

	chunk, err := st.GetChunk(ctx, "sess-chunks", 0)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if chunk.StartSeconds != 0 || chunk.EndSeconds != 10 {
		t.Fatalf("duplicate insert overwrote timestamps: %#v", chunk)
	}
	if chunk.StorageKey != "sessions/sess-chunks/chunk_0.webm" {
		t.Fatalf("unexpected storage key: %q", chunk.StorageKey)
	}
}

func TestChunkStatusTransitionsAreMonotone(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-status")
	testsupport.NewChunk(t, st, "sess-status", 0, 0, 10)

	if err := st.MarkChunkProcessed(ctx, "sess-status", 0); err != nil {
		t.Fatalf("MarkChunkProcessed failed: %v", err)
	}
	if err := st.MarkChunkProcessing(ctx, "sess-status", 0); err != nil {
		t.Fatalf("MarkChunkProcessing failed: %v", err)
	}

	chunk, err := st.GetChunk(ctx, "sess-status", 0)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if chunk.Status != store.ChunkProcessed {
		t.Fatalf("expected PROCESSED to stick, got %s", chunk.Status)
	}
}

func TestCorrectChunkTimestamps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-correct")
	testsupport.NewChunk(t, st, "sess-correct", 2, 20, 30)

	if err := st.CorrectChunkTimestamps(ctx, "sess-correct", 2, 20, 29.82); err != nil {
		t.Fatalf("CorrectChunkTimestamps failed: %v", err)
	}

	chunk, err := st.GetChunk(ctx, "sess-correct", 2)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if !chunk.Corrected {
		t.Fatal("expected corrected flag set")
	}
	if chunk.EndSeconds != 29.82 {
		t.Fatalf("expected probed end 29.82, got %v", chunk.EndSeconds)
	}
}

func TestChunkQueriesAndCounts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-query")
	for i := 0; i < 5; i++ {
		testsupport.NewChunk(t, st, "sess-query", i, float64(i*10), float64((i+1)*10))
	}
	if err := st.MarkChunkProcessed(ctx, "sess-query", 0); err != nil {
		t.Fatalf("MarkChunkProcessed failed: %v", err)
	}
	if err := st.MarkChunkProcessing(ctx, "sess-query", 1); err != nil {
		t.Fatalf("MarkChunkProcessing failed: %v", err)
	}

	inRange, err := st.ChunksInRange(ctx, "sess-query", 1, 3)
	if err != nil {
		t.Fatalf("ChunksInRange failed: %v", err)
	}
	if len(inRange) != 3 || inRange[0].ChunkIndex != 1 || inRange[2].ChunkIndex != 3 {
		t.Fatalf("unexpected range result: %#v", inRange)
	}

	before, err := st.ChunksBefore(ctx, "sess-query", 3)
	if err != nil {
		t.Fatalf("ChunksBefore failed: %v", err)
	}
	if len(before) != 3 {
		t.Fatalf("expected 3 prior chunks, got %d", len(before))
	}

	counts, err := st.ChunkCounts(ctx, "sess-query")
	if err != nil {
		t.Fatalf("ChunkCounts failed: %v", err)
	}
	if counts.Processed != 1 || counts.Processing != 1 || counts.Received != 3 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
	if counts.Total() != 5 {
		t.Fatalf("expected total 5, got %d", counts.Total())
	}
}

func TestInsertEventDefaultsAndOrdering(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-events")

	second := &store.Event{
		SessionID:       "sess-events",
		Type:            store.EventNoFace,
		StartSeconds:    14,
		EndSeconds:      18,
		DurationSeconds: 4,
		Confidence:      0.90,
		SourceBatchFrom: 0,
	}
	if err := st.InsertEvent(ctx, second); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	first := &store.Event{
		SessionID:       "sess-events",
		Type:            store.EventPhoneUsage,
		StartSeconds:    3,
		EndSeconds:      6,
		DurationSeconds: 3,
		Confidence:      0.80,
		SourceBatchFrom: 0,
	}
	if err := st.InsertEvent(ctx, first); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated event id")
	}

	events, err := st.EventsBySession(ctx, "sess-events")
	if err != nil {
		t.Fatalf("EventsBySession failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != store.EventPhoneUsage || events[1].Type != store.EventNoFace {
		t.Fatalf("expected start-time ordering, got %s then %s", events[0].Type, events[1].Type)
	}
	if events[0].Message != "Phone visible in frame" {
		t.Fatalf("expected default message, got %q", events[0].Message)
	}

	count, err := st.EventCount(ctx, "sess-events")
	if err != nil {
		t.Fatalf("EventCount failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
}

func TestDeleteSessionChunks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewSession(t, st, "sess-clean")
	for i := 0; i < 3; i++ {
		testsupport.NewChunk(t, st, "sess-clean", i, float64(i*10), float64((i+1)*10))
	}

	deleted, err := st.DeleteSessionChunks(ctx, "sess-clean")
	if err != nil {
		t.Fatalf("DeleteSessionChunks failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}

	remaining, err := st.ChunksBySession(ctx, "sess-clean")
	if err != nil {
		t.Fatalf("ChunksBySession failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no chunks, got %d", len(remaining))
	}
}
