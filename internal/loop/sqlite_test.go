package loop

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	started := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	want := &Conversation{
		ID:            "chat1|user1",
		ChatID:        "chat1",
		StartedAt:     started,
		LastActivity:  started.Add(5 * time.Minute),
		LastSummaryAt: started.Add(2 * time.Minute),
		LoopDepth:     3,
		LastPhase:     "deploy to staging",
		Status:        StatusActive,
	}

	if err := store.Put(want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get("chat1|user1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("get returned nil for stored conversation")
	}

	// The fields the loop decision depends on must survive a reload
	// exactly.
	if got.LoopDepth != want.LoopDepth {
		t.Errorf("LoopDepth = %d, want %d", got.LoopDepth, want.LoopDepth)
	}
	if got.LastPhase != want.LastPhase {
		t.Errorf("LastPhase = %q, want %q", got.LastPhase, want.LastPhase)
	}
	if got.Status != want.Status {
		t.Errorf("Status = %q, want %q", got.Status, want.Status)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, want.StartedAt)
	}
	if !got.LastActivity.Equal(want.LastActivity) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, want.LastActivity)
	}
}

func TestSQLiteGetMissing(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.Get("absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("get = %+v, want nil for missing conversation", got)
	}
}

func TestSQLitePutReplaces(t *testing.T) {
	store := setupTestStore(t)

	conv := &Conversation{
		ID:            "c1",
		ChatID:        "chat1",
		StartedAt:     time.Now().UTC(),
		LastActivity:  time.Now().UTC(),
		LastSummaryAt: time.Now().UTC(),
		Status:        StatusActive,
	}
	if err := store.Put(conv); err != nil {
		t.Fatalf("put: %v", err)
	}

	conv.LoopDepth = 2
	conv.LastPhase = "second phase"
	if err := store.Put(conv); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, _ := store.Get("c1")
	if got.LoopDepth != 2 || got.LastPhase != "second phase" {
		t.Errorf("got depth=%d phase=%q, want updated values", got.LoopDepth, got.LastPhase)
	}
}

func TestSQLiteDeleteAndList(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		conv := &Conversation{
			ID:            id,
			ChatID:        "chat1",
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
			LastActivity:  base,
			LastSummaryAt: base,
			Status:        StatusActive,
		}
		if err := store.Put(conv); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	if err := store.Delete("c2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting an absent id is a no-op.
	if err := store.Delete("c2"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	got, err := store.ListActive()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("list returned %d conversations, want 2", len(got))
	}
	// Ordered by StartedAt.
	if got[0].ID != "c1" || got[1].ID != "c3" {
		t.Errorf("list order = [%s %s], want [c1 c3]", got[0].ID, got[1].ID)
	}
}

func TestControllerOnSQLiteStore(t *testing.T) {
	store := setupTestStore(t)
	c := NewController(Config{MaxDepth: 3}, store, nil, nil)

	if _, ok, err := c.Admit("chat1|user1", "chat1"); err != nil || !ok {
		t.Fatalf("Admit() = %v, %v", ok, err)
	}

	d, err := c.OnResult("chat1|user1", continueSignal("run the migration", 0.8))
	if err != nil {
		t.Fatalf("OnResult() error: %v", err)
	}
	if d.Action != ActionContinue || d.LoopDepth != 1 {
		t.Errorf("decision = %+v, want continue at depth 1", d)
	}

	got, _ := store.Get("chat1|user1")
	if got == nil || got.LoopDepth != 1 || got.LastPhase != "run the migration" {
		t.Errorf("persisted state = %+v, want depth 1 with phase", got)
	}
}
