package loopcache

import (
	"errors"
	"testing"
	"time"

	"tradeloop-engine/internal/models"
)

func loopFixture(id string, score float64, wallets ...string) *models.TradeLoop {
	steps := make([]models.TradeStep, len(wallets))
	for i := range wallets {
		steps[i] = models.TradeStep{
			From: wallets[(i+1)%len(wallets)],
			To:   wallets[i],
			NFT:  "nft-" + wallets[(i+1)%len(wallets)],
		}
	}
	return &models.TradeLoop{
		ID:             id,
		Participants:   append([]string(nil), wallets...),
		Steps:          steps,
		Score:          score,
		Status:         models.LoopPending,
		Generation:     1,
		CreatedAt:      time.Now(),
		LastVerifiedAt: time.Now(),
	}
}

func TestInsert_IdempotentByID(t *testing.T) {
	c := New()
	first := loopFixture("l1", 0.5, "w1", "w2")
	if !c.Insert(first) {
		t.Fatal("first insert should report new")
	}

	again := loopFixture("l1", 0.9, "w1", "w2")
	again.Status = models.LoopCompleted
	if c.Insert(again) {
		t.Error("re-insert of same id should not report new")
	}

	got := c.GetByID("l1")
	if got.Score != 0.9 {
		t.Errorf("score should refresh on re-insert, got %v", got.Score)
	}
	if got.Status != models.LoopPending {
		t.Errorf("status must survive re-insert, got %s", got.Status)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Error("creation time must survive re-insert")
	}
	if c.Len() != 1 {
		t.Errorf("cache has %d loops, want 1", c.Len())
	}
}

func TestGetByID_ReturnsCopy(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	got := c.GetByID("l1")
	got.Participants[0] = "tampered"
	if c.GetByID("l1").Participants[0] != "w1" {
		t.Error("callers must not be able to mutate cached loops")
	}
	if c.GetByID("missing") != nil {
		t.Error("unknown id should return nil")
	}
}

func TestInvalidateByEntity(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	c.Insert(loopFixture("l2", 0.5, "w2", "w3"))
	c.Insert(loopFixture("l3", 0.5, "w4", "w5"))

	removed := c.InvalidateByEntity("w2")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if removed[0].ID != "l1" || removed[1].ID != "l2" {
		t.Errorf("removed loops should be sorted by id: %s, %s", removed[0].ID, removed[1].ID)
	}
	for _, loop := range removed {
		if loop.Status != models.LoopCancelled {
			t.Errorf("removed loop %s should be cancelled, got %s", loop.ID, loop.Status)
		}
	}
	if c.Len() != 1 || !c.Contains("l3") {
		t.Error("untouched loop must survive")
	}
}

func TestInvalidateByEntity_NFTKey(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	removed := c.InvalidateByEntity("nft-w1")
	if len(removed) != 1 || removed[0].ID != "l1" {
		t.Errorf("NFT-keyed invalidation failed: %v", removed)
	}
}

func TestPruneActive_FullSweep(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	c.Insert(loopFixture("l2", 0.5, "w3", "w4"))
	c.Insert(loopFixture("l3", 0.5, "w5", "w6"))
	if _, err := c.UpdateStatus("l3", models.LoopInProgress); err != nil {
		t.Fatal(err)
	}

	removed := c.PruneActive(nil, nil, map[string]struct{}{"l1": {}, "l3": {}})
	if len(removed) != 1 || removed[0].ID != "l2" {
		t.Fatalf("expected only l2 pruned, got %v", removed)
	}
	if removed[0].Status != models.LoopCancelled {
		t.Errorf("pruned loop should be cancelled, got %s", removed[0].Status)
	}
	// Surviving loops keep their status across the sweep.
	if got := c.GetByID("l3"); got == nil || got.Status != models.LoopInProgress {
		t.Errorf("kept loop must retain its status, got %+v", got)
	}
}

func TestPruneActive_ScopedSweep(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	c.Insert(loopFixture("l2", 0.5, "w3", "w4"))

	// The sweep is scoped to w1's neighborhood; l2 is out of scope and
	// must survive even though it is not in the keep set.
	removed := c.PruneActive([]string{"w1"}, []string{"nft-w1"}, nil)
	if len(removed) != 1 || removed[0].ID != "l1" {
		t.Fatalf("expected only l1 pruned, got %v", removed)
	}
	if !c.Contains("l2") {
		t.Error("out-of-scope loop must survive a scoped prune")
	}
}

func TestPruneActive_SkipsTerminal(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	if _, err := c.UpdateStatus("l1", models.LoopInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UpdateStatus("l1", models.LoopCompleted); err != nil {
		t.Fatal(err)
	}
	if removed := c.PruneActive(nil, nil, nil); len(removed) != 0 {
		t.Errorf("terminal loops are compaction's job, got %v", removed)
	}
}

func TestInvalidateSet(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	c.Insert(loopFixture("l2", 0.5, "w3", "w4"))
	c.Insert(loopFixture("l3", 0.5, "w5", "w6"))

	removed := c.InvalidateSet([]string{"w1"}, []string{"nft-w3"})
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if c.Len() != 1 {
		t.Errorf("cache has %d loops, want 1", c.Len())
	}
	if got := c.InvalidateSet(nil, nil); got != nil {
		t.Errorf("empty invalidation should remove nothing, got %v", got)
	}
}

func TestInvalidateAll(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))
	c.Insert(loopFixture("l2", 0.5, "w3", "w4"))
	removed := c.InvalidateAll()
	if len(removed) != 2 || c.Len() != 0 {
		t.Errorf("InvalidateAll removed %d, cache %d", len(removed), c.Len())
	}
}

func TestQueries_RankingAndFilters(t *testing.T) {
	c := New()
	c.Insert(loopFixture("lb", 0.9, "w1", "w2"))
	c.Insert(loopFixture("la", 0.9, "w1", "w3"))
	c.Insert(loopFixture("lc", 0.7, "w1", "w4", "w5"))
	c.Insert(loopFixture("ld", 0.2, "w1", "w6"))

	top := c.Top(0, 0.4)
	if len(top) != 3 {
		t.Fatalf("Top returned %d loops, want 3", len(top))
	}
	// Equal scores break by id; ld is under the score floor.
	for i, want := range []string{"la", "lb", "lc"} {
		if top[i].ID != want {
			t.Errorf("rank %d = %s, want %s", i, top[i].ID, want)
		}
	}

	limited := c.Top(2, 0)
	if len(limited) != 2 {
		t.Errorf("limit not applied: %d", len(limited))
	}

	byWallet := c.GetByWallet("w4", 0, 0)
	if len(byWallet) != 1 || byWallet[0].ID != "lc" {
		t.Errorf("GetByWallet(w4) = %v", byWallet)
	}
	if got := c.GetByWallet("nobody", 0, 0); len(got) != 0 {
		t.Errorf("unknown wallet should return nothing, got %v", got)
	}
}

func TestQueries_SkipTerminalLoops(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.9, "w1", "w2"))
	c.Insert(loopFixture("l2", 0.8, "w1", "w3"))
	if _, err := c.UpdateStatus("l1", models.LoopInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UpdateStatus("l1", models.LoopCompleted); err != nil {
		t.Fatal(err)
	}

	top := c.Top(0, 0)
	if len(top) != 1 || top[0].ID != "l2" {
		t.Errorf("completed loop must not be served: %v", top)
	}
	// In-progress loops still are.
	if _, err := c.UpdateStatus("l2", models.LoopInProgress); err != nil {
		t.Fatal(err)
	}
	if got := c.Top(0, 0); len(got) != 1 {
		t.Errorf("in-progress loop should still be served, got %d", len(got))
	}
}

func TestUpdateStatus_StateMachine(t *testing.T) {
	c := New()
	c.Insert(loopFixture("l1", 0.5, "w1", "w2"))

	if _, err := c.UpdateStatus("l1", models.LoopCompleted); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("pending → completed must be rejected, got %v", err)
	}
	if _, err := c.UpdateStatus("missing", models.LoopInProgress); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("unknown loop must be rejected, got %v", err)
	}

	loop, err := c.UpdateStatus("l1", models.LoopInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if loop.Status != models.LoopInProgress {
		t.Errorf("status = %s", loop.Status)
	}
	if _, err := c.UpdateStatus("l1", models.LoopCompleted); err != nil {
		t.Errorf("in_progress → completed should pass: %v", err)
	}
	if _, err := c.UpdateStatus("l1", models.LoopPending); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("terminal loop must not transition, got %v", err)
	}
}

func TestCompact_RetainsRecentTerminals(t *testing.T) {
	c := New()
	c.Insert(loopFixture("old", 0.5, "w1", "w2"))
	c.Insert(loopFixture("fresh", 0.5, "w3", "w4"))
	c.Insert(loopFixture("live", 0.5, "w5", "w6"))

	mustMove := func(id string, s models.LoopStatus) {
		if _, err := c.UpdateStatus(id, s); err != nil {
			t.Fatal(err)
		}
	}
	mustMove("old", models.LoopCancelled)
	mustMove("fresh", models.LoopCancelled)

	// Push "old" past the retention window.
	c.mu.Lock()
	c.loops["old"].LastVerifiedAt = time.Now().Add(-2 * time.Hour)
	c.mu.Unlock()

	if removed := c.Compact(time.Hour); removed != 1 {
		t.Errorf("compact removed %d, want 1", removed)
	}
	if c.Contains("old") {
		t.Error("stale terminal loop should be gone")
	}
	if !c.Contains("fresh") || !c.Contains("live") {
		t.Error("recent terminal and live loops must survive compaction")
	}
}

func TestGeneration_Monotonic(t *testing.T) {
	c := New()
	c.SetGeneration(5)
	c.SetGeneration(3)
	if c.Generation() != 5 {
		t.Errorf("generation must be monotonic, got %d", c.Generation())
	}
	c.SetGeneration(9)
	if c.Generation() != 9 {
		t.Errorf("generation = %d, want 9", c.Generation())
	}
}
