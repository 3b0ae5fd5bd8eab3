package webhooks

import (
	"errors"
	"testing"

	"tradeloop-engine/internal/models"
)

func TestRegister_DefaultsAndValidation(t *testing.T) {
	s := NewStore(3)
	if _, err := s.Register("", "http://x", "", nil); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("missing tenant: %v", err)
	}
	if _, err := s.Register("t1", "", "", nil); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("missing url: %v", err)
	}

	ep, err := s.Register("t1", "http://x", "shh", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ep.ID == "" {
		t.Error("endpoint should get a generated id")
	}
	if len(ep.EventTypes) != 2 {
		t.Errorf("empty event types should default to both loop events, got %v", ep.EventTypes)
	}
}

func TestMatching_FiltersTypeAndParked(t *testing.T) {
	s := NewStore(3)
	gained, _ := s.Register("t1", "http://a", "", []string{"loop.gained"})
	both, _ := s.Register("t1", "http://b", "", nil)
	s.Register("t2", "http://c", "", nil)

	m := s.Matching("t1", "loop.gained")
	if len(m) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(m))
	}
	m = s.Matching("t1", "loop.lost")
	if len(m) != 1 || m[0].ID != both.ID {
		t.Errorf("lost should match only the default-subscribed endpoint")
	}

	s.MarkResult(gained.ID, false)
	s.MarkResult(gained.ID, false)
	s.MarkResult(gained.ID, false)
	if got := s.Matching("t1", "loop.gained"); len(got) != 1 {
		t.Errorf("parked endpoint must be excluded, got %d", len(got))
	}
}

func TestMarkResult_ParkAndRecover(t *testing.T) {
	s := NewStore(2)
	ep, _ := s.Register("t1", "http://a", "", nil)

	s.MarkResult(ep.ID, false)
	if s.Get(ep.ID).Parked {
		t.Error("one failure should not park")
	}
	// Success resets the streak.
	s.MarkResult(ep.ID, true)
	s.MarkResult(ep.ID, false)
	if s.Get(ep.ID).Parked {
		t.Error("streak should reset on success")
	}
	s.MarkResult(ep.ID, false)
	if !s.Get(ep.ID).Parked {
		t.Error("two consecutive failures should park")
	}

	if err := s.Unpark(ep.ID); err != nil {
		t.Fatal(err)
	}
	got := s.Get(ep.ID)
	if got.Parked || got.Consecutive != 0 {
		t.Errorf("unpark should clear state: %+v", got)
	}
	if err := s.Unpark("missing"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("unpark unknown: %v", err)
	}
}

func TestRemoveAndRemoveTenant(t *testing.T) {
	s := NewStore(3)
	a, _ := s.Register("t1", "http://a", "", nil)
	s.Register("t1", "http://b", "", nil)
	s.Register("t2", "http://c", "", nil)

	s.Remove(a.ID)
	s.Remove("missing")
	if len(s.ListForTenant("t1")) != 1 {
		t.Errorf("t1 should have 1 endpoint left")
	}

	s.RemoveTenant("t1")
	if len(s.ListForTenant("t1")) != 0 {
		t.Error("t1 endpoints should all be gone")
	}
	if len(s.ListForTenant("t2")) != 1 {
		t.Error("t2 must be untouched")
	}
}
