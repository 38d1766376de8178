package fleet

import (
	"testing"
	"time"

	"github.com/matchserve/fleetd/pkg/domain"
)

func TestMatchStoreAllOrdered(t *testing.T) {
	s := NewMatchStore()
	base := time.Now()
	s.Add(domain.Match{MatchID: "m-b", StartedAt: base})
	s.Add(domain.Match{MatchID: "m-a", StartedAt: base})
	s.Add(domain.Match{MatchID: "m-c", StartedAt: base.Add(-time.Minute)})

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("All returned %d matches, want 3", len(all))
	}
	got := []string{all[0].MatchID, all[1].MatchID, all[2].MatchID}
	want := []string{"m-c", "m-a", "m-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All order = %v, want %v", got, want)
		}
	}
}

func TestMatchStorePurge(t *testing.T) {
	s := NewMatchStore()
	now := time.Now()
	retention := time.Hour

	s.Add(domain.Match{MatchID: "m-live", VMInstanceID: "i-live", StartedAt: now.Add(-2 * time.Hour)})
	s.Add(domain.Match{MatchID: "m-stale", VMInstanceID: "i-gone", StartedAt: now.Add(-2 * time.Hour)})
	s.Add(domain.Match{MatchID: "m-fresh", VMInstanceID: "i-gone", StartedAt: now.Add(-time.Minute)})

	purged := s.Purge(func(id string) bool { return id == "i-live" }, retention, now)
	if purged != 1 {
		t.Fatalf("Purge removed %d, want 1", purged)
	}

	if _, ok := s.Get("m-stale"); ok {
		t.Error("stale match with a gone VM should be purged")
	}
	if _, ok := s.Get("m-live"); !ok {
		t.Error("match on a live VM must survive regardless of age")
	}
	if _, ok := s.Get("m-fresh"); !ok {
		t.Error("recent match must survive the retention window")
	}
}
