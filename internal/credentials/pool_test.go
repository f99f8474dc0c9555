package credentials

import "testing"

func TestPoolTracker_Sticky(t *testing.T) {
	tr := NewPoolTracker()
	pool := PoolCredential{PoolID: "p1", AccountIDs: []string{"a", "b", "c"}, Strategy: StrategySticky}
	first, err := tr.Pick(pool)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := tr.Pick(pool)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if got != first {
			t.Fatalf("expected sticky strategy to keep returning %q, got %q", first, got)
		}
	}
}

func TestPoolTracker_RoundRobin(t *testing.T) {
	tr := NewPoolTracker()
	pool := PoolCredential{PoolID: "p1", AccountIDs: []string{"a", "b", "c"}, Strategy: StrategyRoundRobin}
	seq := make([]string, 6)
	for i := range seq {
		got, err := tr.Pick(pool)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		seq[i] = got
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("round-robin sequence mismatch at %d: got %v, want %v", i, seq, want)
		}
	}
}

func TestPoolTracker_LeastUsed(t *testing.T) {
	tr := NewPoolTracker()
	pool := PoolCredential{PoolID: "p1", AccountIDs: []string{"a", "b"}, Strategy: StrategyLeastUsed}

	picked := make(map[string]int)
	for i := 0; i < 4; i++ {
		got, err := tr.Pick(pool)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		picked[got]++
	}
	if picked["a"] != 2 || picked["b"] != 2 {
		t.Fatalf("expected even distribution across accounts, got %#v", picked)
	}
}

func TestPoolTracker_EmptyPoolErrors(t *testing.T) {
	tr := NewPoolTracker()
	if _, err := tr.Pick(PoolCredential{PoolID: "empty"}); err == nil {
		t.Fatal("expected error for empty pool")
	}
}
