package metrics

import (
	"testing"
	"time"
)

func TestTokenTracker_RecordAccumulatesPerDomain(t *testing.T) {
	tr := NewTokenTracker()
	tr.Record("acme", Event{InputTokens: 10, OutputTokens: 5, ToolCallCount: 1, Timestamp: time.Now()})
	tr.Record("acme", Event{InputTokens: 3, OutputTokens: 2, Timestamp: time.Now()})
	tr.Record("globex", Event{InputTokens: 100, OutputTokens: 50, Timestamp: time.Now()})

	totals := tr.Totals()
	if len(totals) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(totals))
	}
	// sorted descending by input+output: globex (150) before acme (20)
	if totals[0].Domain != "globex" || totals[0].InputTokens != 100 || totals[0].OutputTokens != 50 {
		t.Fatalf("unexpected leading totals: %+v", totals[0])
	}
	if totals[1].Domain != "acme" || totals[1].InputTokens != 13 || totals[1].OutputTokens != 7 {
		t.Fatalf("unexpected acme totals: %+v", totals[1])
	}
	if totals[1].ToolCalls != 1 {
		t.Fatalf("expected 1 tool call recorded, got %d", totals[1].ToolCalls)
	}
}

func TestTokenTracker_QueryEvaluationCountedSeparately(t *testing.T) {
	tr := NewTokenTracker()
	tr.Record("acme", Event{Type: "query_evaluation", InputTokens: 1, Timestamp: time.Now()})
	tr.Record("acme", Event{Type: "inference", InputTokens: 1, Timestamp: time.Now()})

	totals := tr.Totals()
	if len(totals) != 1 {
		t.Fatalf("expected 1 domain, got %d", len(totals))
	}
	if totals[0].QueryEval != 1 || totals[0].Inference != 1 {
		t.Fatalf("expected 1 query-eval and 1 inference, got %+v", totals[0])
	}
}

func TestTokenTracker_TotalsForWindowExcludesOlderBuckets(t *testing.T) {
	tr := NewTokenTracker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	tr.Record("acme", Event{InputTokens: 10, Timestamp: base.Add(-2 * time.Hour)})
	tr.Record("acme", Event{InputTokens: 20, Timestamp: base})

	recent := tr.TotalsForWindow(time.Hour)
	if len(recent) != 1 {
		t.Fatalf("expected 1 domain in window, got %d", len(recent))
	}
	if recent[0].InputTokens != 20 {
		t.Fatalf("expected only the recent bucket's 20 tokens, got %d", recent[0].InputTokens)
	}

	all := tr.Totals()
	if all[0].InputTokens != 30 {
		t.Fatalf("expected cumulative total of 30, got %d", all[0].InputTokens)
	}
}

func TestTokenTracker_RecordIgnoresEmptyDomain(t *testing.T) {
	tr := NewTokenTracker()
	tr.Record("", Event{InputTokens: 99})
	if len(tr.Totals()) != 0 {
		t.Fatal("expected empty-domain events to be dropped")
	}
}
