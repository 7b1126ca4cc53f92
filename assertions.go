package bifmon

import (
	"fmt"
	"testing"
	"unicode/utf8"
)

// AssertSeverity verifies an event was classified as want.
func AssertSeverity(t testing.TB, ev Event, want Severity) {
	t.Helper()

	if ev.Severity != want {
		t.Errorf("Severity mismatch for %q: got %s, want %s\n"+
			"  index=%.4f z=%.4f k=%.4f Δnodes=%d\n"+
			"  %s",
			ev.Source, ev.Severity, want,
			ev.EntropyIndex, ev.ZScore, ev.KRatio, ev.StructuralDelta,
			ev.Description)
		return
	}

	t.Logf("✓ %s: %s (index=%.4f, z=%.2f)", ev.Source, ev.Severity, ev.EntropyIndex, ev.ZScore)
}

// AssertCalibrating verifies an event was produced before the baseline had
// enough points: stable severity and a zero z-score.
func AssertCalibrating(t testing.TB, ev Event) {
	t.Helper()

	if !ev.Calibrating {
		t.Errorf("Expected %q to be calibrating, baseline was already active (z=%.4f)", ev.Source, ev.ZScore)
	}
	if ev.Severity != SeverityStable {
		t.Errorf("Calibrating event %q must be stable, got %s", ev.Source, ev.Severity)
	}
	if ev.ZScore != 0 {
		t.Errorf("Calibrating event %q must have z=0, got %.4f", ev.Source, ev.ZScore)
	}
}

// AssertGraphGrowth verifies that merging n entities moved the graph from
// before to after within the structural bounds: at most n new nodes and at
// most max(0, n-1) new edges.
func AssertGraphGrowth(t testing.TB, before, after GraphState, n int) {
	t.Helper()

	maxEdges := n - 1
	if maxEdges < 0 {
		maxEdges = 0
	}

	dn := len(after.Nodes) - len(before.Nodes)
	de := len(after.Edges) - len(before.Edges)

	if dn < 0 || dn > n {
		t.Errorf("Node growth out of bounds: Δnodes=%d for %d entities", dn, n)
	}
	if de < 0 || de > maxEdges {
		t.Errorf("Edge growth out of bounds: Δedges=%d for %d entities (max %d)", de, n, maxEdges)
	}
}

// AssertCleared verifies a monitor holds no graph, history or events.
func AssertCleared(t testing.TB, m *Monitor) {
	t.Helper()

	g := m.GraphState()
	if len(g.Nodes) != 0 || len(g.Edges) != 0 {
		t.Errorf("Expected empty graph, got %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	}
	if h := m.EntropyHistory(); len(h) != 0 {
		t.Errorf("Expected empty entropy history, got %v", h)
	}
	if ev := m.Events(); len(ev) != 0 {
		t.Errorf("Expected empty event history, got %d events", len(ev))
	}
}

// PrintEvents logs a compact table of a monitor's events.
func PrintEvents(t testing.TB, events []Event) {
	t.Helper()

	t.Log("\n=== Bifurcation Events ===")
	t.Logf("%-24s %-9s %8s %8s %8s %6s", "source", "severity", "k", "index", "z", "Δnodes")
	for _, ev := range events {
		t.Logf("%-24s %-9s %8.4f %8.4f %8.2f %6d",
			truncate(ev.Source, 24), ev.Severity, ev.KRatio, ev.EntropyIndex, ev.ZScore, ev.StructuralDelta)
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return fmt.Sprintf("%s…", string(r[:n-1]))
}
