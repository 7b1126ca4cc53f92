package bifmon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestMonitor(opts ...Option) *Monitor {
	t0 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return t0 }
	return NewMonitor(DefaultConfig(), append([]Option{WithLogger(quietLogger), WithClock(clock)}, opts...)...)
}

func TestMonitor_BoilerplateThenNovelty(t *testing.T) {
	m := newTestMonitor()
	ctx := context.Background()

	// Near-identical boilerplate builds a tight baseline with no new structure.
	for i, n := range []int{200, 210, 220} {
		ev, err := m.ProcessDocument(ctx, fmt.Sprintf("boiler-%d.txt", i), strings.Repeat("the ", n))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		AssertCalibrating(t, ev)
		if ev.StructuralDelta != 0 {
			t.Errorf("Boilerplate should add no nodes, got Δ=%d", ev.StructuralDelta)
		}
		if ev.KRatio >= 0.1 {
			t.Errorf("Boilerplate should compress well, got k=%.4f", ev.KRatio)
		}
	}

	ev, err := m.ProcessDocument(ctx, "novel.txt", randomText(99, 300))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if ev.Calibrating {
		t.Fatal("Fourth document must be classified against the baseline")
	}
	if ev.ZScore <= 0 {
		t.Errorf("Expected positive z, got %.4f", ev.ZScore)
	}
	if ev.Severity == SeverityStable {
		t.Errorf("Expected warning or critical, got %s (z=%.2f)", ev.Severity, ev.ZScore)
	}
	if ev.StructuralDelta == 0 || ev.StructuralDelta > MaxEntities {
		t.Errorf("Expected 1..%d new nodes, got %d", MaxEntities, ev.StructuralDelta)
	}
	if ev.Severity == SeverityCritical && !strings.HasPrefix(ev.Description, "BIFURCATION DETECTED in novel.txt") {
		t.Errorf("Unexpected description: %s", ev.Description)
	}

	PrintEvents(t, m.Events())
}

func TestMonitor_IdenticalDocumentsStayStable(t *testing.T) {
	m := newTestMonitor()
	ctx := context.Background()
	text := "Identical report about wheat harvests and rainfall in the region."

	for i := 0; i < 6; i++ {
		ev, err := m.ProcessDocument(ctx, "same.txt", text)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		AssertSeverity(t, ev, SeverityStable)
		if i >= 3 && ev.Calibrating {
			t.Errorf("Document %d should no longer be calibrating", i)
		}
		// Only the first document added nodes, so later indices sit at or below the mean.
		if i >= 3 && ev.ZScore > 0 {
			t.Errorf("Document %d: expected z <= 0, got %.4f", i, ev.ZScore)
		}
	}
}

func TestMonitor_IndexMatchesComponents(t *testing.T) {
	m := newTestMonitor()
	ev, err := m.ProcessDocument(context.Background(), "doc", "Irrigation subsidies reshaped provincial agriculture markets")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := BifurcationIndex(ev.KRatio, ev.StructuralDelta)
	if ev.EntropyIndex != want {
		t.Errorf("Expected index %.6f, got %.6f", want, ev.EntropyIndex)
	}
	if ev.EntropyIndex < 0 {
		t.Errorf("Index must be non-negative, got %.4f", ev.EntropyIndex)
	}
	if got := len(m.GraphState().Nodes); got != ev.StructuralDelta {
		t.Errorf("First document Δ=%d but graph holds %d nodes", ev.StructuralDelta, got)
	}
}

func TestBifurcationIndex(t *testing.T) {
	if got := BifurcationIndex(0.5, 0); got != 0.5 {
		t.Errorf("Zero delta must leave ratio unchanged, got %.4f", got)
	}
	if BifurcationIndex(0.5, 10) <= BifurcationIndex(0.5, 1) {
		t.Error("Index must grow with structural delta")
	}
	if BifurcationIndex(0.5, -3) != BifurcationIndex(0.5, 3) {
		t.Error("Index must use |delta|")
	}
}

func TestMonitor_WindowEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 4
	m := NewMonitor(cfg, WithLogger(quietLogger))

	for i := 0; i < 9; i++ {
		if _, err := m.ProcessDocument(context.Background(), "doc", strings.Repeat("x", 10+i)); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(m.EntropyHistory()); got != 4 {
		t.Errorf("Expected history bounded at 4, got %d", got)
	}
	if got := len(m.Events()); got != 9 {
		t.Errorf("Expected all 9 events kept, got %d", got)
	}
}

func TestMonitor_ClearEqualsFresh(t *testing.T) {
	docs := []string{
		"Coastal fisheries report a sharp decline in anchovy catches.",
		"Anchovy catches decline again; fishmeal exports collapse.",
		"Central bank raises rates amid currency pressure.",
		randomText(5, 120),
	}

	run := func(m *Monitor) []Event {
		for i, d := range docs {
			if _, err := m.ProcessDocument(context.Background(), fmt.Sprintf("d%d", i), d); err != nil {
				t.Fatal(err)
			}
		}
		return m.Events()
	}

	reused := newTestMonitor()
	run(reused)
	reused.Clear()
	AssertCleared(t, reused)

	got := run(reused)
	want := run(newTestMonitor())

	if !reflect.DeepEqual(got, want) {
		t.Errorf("Cleared monitor diverged from a fresh one:\n got  %+v\n want %+v", got, want)
	}
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) ([]string, error) {
	return nil, errors.New("upstream 502")
}

func TestMonitor_ExtractorUnavailable(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"nil extractor", WithExtractor(nil)},
		{"failing extractor", WithExtractor(failingExtractor{})},
		{"llm without fallback", WithExtractor(NewLLMExtractor(&stubCompleter{err: errors.New("dns")},
			WithFallback(nil), WithExtractorLogger(quietLogger)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(tt.opt)

			_, err := m.ProcessDocument(context.Background(), "doc", "some document text")
			if !errors.Is(err, ErrExtractorUnavailable) {
				t.Fatalf("Expected ErrExtractorUnavailable, got %v", err)
			}
			AssertCleared(t, m)
		})
	}
}

func TestMonitor_LLMFailureRecovered(t *testing.T) {
	x := NewLLMExtractor(&stubCompleter{err: errors.New("timeout")}, WithExtractorLogger(quietLogger))
	m := newTestMonitor(WithExtractor(x))

	ev, err := m.ProcessDocument(context.Background(), "doc", "monsoon monsoon flooding")
	if err != nil {
		t.Fatalf("Network failure must be recovered, got %v", err)
	}
	if !reflect.DeepEqual(ev.ExtractedEntities, []string{"monsoon", "flooding"}) {
		t.Errorf("Expected frequency fallback entities, got %v", ev.ExtractedEntities)
	}
}

func TestMonitor_ShannonStrategy(t *testing.T) {
	m := newTestMonitor(WithCompressor(nil))
	text := "shannon entropy estimator"

	ev, err := m.ProcessDocument(context.Background(), "doc", text)
	if err != nil {
		t.Fatal(err)
	}
	if ev.KRatio != ShannonEntropy(text) {
		t.Errorf("Expected k=%.6f, got %.6f", ShannonEntropy(text), ev.KRatio)
	}
}

func TestMonitor_EmptyDocument(t *testing.T) {
	m := newTestMonitor()

	ev, err := m.ProcessDocument(context.Background(), "empty", "")
	if err != nil {
		t.Fatal(err)
	}
	if ev.EntropyIndex != 0 || ev.StructuralDelta != 0 {
		t.Errorf("Expected zero index for empty input, got %.4f (Δ=%d)", ev.EntropyIndex, ev.StructuralDelta)
	}
	if ev.ExtractedEntities == nil {
		b, _ := json.Marshal(ev)
		if !strings.Contains(string(b), `"extractedEntities":[]`) {
			t.Errorf("Expected empty entity array in JSON, got %s", b)
		}
	}
}

func TestMonitor_EventsReturnsCopy(t *testing.T) {
	m := newTestMonitor()
	if _, err := m.ProcessDocument(context.Background(), "doc", "granary granary"); err != nil {
		t.Fatal(err)
	}

	events := m.Events()
	events[0].Source = "tampered"
	events[0].ExtractedEntities[0] = "tampered"

	again := m.Events()
	if again[0].Source != "doc" {
		t.Errorf("Events slice mutation leaked: %s", again[0].Source)
	}
	if again[0].ExtractedEntities[0] != "granary" {
		t.Errorf("Entity slice mutation leaked: %v", again[0].ExtractedEntities)
	}
}

func TestMonitor_ConcurrentProcessing(t *testing.T) {
	m := NewMonitor(DefaultConfig(), WithLogger(quietLogger))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := m.ProcessDocument(context.Background(), fmt.Sprintf("w%d", i), randomText(int64(i*10+j), 30))
				if err != nil {
					t.Error(err)
				}
				_ = m.GraphState()
				_ = m.EntropyHistory()
			}
		}(i)
	}
	wg.Wait()

	if got := len(m.Events()); got != 40 {
		t.Errorf("Expected 40 events, got %d", got)
	}
	if got := len(m.EntropyHistory()); got != DefaultWindowSize {
		t.Errorf("Expected full window of %d, got %d", DefaultWindowSize, got)
	}
}

func TestEvent_JSONShape(t *testing.T) {
	ev := Event{
		Timestamp:    time.UnixMilli(1717232400000),
		Source:       "report.md",
		EntropyIndex: 1.25,
		ZScore:       3.1,
		Severity:     SeverityWarning,
		Description:  "WARNING in report.md: system instability detected (Z=3.10)",
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"timestamp", "source", "entropyIndex", "zScore", "severity", "description", "extractedEntities"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("Missing JSON key %q in %s", key, b)
		}
	}
	if raw["timestamp"].(float64) != 1717232400000 {
		t.Errorf("Expected epoch milliseconds, got %v", raw["timestamp"])
	}
	if raw["severity"] != "warning" {
		t.Errorf("Expected lowercase severity, got %v", raw["severity"])
	}
}

func TestNewMonitor_ZeroConfigUsesDefaults(t *testing.T) {
	m := NewMonitor(Config{}, WithLogger(quietLogger))
	if m.Config() != DefaultConfig() {
		t.Errorf("Expected %+v, got %+v", DefaultConfig(), m.Config())
	}
	if err := m.Config().Validate(); err != nil {
		t.Errorf("Effective config must validate: %v", err)
	}
}

// gatedExtractor blocks until release is closed.
type gatedExtractor struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	close(g.entered)
	<-g.release
	return []string{"drought", "migration"}, nil
}

func TestMonitor_ClearWaitsForInFlightDocument(t *testing.T) {
	g := &gatedExtractor{entered: make(chan struct{}), release: make(chan struct{})}
	m := newTestMonitor(WithExtractor(g))

	processed := make(chan error, 1)
	go func() {
		_, err := m.ProcessDocument(context.Background(), "old", "drought drives migration")
		processed <- err
	}()
	<-g.entered

	cleared := make(chan struct{})
	go func() {
		m.Clear()
		close(cleared)
	}()

	select {
	case <-cleared:
		t.Fatal("Clear returned while a document was still being processed")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	if err := <-processed; err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	<-cleared

	AssertCleared(t, m)
}
