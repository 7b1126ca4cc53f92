package bifmon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Event records the outcome of processing one document. Events are immutable
// once returned.
type Event struct {
	Timestamp         time.Time
	Source            string
	EntropyIndex      float64 // Bifurcation index, >= 0
	ZScore            float64
	Severity          Severity
	Description       string
	ExtractedEntities []string

	KRatio          float64 // Compression ratio of the content
	StructuralDelta int     // Nodes this document added to the graph
	Calibrating     bool    // Baseline had fewer than MinBaseline points
}

type eventJSON struct {
	Timestamp         int64    `json:"timestamp"`
	Source            string   `json:"source"`
	EntropyIndex      float64  `json:"entropyIndex"`
	ZScore            float64  `json:"zScore"`
	Severity          Severity `json:"severity"`
	Description       string   `json:"description"`
	ExtractedEntities []string `json:"extractedEntities"`
	KRatio            float64  `json:"kRatio"`
	StructuralDelta   int      `json:"structuralDelta"`
	Calibrating       bool     `json:"calibrating"`
}

// MarshalJSON renders the timestamp as epoch milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	entities := e.ExtractedEntities
	if entities == nil {
		entities = []string{}
	}
	return json.Marshal(eventJSON{
		Timestamp:         e.Timestamp.UnixMilli(),
		Source:            e.Source,
		EntropyIndex:      e.EntropyIndex,
		ZScore:            e.ZScore,
		Severity:          e.Severity,
		Description:       e.Description,
		ExtractedEntities: entities,
		KRatio:            e.KRatio,
		StructuralDelta:   e.StructuralDelta,
		Calibrating:       e.Calibrating,
	})
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{
		Timestamp:         time.UnixMilli(raw.Timestamp),
		Source:            raw.Source,
		EntropyIndex:      raw.EntropyIndex,
		ZScore:            raw.ZScore,
		Severity:          raw.Severity,
		Description:       raw.Description,
		ExtractedEntities: raw.ExtractedEntities,
		KRatio:            raw.KRatio,
		StructuralDelta:   raw.StructuralDelta,
		Calibrating:       raw.Calibrating,
	}
	return nil
}

// Config holds the constructor-time knobs of a Monitor.
type Config struct {
	WindowSize         int     // Rolling baseline size (default 10)
	CriticalThreshold  float64 // z above this is a warning (default 2.5)
	CriticalMultiplier float64 // z above threshold × multiplier is critical (default 1.5)
	MinBaseline        int     // Prior points before classifying (default 3, minimum 1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	c := DefaultClassifier()
	return Config{
		WindowSize:         DefaultWindowSize,
		CriticalThreshold:  c.CriticalThreshold,
		CriticalMultiplier: c.CriticalMultiplier,
		MinBaseline:        c.MinBaseline,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be >= 1, got %d", c.WindowSize)
	}
	return c.classifier().Validate()
}

func (c Config) classifier() Classifier {
	return Classifier{
		CriticalThreshold:  c.CriticalThreshold,
		CriticalMultiplier: c.CriticalMultiplier,
		MinBaseline:        c.MinBaseline,
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCompressor selects the compression strategy. nil selects the Shannon
// entropy estimator.
func WithCompressor(c Compressor) Option {
	return func(m *Monitor) { m.compressor = c }
}

// WithExtractor selects the entity extraction strategy. nil leaves the monitor
// without one, and ProcessDocument then fails with ErrExtractorUnavailable.
func WithExtractor(e Extractor) Option {
	return func(m *Monitor) { m.extractor = e }
}

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock overrides time.Now for event and node timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor scores documents for informational novelty and flags bifurcations.
//
// Pipeline per document:
//
//	ratio  = compressed / original               (Kolmogorov approximation)
//	Δnodes = new graph nodes from its entities   (structural change)
//	index  = ratio × (1 + ln(1 + |Δnodes|))
//	z      = (index - mean) / std over the previous window
//
// Either factor alone gives a moderate index: pure noise is not critical unless
// it also restructures the graph.
//
// One Monitor belongs to one analysis session. ProcessDocument calls are
// serialized; state reads never wait for an in-flight extraction.
type Monitor struct {
	cfg        Config
	classifier Classifier
	compressor Compressor
	extractor  Extractor
	logger     *slog.Logger
	now        func() time.Time

	procMu sync.Mutex // Serializes ProcessDocument

	mu     sync.RWMutex // Guards the state below
	graph  *SymbolicGraph
	window *Window
	events []Event
}

// NewMonitor creates a monitor. Zero or invalid config values are replaced by
// defaults, so NewMonitor(Config{}) equals NewMonitor(DefaultConfig()).
// The default strategies are DEFLATE compression and frequency extraction.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = def.CriticalThreshold
	}
	if cfg.CriticalMultiplier < 1 {
		cfg.CriticalMultiplier = def.CriticalMultiplier
	}
	if cfg.MinBaseline < 1 {
		cfg.MinBaseline = def.MinBaseline
	}

	m := &Monitor{
		cfg:        cfg,
		classifier: cfg.classifier(),
		compressor: DeflateCompressor{},
		extractor:  FrequencyExtractor{},
		logger:     slog.Default(),
		now:        time.Now,
		graph:      NewSymbolicGraph(),
		window:     NewWindow(cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.graph.now = m.now

	return m
}

// Config returns the monitor's configuration.
func (m *Monitor) Config() Config { return m.cfg }

// ProcessDocument scores content and appends the resulting event.
//
// source is an opaque caller label (a filename or "Manual Text"). The only
// blocking step is entity extraction. The only error is ErrExtractorUnavailable.
func (m *Monitor) ProcessDocument(ctx context.Context, source, content string) (Event, error) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	ratio, err := estimateComplexity(m.compressor, content)
	if err != nil {
		m.logger.Debug("compression unavailable, using shannon entropy",
			"source", source, "error", err)
	}

	if m.extractor == nil {
		return Event{}, ErrExtractorUnavailable
	}
	entities, err := m.extractor.Extract(ctx, content)
	if err != nil {
		if errors.Is(err, ErrExtractorUnavailable) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrExtractorUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delta := m.graph.MergeEntities(entities)
	index := BifurcationIndex(ratio, delta)

	m.window.Push(index)
	values := m.window.Values()
	class := m.classifier.Classify(index, values[:len(values)-1])

	ev := Event{
		Timestamp:         m.now(),
		Source:            source,
		EntropyIndex:      index,
		ZScore:            class.ZScore,
		Severity:          class.Severity,
		Description:       describe(source, class, m.classifier.MinBaseline),
		ExtractedEntities: append([]string(nil), entities...),
		KRatio:            ratio,
		StructuralDelta:   delta,
		Calibrating:       class.Calibrating,
	}
	m.events = append(m.events, ev)

	m.log(ev)
	return ev, nil
}

// BifurcationIndex combines incompressibility and structural change:
// ratio × (1 + ln(1 + |delta|)).
func BifurcationIndex(ratio float64, delta int) float64 {
	return ratio * (1 + math.Log1p(math.Abs(float64(delta))))
}

func describe(source string, c Classification, minBaseline int) string {
	switch c.Severity {
	case SeverityCritical:
		return fmt.Sprintf("BIFURCATION DETECTED in %s: critical phase transition (Z=%.2f)", source, c.ZScore)
	case SeverityWarning:
		return fmt.Sprintf("WARNING in %s: system instability detected (Z=%.2f)", source, c.ZScore)
	}
	if c.Calibrating {
		return fmt.Sprintf("System stable: %s (Z=%.2f, calibrating baseline %d/%d)",
			source, c.ZScore, c.Baseline, minBaseline)
	}
	return fmt.Sprintf("System stable: %s (Z=%.2f)", source, c.ZScore)
}

func (m *Monitor) log(ev Event) {
	attrs := []any{
		"source", ev.Source,
		"index", ev.EntropyIndex,
		"k_ratio", ev.KRatio,
		"delta_nodes", ev.StructuralDelta,
		"z", ev.ZScore,
	}
	switch ev.Severity {
	case SeverityCritical:
		m.logger.Error("bifurcation detected", attrs...)
	case SeverityWarning:
		m.logger.Warn("instability detected", attrs...)
	default:
		m.logger.Debug("document processed", attrs...)
	}
}

// GraphState returns a snapshot of the symbolic graph.
func (m *Monitor) GraphState() GraphState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graph.Snapshot()
}

// Events returns all events, oldest first.
func (m *Monitor) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, len(m.events))
	for i, ev := range m.events {
		ev.ExtractedEntities = append([]string(nil), ev.ExtractedEntities...)
		out[i] = ev
	}
	return out
}

// EntropyHistory returns the rolling window of indices, oldest first.
func (m *Monitor) EntropyHistory() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window.Values()
}

// Clear resets the graph, the rolling window and the event log so that a new
// batch is not biased by a stale baseline. It waits for an in-flight
// ProcessDocument, whose event is discarded along with the rest.
func (m *Monitor) Clear() {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.graph.Clear()
	m.window.Reset()
	m.events = nil
}
