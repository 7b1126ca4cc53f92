// Package bifmon detects informational bifurcations in a stream of documents.
//
// # Overview
//
// bifmon scores each ingested document for novelty and flags statistical
// outliers against a rolling baseline. Novelty has two components:
//
//   - Signal: how incompressible the wording is (a Kolmogorov complexity
//     approximation via compression ratio).
//   - Structure: how many new concepts the document forces into a symbolic
//     co-occurrence graph.
//
// # Architecture
//
// The package components:
//
//   - compressor.go - Compression ratio with a Shannon entropy fallback
//   - extractor.go  - Entity extraction (LLM or local frequency) and caching
//   - graph.go      - Symbolic concept graph with accumulated weights
//   - baseline.go   - Rolling window, mean/std baseline, z-score severity
//   - monitor.go    - The orchestrator: one Monitor per analysis session
//   - assertions.go - Test helpers for bifurcation properties
//
// # Quick Start
//
//	m := bifmon.NewMonitor(bifmon.DefaultConfig())
//
//	ev, err := m.ProcessDocument(ctx, "report.txt", text)
//	if err != nil {
//	    log.Fatal(err) // only ErrExtractorUnavailable
//	}
//
//	switch ev.Severity {
//	case bifmon.SeverityStable:
//	    // Within baseline (or still calibrating)
//	case bifmon.SeverityWarning:
//	    log.Printf("WARNING: z = %.2f", ev.ZScore)
//	case bifmon.SeverityCritical:
//	    log.Printf("BIFURCATION: z = %.2f", ev.ZScore)
//	}
//
// # The Bifurcation Index
//
//	index = k × (1 + ln(1 + |Δnodes|))
//
// Where:
//   - k: compressed bytes / original bytes (typically in (0,1])
//   - Δnodes: nodes the document added to the symbolic graph
//
// A document that is both incompressible and structurally new scores highest.
// Redundant text with a large structural delta, or noise that adds no
// structure, both give a moderate index.
//
// # Classification
//
// The index is compared with the previous window (default 10 values):
//
//	z = (index - mean) / std        (0 when std = 0)
//
// Severity by z:
//   - z > threshold × 1.5: critical
//   - z > threshold:       warning (default threshold 2.5)
//   - otherwise:           stable
//
// With fewer than 3 prior values the monitor is calibrating: z is reported
// as 0 and severity as stable.
//
// # Strategies
//
// Compression and extraction are pluggable:
//
//	m := bifmon.NewMonitor(cfg,
//	    bifmon.WithCompressor(bifmon.ZstdCompressor{}),
//	    bifmon.WithExtractor(bifmon.NewCachedExtractor(
//	        bifmon.NewLLMExtractor(completer), 256, 5*time.Minute)),
//	)
//
// LLM failures (transport, timeout, malformed JSON) fall back to the local
// frequency extractor. Compression failures fall back to Shannon entropy.
//
// # Testing
//
//	func TestIngest(t *testing.T) {
//	    m := bifmon.NewMonitor(bifmon.DefaultConfig())
//	    ev, _ := m.ProcessDocument(ctx, "a.txt", text)
//	    bifmon.AssertCalibrating(t, ev)
//	}
//
// # See Also
//
//   - cmd/bifmon - CLI: analyze files, serve the HTTP API, watch a directory
//   - examples/  - Working code samples
package bifmon
