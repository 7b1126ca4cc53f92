// Package app assembles monitors from the service configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/lmittmann/tint"

	"github.com/alexshd/bifmon"
	"github.com/alexshd/bifmon/internal/config"
	"github.com/alexshd/bifmon/internal/llm"
)

// NewLogger returns the console logger: tint for humans, JSON when asJSON.
func NewLogger(w io.Writer, level slog.Level, asJSON bool) *slog.Logger {
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
}

// Factory builds Monitors that share one compressor and one extractor chain.
// Each Monitor keeps its own graph, window and events.
type Factory struct {
	cfg        bifmon.Config
	compressor bifmon.Compressor
	extractor  bifmon.Extractor
	logger     *slog.Logger
	provider   string
}

// New resolves the compressor and the extraction chain:
//
//	CachedExtractor -> LLMExtractor -> Breaker -> provider
//	                        \-> FrequencyExtractor (fallback)
//
// With provider "none" the chain is CachedExtractor -> FrequencyExtractor.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	compressor, err := bifmon.CompressorByName(cfg.Compressor)
	if err != nil {
		return nil, err
	}

	completer, err := llm.New(ctx, llm.Config{
		Provider:  cfg.Extraction.Provider,
		Model:     cfg.Extraction.Model,
		APIKey:    cfg.Extraction.APIKey,
		BaseURL:   cfg.Extraction.BaseURL,
		MaxTokens: cfg.Extraction.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure extraction: %w", err)
	}

	var extractor bifmon.Extractor = bifmon.FrequencyExtractor{}
	if completer != nil {
		if cfg.Extraction.Breaker {
			completer = llm.NewBreaker(completer, llm.DefaultBreakerConfig(cfg.Extraction.Provider), logger)
		}
		extractor = bifmon.NewLLMExtractor(completer,
			bifmon.WithTimeout(cfg.Extraction.Timeout),
			bifmon.WithExtractorLogger(logger),
		)
	}
	extractor = bifmon.NewCachedExtractor(extractor, cfg.Extraction.CacheSize, cfg.Extraction.CacheTTL)

	logger.Debug("monitor factory ready",
		"compressor", cfg.Compressor,
		"provider", cfg.Extraction.Provider,
		"window", cfg.Monitor.WindowSize)

	return &Factory{
		cfg:        cfg.MonitorConfig(),
		compressor: compressor,
		extractor:  extractor,
		logger:     logger,
		provider:   cfg.Extraction.Provider,
	}, nil
}

// NewMonitor creates a fresh monitor for one analysis session.
func (f *Factory) NewMonitor(attrs ...any) *bifmon.Monitor {
	return bifmon.NewMonitor(f.cfg,
		bifmon.WithCompressor(f.compressor),
		bifmon.WithExtractor(f.extractor),
		bifmon.WithLogger(f.logger.With(attrs...)),
	)
}

// Provider returns the configured extraction provider name.
func (f *Factory) Provider() string { return f.provider }

// Compressor returns the shared compression strategy, nil for Shannon entropy.
func (f *Factory) Compressor() bifmon.Compressor { return f.compressor }
