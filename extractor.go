package bifmon

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MaxEntities bounds the number of entities any extractor returns.
const MaxEntities = 20

// minTokenRunes is the shortest token the frequency extractor keeps.
const minTokenRunes = 5

var (
	// ErrExtractorUnavailable signals that neither the network path nor a local
	// fallback could produce entities. It is the only error ProcessDocument returns.
	ErrExtractorUnavailable = errors.New("entity extraction unavailable")

	// ErrNoEntityArray means a completion contained no parseable JSON array.
	ErrNoEntityArray = errors.New("no JSON array in completion")
)

// Extractor turns raw text into an ordered list of at most MaxEntities salient
// tokens or entities.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// Completer is the text-generation collaborator used by LLMExtractor.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// FrequencyExtractor is the deterministic, network-free strategy.
//
// Text is lower-cased, every rune that is not a letter, digit or underscore
// becomes a space, tokens shorter than 5 characters are dropped, and the 20
// most frequent tokens are returned (ties broken by first appearance).
type FrequencyExtractor struct{}

// Extract never returns an error.
func (FrequencyExtractor) Extract(_ context.Context, text string) ([]string, error) {
	return FrequentTokens(text, MaxEntities), nil
}

// FrequentTokens returns up to limit tokens ordered by descending frequency.
func FrequentTokens(text string, limit int) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return ' '
	}, strings.ToLower(text))

	counts := make(map[string]int)
	var order []string
	for _, tok := range strings.Fields(cleaned) {
		if utf8.RuneCountInString(tok) < minTokenRunes {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}

	// order is first-appearance order; a stable sort keeps it for ties.
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	if limit >= 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}

// extractionPrompt is the system instruction sent with every document.
const extractionPrompt = `You are an entity extraction system. Extract key concepts, entities, and important terms from the text.
Return ONLY a JSON array of strings, nothing else. Maximum 20 entities.
Example: ["entity1", "entity2", "entity3"]`

// DefaultExtractionTimeout bounds a single LLM extraction call.
const DefaultExtractionTimeout = 30 * time.Second

// LLMExtractor asks a Completer for a JSON array of entities.
//
// Any failure of the network step is recovered by the fallback extractor.
// Without a fallback the failure is returned wrapped in ErrExtractorUnavailable.
type LLMExtractor struct {
	completer Completer
	fallback  Extractor
	timeout   time.Duration
	logger    *slog.Logger
}

// LLMOption configures an LLMExtractor.
type LLMOption func(*LLMExtractor)

// WithFallback replaces the default FrequencyExtractor fallback. Passing nil
// disables local recovery.
func WithFallback(e Extractor) LLMOption {
	return func(x *LLMExtractor) { x.fallback = e }
}

// WithTimeout bounds each completion call. Zero disables the bound.
func WithTimeout(d time.Duration) LLMOption {
	return func(x *LLMExtractor) { x.timeout = d }
}

// WithExtractorLogger sets the logger used to report recovered failures.
func WithExtractorLogger(l *slog.Logger) LLMOption {
	return func(x *LLMExtractor) { x.logger = l }
}

// NewLLMExtractor creates an extractor backed by c, falling back to
// FrequencyExtractor.
func NewLLMExtractor(c Completer, opts ...LLMOption) *LLMExtractor {
	x := &LLMExtractor{
		completer: c,
		fallback:  FrequencyExtractor{},
		timeout:   DefaultExtractionTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract implements Extractor.
func (x *LLMExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	entities, _, err := x.ExtractDetailed(ctx, text)
	return entities, err
}

// ExtractDetailed is Extract that also reports whether the result came from
// the local fallback rather than the completer.
func (x *LLMExtractor) ExtractDetailed(ctx context.Context, text string) (entities []string, fellBack bool, err error) {
	entities, err = x.extractRemote(ctx, text)
	if err == nil {
		return entities, false, nil
	}

	if x.fallback == nil {
		return nil, false, fmt.Errorf("%w: %v", ErrExtractorUnavailable, err)
	}

	x.logger.Warn("entity extraction failed, using local fallback", "error", err)
	entities, err = x.fallback.Extract(ctx, text)
	return entities, true, err
}

// detailedExtractor is implemented by extractors that can recover from
// failures with a degraded result.
type detailedExtractor interface {
	ExtractDetailed(ctx context.Context, text string) ([]string, bool, error)
}

func (x *LLMExtractor) extractRemote(ctx context.Context, text string) ([]string, error) {
	if x.completer == nil {
		return nil, errors.New("no completer configured")
	}

	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	reply, err := x.completer.Complete(ctx, extractionPrompt, text)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	entities, err := ParseEntityArray(reply)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrNoEntityArray)
	}
	return entities, nil
}

// ParseEntityArray locates the first syntactically valid JSON array in s that
// holds at least one string, ignoring surrounding prose, and returns its string
// elements trimmed and capped at MaxEntities. Non-string elements are skipped.
// Valid arrays without strings yield an empty result; no array at all yields
// ErrNoEntityArray.
func ParseEntityArray(s string) ([]string, error) {
	found := false
	for i := 0; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}

		var raw []json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err != nil {
			continue
		}
		found = true

		entities := make([]string, 0, len(raw))
		for _, elem := range raw {
			var str string
			if err := json.Unmarshal(elem, &str); err != nil {
				continue
			}
			if str = strings.TrimSpace(str); str != "" {
				entities = append(entities, str)
			}
			if len(entities) == MaxEntities {
				break
			}
		}
		if len(entities) > 0 {
			return entities, nil
		}
	}

	if found {
		return []string{}, nil
	}
	return nil, ErrNoEntityArray
}

// Default cache parameters, matching the dashboard's five minute result cache.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 5 * time.Minute
)

// CachedExtractor memoizes successful extractions keyed by the SHA-256 of the
// text. Failed extractions are not cached, and neither are fallback results
// from an LLMExtractor, so the next call retries the completer.
type CachedExtractor struct {
	next  Extractor
	cache *expirable.LRU[[sha256.Size]byte, []string]
}

// NewCachedExtractor wraps next with an expiring LRU cache.
func NewCachedExtractor(next Extractor, size int, ttl time.Duration) *CachedExtractor {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedExtractor{
		next:  next,
		cache: expirable.NewLRU[[sha256.Size]byte, []string](size, nil, ttl),
	}
}

// Extract implements Extractor.
func (c *CachedExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	key := sha256.Sum256([]byte(text))
	if hit, ok := c.cache.Get(key); ok {
		return append([]string(nil), hit...), nil
	}

	var (
		entities []string
		fellBack bool
		err      error
	)
	if d, ok := c.next.(detailedExtractor); ok {
		entities, fellBack, err = d.ExtractDetailed(ctx, text)
	} else {
		entities, err = c.next.Extract(ctx, text)
	}
	if err != nil {
		return nil, err
	}

	if !fellBack {
		c.cache.Add(key, append([]string(nil), entities...))
	}
	return entities, nil
}

// Len reports the number of cached extractions.
func (c *CachedExtractor) Len() int {
	return c.cache.Len()
}
