package bifmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestFrequentTokens_Ordering(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "by frequency",
			text: "Delta alpha gamma alpha gamma gamma",
			want: []string{"gamma", "alpha", "delta"},
		},
		{
			name: "ties by first appearance",
			text: "omega sigma omega sigma theta",
			want: []string{"omega", "sigma", "theta"},
		},
		{
			name: "short tokens dropped",
			text: "the cat sat on the mat with a hat",
			want: nil,
		},
		{
			name: "punctuation splits tokens",
			text: "drought,inflation;drought!",
			want: []string{"drought", "inflation"},
		},
		{
			name: "non-ascii letters kept",
			text: "Economía ECONOMÍA sequía",
			want: []string{"economía", "sequía"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FrequentTokens(tt.text, MaxEntities)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFrequencyExtractor_CapsAtMaxEntities(t *testing.T) {
	var words []string
	for i := 0; i < 30; i++ {
		words = append(words, fmt.Sprintf("token%02d", i))
	}

	got, err := FrequencyExtractor{}.Extract(context.Background(), strings.Join(words, " "))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != MaxEntities {
		t.Fatalf("Expected %d entities, got %d", MaxEntities, len(got))
	}
	if got[0] != "token00" || got[19] != "token19" {
		t.Errorf("Expected first-appearance order for equal counts, got %v", got)
	}
}

func TestParseEntityArray(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    []string
		wantErr bool
	}{
		{
			name:  "bare array",
			reply: `["inflation", "drought"]`,
			want:  []string{"inflation", "drought"},
		},
		{
			name:  "surrounded by prose",
			reply: "Sure! Here are the entities:\n```json\n[\"soy exports\", \"peso\"]\n```\nLet me know.",
			want:  []string{"soy exports", "peso"},
		},
		{
			name:  "skips invalid and non-string arrays",
			reply: `See [note] and [1, 2]: [" rain ", 3, "", "harvest"]`,
			want:  []string{"rain", "harvest"},
		},
		{
			name:    "unterminated array",
			reply:   `["a", "b"`,
			wantErr: true,
		},
		{
			name:    "no array",
			reply:   "I could not find any entities.",
			wantErr: true,
		},
		{
			name:  "valid but empty",
			reply: `[]`,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntityArray(tt.reply)
			if tt.wantErr {
				if !errors.Is(err, ErrNoEntityArray) {
					t.Errorf("Expected ErrNoEntityArray, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseEntityArray_Cap(t *testing.T) {
	items := make([]string, 30)
	for i := range items {
		items[i] = fmt.Sprintf("%q", fmt.Sprintf("e%d", i))
	}

	got, err := ParseEntityArray("[" + strings.Join(items, ",") + "]")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != MaxEntities {
		t.Errorf("Expected %d entities, got %d", MaxEntities, len(got))
	}
}

type stubCompleter struct {
	reply string
	err   error
	block bool
	calls atomic.Int32
}

func (s *stubCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.reply, s.err
}

func TestLLMExtractor_Success(t *testing.T) {
	c := &stubCompleter{reply: `Entities: ["Banco Central", "inflación"]`}
	x := NewLLMExtractor(c, WithExtractorLogger(quietLogger))

	got, err := x.Extract(context.Background(), "irrelevant")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []string{"Banco Central", "inflación"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestLLMExtractor_FallsBack(t *testing.T) {
	text := "harvest harvest rainfall"
	want := FrequentTokens(text, MaxEntities)

	tests := []struct {
		name string
		c    *stubCompleter
		opts []LLMOption
	}{
		{"transport error", &stubCompleter{err: errors.New("503 service unavailable")}, nil},
		{"malformed reply", &stubCompleter{reply: `["harvest"`}, nil},
		{"empty array", &stubCompleter{reply: `[]`}, nil},
		{"timeout", &stubCompleter{block: true}, []LLMOption{WithTimeout(10 * time.Millisecond)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]LLMOption{WithExtractorLogger(quietLogger)}, tt.opts...)
			x := NewLLMExtractor(tt.c, opts...)

			got, err := x.Extract(context.Background(), text)
			if err != nil {
				t.Fatalf("Failure must be recovered locally, got %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Expected fallback result %v, got %v", want, got)
			}
		})
	}
}

func TestLLMExtractor_NoFallback(t *testing.T) {
	x := NewLLMExtractor(&stubCompleter{err: errors.New("network down")},
		WithFallback(nil), WithExtractorLogger(quietLogger))

	_, err := x.Extract(context.Background(), "anything")
	if !errors.Is(err, ErrExtractorUnavailable) {
		t.Errorf("Expected ErrExtractorUnavailable, got %v", err)
	}
}

func TestLLMExtractor_NilCompleterUsesFallback(t *testing.T) {
	x := NewLLMExtractor(nil, WithExtractorLogger(quietLogger))

	got, err := x.Extract(context.Background(), "pampas pampas")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "pampas" {
		t.Errorf("Expected [pampas], got %v", got)
	}
}

type countingExtractor struct {
	calls atomic.Int32
	err   error
}

func (c *countingExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return FrequentTokens(text, MaxEntities), nil
}

func TestCachedExtractor(t *testing.T) {
	inner := &countingExtractor{}
	x := NewCachedExtractor(inner, 8, time.Minute)
	ctx := context.Background()

	first, _ := x.Extract(ctx, "climate climate economy")
	first[0] = "mutated"
	second, _ := x.Extract(ctx, "climate climate economy")

	if inner.calls.Load() != 1 {
		t.Errorf("Expected 1 underlying call, got %d", inner.calls.Load())
	}
	if second[0] != "climate" {
		t.Errorf("Cached result leaked a caller mutation: %v", second)
	}
	if x.Len() != 1 {
		t.Errorf("Expected 1 cached entry, got %d", x.Len())
	}

	_, _ = x.Extract(ctx, "culture culture")
	if inner.calls.Load() != 2 {
		t.Errorf("Expected a miss for new text, got %d calls", inner.calls.Load())
	}
}

func TestCachedExtractor_ErrorsNotCached(t *testing.T) {
	inner := &countingExtractor{err: ErrExtractorUnavailable}
	x := NewCachedExtractor(inner, 0, 0)

	for i := 0; i < 2; i++ {
		if _, err := x.Extract(context.Background(), "same text"); err == nil {
			t.Fatal("Expected error")
		}
	}
	if inner.calls.Load() != 2 {
		t.Errorf("Errors must not be cached: expected 2 calls, got %d", inner.calls.Load())
	}
}

// flakyCompleter fails its first call and succeeds afterwards.
type flakyCompleter struct {
	calls atomic.Int32
}

func (f *flakyCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if f.calls.Add(1) == 1 {
		return "", errors.New("503 service unavailable")
	}
	return `["Banco Central"]`, nil
}

func TestCachedExtractor_FallbackNotCached(t *testing.T) {
	c := &flakyCompleter{}
	x := NewCachedExtractor(NewLLMExtractor(c, WithExtractorLogger(quietLogger)), 0, 0)
	ctx := context.Background()
	text := "monsoon flooding monsoon flooding"

	first, err := x.Extract(ctx, text)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if want := FrequentTokens(text, MaxEntities); !reflect.DeepEqual(first, want) {
		t.Errorf("Expected fallback result %v, got %v", want, first)
	}
	if x.Len() != 0 {
		t.Errorf("Fallback result must not be cached, got %d entries", x.Len())
	}

	second, err := x.Extract(ctx, text)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if want := []string{"Banco Central"}; !reflect.DeepEqual(second, want) {
		t.Errorf("Expected completer result %v after recovery, got %v", want, second)
	}
	if c.calls.Load() != 2 {
		t.Errorf("Expected the completer to be retried, got %d calls", c.calls.Load())
	}

	if _, err := x.Extract(ctx, text); err != nil {
		t.Fatal(err)
	}
	if c.calls.Load() != 2 {
		t.Errorf("Completer result must be cached, got %d calls", c.calls.Load())
	}
}

func TestLLMExtractor_ExtractDetailed(t *testing.T) {
	ok := NewLLMExtractor(&stubCompleter{reply: `["wheat"]`}, WithExtractorLogger(quietLogger))
	if _, fellBack, err := ok.ExtractDetailed(context.Background(), "wheat"); err != nil || fellBack {
		t.Errorf("Expected completer result, got fellBack=%v err=%v", fellBack, err)
	}

	failing := NewLLMExtractor(&stubCompleter{err: errors.New("down")}, WithExtractorLogger(quietLogger))
	if _, fellBack, err := failing.ExtractDetailed(context.Background(), "wheat"); err != nil || !fellBack {
		t.Errorf("Expected fallback result, got fellBack=%v err=%v", fellBack, err)
	}
}
