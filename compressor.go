package bifmon

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrUnknownCompressor is returned by CompressorByName for names it does not know.
var ErrUnknownCompressor = errors.New("unknown compressor")

// Compressor reports the compressed size of a byte sequence.
//
// Implementations must be deterministic: the same input always yields the
// same compressed size. Only the size is observed, never the payload.
type Compressor interface {
	Name() string
	CompressedSize(data []byte) (int, error)
}

// EstimateComplexity approximates the normalized Kolmogorov complexity of text
// as compressedLen / originalLen.
//
// Values near 0 mean redundant text, values near 1 mean incompressible text.
// The result is typically in (0,1], but very short inputs can exceed 1 because
// of format overhead; callers must treat it as an unbounded non-negative real.
//
// A nil compressor, or one that fails, falls back to ShannonEntropy.
func EstimateComplexity(c Compressor, text string) float64 {
	ratio, _ := estimateComplexity(c, text)
	return ratio
}

// estimateComplexity also reports whether the compressor path was used.
func estimateComplexity(c Compressor, text string) (float64, error) {
	if len(text) == 0 {
		return 0, nil
	}
	if c == nil {
		return ShannonEntropy(text), errors.New("no compressor configured")
	}

	raw := []byte(text)
	size, err := c.CompressedSize(raw)
	if err != nil {
		return ShannonEntropy(text), fmt.Errorf("%s: %w", c.Name(), err)
	}

	return float64(size) / float64(len(raw)), nil
}

// ShannonEntropy returns order-0 Shannon entropy over byte frequencies,
// normalized by log2(256) so it is comparable with a compression ratio.
func ShannonEntropy(text string) float64 {
	if len(text) == 0 {
		return 0
	}

	var freq [256]int
	for i := 0; i < len(text); i++ {
		freq[text[i]]++
	}

	n := float64(len(text))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}

	return entropy / math.Log2(256)
}

// DeflateCompressor measures raw DEFLATE output (no container framing).
type DeflateCompressor struct {
	Level int // flate level; 0 means flate.DefaultCompression
}

func (DeflateCompressor) Name() string { return "deflate" }

func (d DeflateCompressor) CompressedSize(data []byte) (int, error) {
	return measure(func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, levelOrDefault(d.Level))
	}, data)
}

// GzipCompressor measures gzip output, header and trailer included.
type GzipCompressor struct {
	Level int
}

func (GzipCompressor) Name() string { return "gzip" }

func (g GzipCompressor) CompressedSize(data []byte) (int, error) {
	return measure(func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriterLevel(w, levelOrDefault(g.Level))
	}, data)
}

// ZlibCompressor measures zlib output.
type ZlibCompressor struct {
	Level int
}

func (ZlibCompressor) Name() string { return "zlib" }

func (z ZlibCompressor) CompressedSize(data []byte) (int, error) {
	return measure(func(w io.Writer) (io.WriteCloser, error) {
		return zlib.NewWriterLevel(w, levelOrDefault(z.Level))
	}, data)
}

// ZstdCompressor measures zstd output using a single-threaded encoder so the
// frame layout does not depend on scheduling.
type ZstdCompressor struct {
	Level zstd.EncoderLevel // 0 means zstd.SpeedDefault
}

func (ZstdCompressor) Name() string { return "zstd" }

func (z ZstdCompressor) CompressedSize(data []byte) (int, error) {
	level := z.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return 0, err
	}
	defer enc.Close()

	return len(enc.EncodeAll(data, nil)), nil
}

// CompressorByName resolves a configuration name to a Compressor.
// "shannon" returns nil, which selects the entropy estimator directly.
func CompressorByName(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "deflate":
		return DeflateCompressor{}, nil
	case "gzip":
		return GzipCompressor{}, nil
	case "zlib":
		return ZlibCompressor{}, nil
	case "zstd":
		return ZstdCompressor{}, nil
	case "shannon":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompressor, name)
	}
}

func measure(newWriter func(io.Writer) (io.WriteCloser, error), data []byte) (int, error) {
	var buf bytes.Buffer
	w, err := newWriter(&buf)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

func levelOrDefault(level int) int {
	if level == 0 {
		return flate.DefaultCompression
	}
	return level
}
