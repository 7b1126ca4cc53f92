package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu    sync.Mutex
	files []string
	seen  chan string
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan string, 16)}
}

func (r *recorder) handle(_ context.Context, path, content string) error {
	r.mu.Lock()
	r.files = append(r.files, filepath.Base(path)+"="+content)
	r.mu.Unlock()
	r.seen <- filepath.Base(path)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d ingests, got %d", n, i)
		}
	}
}

func start(t *testing.T, cfg Config, h Handler) (cancel func()) {
	t.Helper()
	w, err := New(cfg, h)
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return func() {
		stop()
		require.NoError(t, <-done)
	}
}

func TestWatcher_IngestsNewTextFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	rec := newRecorder()
	stop := start(t, Config{Dir: dir, Debounce: 50 * time.Millisecond, Logger: quiet}, rec.handle)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("drought"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.MD"), []byte("rainfall"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte("binary"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.txt"), []byte("secret"), 0o644))

	rec.wait(t, 2)
	time.Sleep(100 * time.Millisecond)
	stop()

	assert.ElementsMatch(t, []string{"report.txt=drought", "notes.MD=rainfall"}, rec.snapshot())
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	rec := newRecorder()
	stop := start(t, Config{Dir: dir, Debounce: 150 * time.Millisecond, Logger: quiet}, rec.handle)

	path := filepath.Join(dir, "draft.txt")
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, chunk := range []string{"one ", "two ", "three"} {
		_, err := f.WriteString(chunk)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	rec.wait(t, 1)
	time.Sleep(300 * time.Millisecond)
	stop()

	assert.Equal(t, []string{"draft.txt=one two three"}, rec.snapshot())
}

func TestWatcher_InitialFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("second"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("first"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.txt"), 0o755))

	rec := newRecorder()
	stop := start(t, Config{Dir: dir, Initial: true, Logger: quiet}, rec.handle)
	rec.wait(t, 2)
	stop()

	assert.Equal(t, []string{"a.md=first", "b.txt=second"}, rec.snapshot())
}

func TestWatcher_SkipsOversizedFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("ok"), 0o644))

	rec := newRecorder()
	stop := start(t, Config{Dir: dir, Initial: true, MaxFileBytes: 10, Logger: quiet}, rec.handle)
	rec.wait(t, 1)
	stop()

	assert.Equal(t, []string{"small.txt=ok"}, rec.snapshot())
}

func TestNew_Errors(t *testing.T) {
	h := func(context.Context, string, string) error { return nil }

	_, err := New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, h)
	assert.ErrorIs(t, err, ErrPathNotExist)

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(Config{Dir: file}, h)
	assert.ErrorIs(t, err, ErrPathNotDirectory)

	_, err = New(Config{Dir: t.TempDir()}, nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}
