package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexshd/bifmon/internal/app"
	"github.com/alexshd/bifmon/internal/server"
	"github.com/alexshd/bifmon/internal/store"
	"github.com/alexshd/bifmon/internal/watch"
)

var (
	serveAddr  string
	serveDB    string
	serveWatch string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve starts the HTTP API. Each session owns an isolated monitor.

With --watch, a session named after the directory is created at startup and
every .txt or .md file written into the directory is ingested into it.

Examples:
  bifmon serve --addr :8080
  bifmon serve --db events.db --watch ./inbox`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "journal events to this SQLite file (overrides config)")
	serveCmd.Flags().StringVar(&serveWatch, "watch", "", "ingest files written into this directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	factory, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	opts := server.Options{
		Factory:      factory,
		Metrics:      server.NewMetrics("bifmon"),
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	dbPath := firstNonEmpty(serveDB, cfg.Store.Path)
	if dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		opts.Journal = st
		logger.Info("journaling events", "db", dbPath)
	}

	srv := server.New(opts)
	addr := firstNonEmpty(serveAddr, cfg.Server.Addr)

	var watcher *watch.Watcher
	if dir := firstNonEmpty(serveWatch, cfg.Watch.Dir); dir != "" {
		sess := srv.CreateSession("watch:" + filepath.Base(dir))
		watcher, err = watch.New(watch.Config{
			Dir:      dir,
			Debounce: cfg.Watch.Debounce,
			Initial:  true,
			Logger:   logger,
		}, func(ctx context.Context, path, content string) error {
			_, err := srv.Ingest(ctx, sess.ID, filepath.Base(path), content)
			return err
		})
		if err != nil {
			return err
		}
		logger.Info("watch session ready", "session", sess.ID, "dir", dir)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout)
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	return g.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
