package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alexshd/bifmon"
	"github.com/alexshd/bifmon/internal/app"
	"github.com/alexshd/bifmon/internal/server"
	"github.com/alexshd/bifmon/internal/store"
	"github.com/alexshd/bifmon/internal/watch"
)

var (
	watchJSON     bool
	watchDB       string
	watchExisting bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Score .txt and .md files as they are written to a directory",
	Long: `Watch ingests every .txt or .md file written into dir and prints one line
per event. Rapid successive writes to the same file are debounced.

Examples:
  bifmon watch ./inbox
  bifmon watch --json --existing ./inbox | jq -c 'select(.severity == "critical")'`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print events as JSON lines")
	watchCmd.Flags().StringVar(&watchDB, "db", "", "journal events to this SQLite file (overrides config)")
	watchCmd.Flags().BoolVar(&watchExisting, "existing", false, "ingest files already in the directory first")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}

	var journal server.Journal
	if dbPath := firstNonEmpty(watchDB, cfg.Store.Path); dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		journal = st
	}

	session := uuid.NewString()
	m := factory.NewMonitor("session", session)
	p := &eventPrinter{w: cmd.OutOrStdout(), json: watchJSON}

	w, err := watch.New(watch.Config{
		Dir:      args[0],
		Debounce: cfg.Watch.Debounce,
		Initial:  watchExisting,
	}, func(ctx context.Context, path, content string) error {
		ev, err := m.ProcessDocument(ctx, filepath.Base(path), content)
		if err != nil {
			return err
		}
		if journal != nil {
			if _, err := journal.Save(ctx, session, ev); err != nil {
				return err
			}
		}
		return p.print(ev)
	})
	if err != nil {
		return err
	}

	return w.Run(ctx)
}

type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *eventPrinter) print(ev bifmon.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "%s\n", b)
		return err
	}

	_, err := fmt.Fprintf(p.w, "%s  %-8s  index=%.4f  z=%.2f  %s\n",
		ev.Timestamp.Format("15:04:05"), ev.Severity, ev.EntropyIndex, ev.ZScore, ev.Description)
	return err
}
