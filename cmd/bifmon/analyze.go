package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alexshd/bifmon"
	"github.com/alexshd/bifmon/internal/app"
	"github.com/alexshd/bifmon/internal/server"
	"github.com/alexshd/bifmon/internal/store"
)

// errThresholdExceeded exits non-zero without printing an error line.
var errThresholdExceeded = errors.New("severity threshold exceeded")

var (
	analyzeJSON    bool
	analyzeDB      string
	analyzeFailOn  string
	analyzeSession string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [files...]",
	Short: "Score files in order against one baseline",
	Long: `Analyze processes each file in order through a single monitor, so later
files are judged against the baseline built by earlier ones. With no files,
text is read from stdin and labeled "Manual Text".

Examples:
  bifmon analyze reports/*.txt
  cat note.md | bifmon analyze
  bifmon analyze --json a.txt b.txt | jq '.[] | select(.severity != "stable")'
  bifmon analyze --fail-on warning --db events.db daily/*.md`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print events as a JSON array")
	analyzeCmd.Flags().StringVar(&analyzeDB, "db", "", "journal events to this SQLite file (overrides config)")
	analyzeCmd.Flags().StringVar(&analyzeFailOn, "fail-on", "", "exit non-zero when any event reaches this severity: warning or critical")
	analyzeCmd.Flags().StringVar(&analyzeSession, "session", "", "journal session id (default: random)")
}

type document struct {
	source  string
	content string
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	failOn, err := parseFailOn(analyzeFailOn)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	docs, err := readDocuments(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	factory, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}

	var journal server.Journal
	dbPath := analyzeDB
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	if dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		journal = st
	}

	session := analyzeSession
	if session == "" {
		session = uuid.NewString()
	}

	events, err := analyze(ctx, factory.NewMonitor(), docs, journal, session)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if analyzeJSON {
		if err := writeJSON(out, events); err != nil {
			return err
		}
	} else {
		writeTable(out, events)
	}

	if exceeds(events, failOn) {
		return errThresholdExceeded
	}
	return nil
}

// analyze runs docs through m in order, journaling each event when j is set.
func analyze(ctx context.Context, m *bifmon.Monitor, docs []document, j server.Journal, session string) ([]bifmon.Event, error) {
	events := make([]bifmon.Event, 0, len(docs))
	for _, d := range docs {
		ev, err := m.ProcessDocument(ctx, d.source, d.content)
		if err != nil {
			return events, fmt.Errorf("%s: %w", d.source, err)
		}
		events = append(events, ev)

		if j != nil {
			if _, err := j.Save(ctx, session, ev); err != nil {
				return events, err
			}
		}
	}
	return events, nil
}

func readDocuments(paths []string, stdin io.Reader) ([]document, error) {
	if len(paths) == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return []document{{source: server.ManualSource, content: string(data)}}, nil
	}

	docs := make([]document, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		docs = append(docs, document{source: filepath.Base(p), content: string(data)})
	}
	return docs, nil
}

func parseFailOn(s string) (bifmon.Severity, error) {
	switch bifmon.Severity(s) {
	case "":
		return "", nil
	case bifmon.SeverityWarning, bifmon.SeverityCritical:
		return bifmon.Severity(s), nil
	}
	return "", fmt.Errorf("invalid --fail-on %q: want warning or critical", s)
}

func exceeds(events []bifmon.Event, threshold bifmon.Severity) bool {
	if threshold == "" {
		return false
	}
	for _, ev := range events {
		if ev.Severity == bifmon.SeverityCritical {
			return true
		}
		if threshold == bifmon.SeverityWarning && ev.Severity == bifmon.SeverityWarning {
			return true
		}
	}
	return false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, events []bifmon.Event) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSEVERITY\tK\tΔNODES\tINDEX\tZ\tDESCRIPTION")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%d\t%.4f\t%.2f\t%s\n",
			ev.Source, ev.Severity, ev.KRatio, ev.StructuralDelta, ev.EntropyIndex, ev.ZScore, ev.Description)
	}
	tw.Flush()
}
