package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexshd/bifmon/internal/app"
	"github.com/alexshd/bifmon/internal/config"
)

var (
	configPath string
	logLevel   string
	logJSON    bool

	// cfg is loaded once by the root PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bifmon",
	Short: "Entropy-based bifurcation monitor",
	Long: `bifmon scores documents for informational novelty.

Each document gets a bifurcation index that combines how incompressible its
text is with how much new structure it adds to a concept graph. Indices are
compared with a rolling baseline and z-score outliers are flagged as warning
or critical.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of colored text")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	cfg = c

	slog.SetDefault(app.NewLogger(os.Stderr, cfg.SlogLevel(), logJSON))
	return nil
}
