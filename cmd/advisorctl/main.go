// advisorctl inspects and exercises the advisor pipeline: compute
// fingerprints, simulate error storms and serve advice over HTTP.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

type globalFlags struct {
	configPath string
	logLevel   string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "advisorctl",
		Short: "Inspect and exercise the error-analysis pipeline",
		Long: `advisorctl drives an in-process advisor pipeline.

Examples:
  advisorctl fingerprint --type timeout --message "dial tcp 10.0.0.7:5432: i/o timeout"
  advisorctl storm --events 1000 --distinct 4 --fail-rate 0.2
  advisorctl serve --config advisor.yaml --addr :8080`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newFingerprintCmd(g), newStormCmd(g), newServeCmd(g))
	return root
}

func (g *globalFlags) loadConfig() (*advisor.Config, error) {
	if g.configPath == "" {
		return advisor.DefaultConfig(), nil
	}
	return advisor.LoadConfig(g.configPath)
}

func (g *globalFlags) logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(g.logLevel))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
