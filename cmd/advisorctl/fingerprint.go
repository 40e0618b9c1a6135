package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

func newFingerprintCmd(g *globalFlags) *cobra.Command {
	var (
		event      advisor.ErrorEvent
		severity   string
		stackFile  string
		ctxValues  map[string]string
		showSample bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute the fingerprint of an error event",
		Long: `Compute the fingerprint the pipeline would assign to an event.

Events that differ only in numbers, addresses, UUIDs or quoted values share a
fingerprint. Use --sample to print the scrubbed text sent to providers.

Examples:
  advisorctl fingerprint --type timeout --message "read 10.0.0.7:443 after 3000ms"
  advisorctl fingerprint --type panic --message "index out of range" --stack-file trace.txt
  go test ./... 2>&1 | advisorctl fingerprint --type panic --message boom --stack-file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if stackFile != "" {
				trace, err := readStack(cmd.InOrStdin(), stackFile)
				if err != nil {
					return err
				}
				event.StackTrace = trace
			}
			event.Severity = advisor.Severity(severity)
			if len(ctxValues) > 0 {
				event.Context = make(map[string]any, len(ctxValues))
				for k, v := range ctxValues {
					event.Context[k] = v
				}
			}

			fp := advisor.NewFingerprinter(cfg.Fingerprint).Fingerprint(event)
			var sample string
			if showSample || asJSON {
				sample = advisor.NewScrubber(cfg.Scrubber).BuildSample(event)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(fingerprintResult{
					Fingerprint: fp,
					Fallback:    advisor.IsFallbackFingerprint(fp),
					Sample:      sample,
				})
			}

			if advisor.IsFallbackFingerprint(fp) {
				fmt.Fprintf(out, "%s %s\n", fp, color.YellowString("(fallback)"))
			} else {
				fmt.Fprintln(out, fp)
			}
			if showSample {
				fmt.Fprintf(out, "\n%s\n%s\n", color.New(color.Bold).Sprint("Sample:"), sample)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&event.ErrorType, "type", "t", "", "Error kind (panic, timeout, *fs.PathError)")
	f.StringVarP(&event.Message, "message", "m", "", "Error message")
	f.StringVar(&severity, "severity", string(advisor.SeverityError), "Severity: warning, error, crash")
	f.StringVar(&event.Operation, "operation", "", "Operation in progress (http, tool, llm)")
	f.StringVar(&event.AgentName, "agent", "", "Agent name")
	f.StringVar(&event.ToolName, "tool", "", "Tool name")
	f.StringVar(&stackFile, "stack-file", "", "File holding a stack trace, - for stdin")
	f.StringToStringVar(&ctxValues, "context", nil, "Context entries as key=value (repeatable)")
	f.BoolVar(&showSample, "sample", false, "Also print the scrubbed sample")
	f.BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

type fingerprintResult struct {
	Fingerprint string `json:"fingerprint"`
	Fallback    bool   `json:"fallback"`
	Sample      string `json:"sample"`
}

func readStack(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stack from stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read stack file: %w", err)
	}
	return string(b), nil
}
