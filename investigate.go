package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sentinel-ai/investigation"

	"github.com/spf13/cobra"
)

type investigateOptions struct {
	file    string
	sample  bool
	trace   bool
	jsonOut bool
}

func newInvestigateCmd(root *rootOptions) *cobra.Command {
	opts := &investigateOptions{}
	cmd := &cobra.Command{
		Use:   "investigate",
		Short: "Run one investigation and print the incident report",
		Example: `  sentinel-ai investigate --sample
  sentinel-ai investigate --file /var/log/gateway.log --trace
  journalctl -u api-auth -n 200 | sentinel-ai investigate --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logs, err := opts.readLogs(cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, ParseDuration(a.cfg.Scheduler.DefaultTimeout, 5*time.Minute))
			defer cancel()

			res, runErr := a.engine.Run(ctx, logs)
			if runErr == nil {
				a.notifyAsync(res)
			}
			return opts.print(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, runErr)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "log file to investigate, - for stdin")
	cmd.Flags().BoolVar(&opts.sample, "sample", false, "investigate the built-in sample incident")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "print the conversation transcript as JSON")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the whole result as JSON")
	cmd.MarkFlagsMutuallyExclusive("file", "sample")
	return cmd
}

func (o *investigateOptions) readLogs(stdin io.Reader) (string, error) {
	switch {
	case o.sample:
		return investigation.SampleLogs, nil
	case o.file == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(raw), nil
	case o.file != "":
		raw, err := os.ReadFile(o.file)
		if err != nil {
			return "", fmt.Errorf("read logs: %w", err)
		}
		return string(raw), nil
	default:
		return "", errors.New("no logs given: use --file PATH, --file - or --sample")
	}
}

// print writes the outcome. On failure the report is replaced by the error
// kind, the rejected model output if any, and the partial transcript.
func (o *investigateOptions) print(out, errOut io.Writer, res *investigation.Result, runErr error) error {
	if o.jsonOut && res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return runErr
	}

	if runErr != nil {
		fmt.Fprintf(errOut, "investigation failed [%s]\n", investigation.Kind(runErr))
		var shapeErr *investigation.OutputShapeError
		if errors.As(runErr, &shapeErr) {
			fmt.Fprintf(errOut, "\nRejected model output:\n%s\n", shapeErr.Raw)
		}
	} else {
		writeReport(out, res)
	}

	if o.trace && res != nil {
		raw, err := json.MarshalIndent(res.Transcript, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nTranscript:\n%s\n", raw)
	}
	return runErr
}

func writeReport(w io.Writer, res *investigation.Result) {
	r := res.Report
	fmt.Fprintf(w, "Severity: %s\n\n", r.Severity)
	fmt.Fprintf(w, "Diagnostic:\n%s\n\n", indent(r.Diagnostic))
	fmt.Fprintf(w, "Remediation steps:\n%s\n\n", indent(r.RemediationSteps))
	fmt.Fprintf(w, "%s: %d model calls, %d tool rounds, %d tool calls, %dms\n",
		res.ID, res.ModelCalls, res.ToolRounds, res.ToolCalls, res.DurationMs)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
