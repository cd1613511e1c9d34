package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"sheetbot/internal/app"
)

func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.CheckConfig(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), rootOpts.Format, s)
		},
	}
}

func writeSummary(w io.Writer, format string, s app.Summary) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	fmt.Fprintln(w, "config ok")
	fmt.Fprintf(w, "  remote:     %s", s.Remote)
	if s.Sheet != "" {
		fmt.Fprintf(w, " (%s)", s.Sheet)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  schedule:   %s (scheduler enabled: %t)\n", s.Schedule, s.SchedulerEnabled)
	fmt.Fprintf(w, "  merge:      %s, deadline %s, stale after %s\n", s.MergePolicy, s.Deadline, s.StaleAfter)
	fmt.Fprintf(w, "  rate limit: %s\n", s.RateLimit)
	if len(s.SearchFields) > 0 {
		fmt.Fprintf(w, "  search:     %s\n", strings.Join(s.SearchFields, ", "))
	}
	fmt.Fprintf(w, "  storage:    %s\n", s.Storage)
	fmt.Fprintf(w, "  owners:     %d\n", s.Owners)
	if s.Debug != "" {
		fmt.Fprintf(w, "  debug:      %s\n", s.Debug)
	}
	_, err := fmt.Fprintf(w, "  notifier:   %t, %d target(s)\n", s.Notifier, s.NotifyTargets)
	return err
}
