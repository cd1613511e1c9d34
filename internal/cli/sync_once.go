package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sheetbot/internal/app"
	"sheetbot/internal/reconcile"
)

func NewSyncOnceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run one reconciliation cycle and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := app.RunSyncOnce(cmd.Context(), rootOpts.ConfigPath)
			if werr := writeReport(cmd.OutOrStdout(), rootOpts.Format, rep); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
}

func writeReport(w io.Writer, format string, rep reconcile.CycleReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(w, "cycle %s took %s\n", rep.ID, rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  flush:   drained %d, flushed %d, conflicts %d, merged %d, recreated %d, requeued %d\n",
		rep.Drained, rep.Flushed, rep.Conflicts, rep.Merged, rep.Recreated, rep.Requeued)
	if rep.RefreshSkipped {
		fmt.Fprintln(w, "  refresh: skipped")
	} else {
		fmt.Fprintf(w, "  refresh: created %d, updated %d, deleted %d\n",
			len(rep.Apply.Created), len(rep.Apply.Updated), len(rep.Apply.Deleted))
	}
	if rep.Error != "" {
		_, err := fmt.Fprintf(w, "  error:   %s\n", rep.Error)
		return err
	}
	return nil
}
