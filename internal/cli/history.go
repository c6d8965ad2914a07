package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohans/asyncchat/convlog"
)

var historyClear bool

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show today's conversation log",
	Long: `Print the turns recorded today that have not been consolidated yet.

With --clear the turns are printed and removed in one locked step, without
writing notes.

Examples:
  asyncchat history
  asyncchat history --clear`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "remove the printed turns from the log")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	log, err := convlog.Open(cfg.LogDir, convlog.WithLocation(cfg.Location()))
	if err != nil {
		return err
	}

	var turns []convlog.Turn
	if historyClear {
		turns, err = log.Drain(ctx)
	} else {
		turns, err = log.Turns(ctx)
	}
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(turns) == 0 {
		fmt.Fprintf(out, "No turns recorded for %s\n", log.Today())
		return nil
	}
	for _, t := range turns {
		fmt.Fprintf(out, "%s: %s\n", t.Role, t.Content)
	}
	if historyClear {
		fmt.Fprintf(out, "\nCleared %d turns\n", len(turns))
	}
	return nil
}
