package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohans/asyncchat/asyncx"
)

var (
	consolidateWait    bool
	consolidateTimeout time.Duration
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Submit a notes consolidation run now",
	Long: `Submit a consolidation task on the background lane, the same task the
scheduler fires at midnight. A worker must be running to execute it.

Examples:
  asyncchat consolidate
  asyncchat consolidate --wait`,
	Args: cobra.NoArgs,
	RunE: runConsolidate,
}

func init() {
	consolidateCmd.Flags().BoolVarP(&consolidateWait, "wait", "w", false, "wait for the run to finish")
	consolidateCmd.Flags().DurationVar(&consolidateTimeout, "timeout", 10*time.Minute, "how long --wait waits")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.client.Submit(ctx, asyncx.KindConsolidate, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted consolidation %s\n", id)
	if !consolidateWait {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, consolidateTimeout)
	defer cancel()
	rec, err := a.client.Await(waitCtx, id, time.Second, nil)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", id, err)
	}
	if rec.State == asyncx.StateFailure {
		return fmt.Errorf("consolidation failed: %s", rec.Snapshot.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout(), rec.Snapshot.Message)
	return nil
}
