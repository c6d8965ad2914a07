package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/mohans/asyncchat/asyncx"
)

var monitorWatch time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show queue depth and throughput per lane",
	Long: `Show the broker's view of each lane: queued, running and finished counts.

Examples:
  asyncchat monitor
  asyncchat monitor --watch 2s`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorWatch, "watch", 0, "refresh every interval until interrupted")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	inspector := asynq.NewInspector(redisOpt(cfg))
	defer inspector.Close()

	out := cmd.OutOrStdout()
	if monitorWatch <= 0 {
		return printLanes(out, inspector)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ticker := time.NewTicker(monitorWatch)
	defer ticker.Stop()
	for {
		if err := printLanes(out, inspector); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprintln(out)
		}
	}
}

func printLanes(out io.Writer, inspector *asynq.Inspector) error {
	fmt.Fprintf(out, "%-12s %-8s %-8s %-8s %-10s %-8s %s\n", "LANE", "SIZE", "PENDING", "ACTIVE", "PROCESSED", "FAILED", "LATENCY")
	fmt.Fprintln(out, "--------------------------------------------------------------------")
	for _, lane := range []string{asyncx.LaneChat, asyncx.LaneBackground} {
		info, err := inspector.GetQueueInfo(lane)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			fmt.Fprintf(out, "%-12s (no tasks yet)\n", lane)
			continue
		}
		if err != nil {
			return fmt.Errorf("inspect %s: %w", lane, err)
		}
		fmt.Fprintf(out, "%-12s %-8d %-8d %-8d %-10d %-8d %s\n",
			lane, info.Size, info.Pending, info.Active, info.Processed, info.Failed, info.Latency.Round(time.Millisecond))
	}
	return nil
}
