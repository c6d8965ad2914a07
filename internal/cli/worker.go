package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker lanes only",
	Long: `Run the chat and background worker lanes without the HTTP API.

Concurrency per lane comes from chat_concurrency and background_concurrency.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.worker()
	if err != nil {
		return err
	}
	mux := asynq.NewServeMux()
	w.Register(mux)
	return a.processor().Run(ctx, mux)
}
