package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/mohans/asyncchat/internal/server"
	"github.com/mohans/asyncchat/scheduler"
)

var (
	serveAddr        string
	serveNoWorker    bool
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the workers and the scheduler",
	Long: `Run the HTTP API together with both worker lanes and the scheduler.

Examples:
  asyncchat serve
  asyncchat serve --addr :8080
  asyncchat serve --no-worker      # API and scheduler only, run "asyncchat worker" elsewhere`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http_addr)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "do not run the worker lanes in this process")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not run the scheduled jobs in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !serveNoWorker {
		w, err := a.worker()
		if err != nil {
			return err
		}
		mux := asynq.NewServeMux()
		w.Register(mux)
		proc := a.processor()
		if err := proc.Start(mux); err != nil {
			return fmt.Errorf("start workers: %w", err)
		}
		defer proc.Shutdown()
	}

	if !serveNoScheduler {
		sched, err := scheduler.New(a.client, a.store, scheduler.Config{
			ConsolidateSpec: cfg.ConsolidateSpec,
			PurgeSpec:       cfg.PurgeSpec,
			Retention:       cfg.TaskRetention,
			Location:        cfg.Location(),
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	inspector := asynq.NewInspector(redisOpt(cfg))
	defer inspector.Close()

	addr := cfg.HTTPAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := server.New(server.Deps{
		Submitter:   a.client,
		Store:       a.store,
		History:     a.convlog,
		Notes:       a.notes,
		Metrics:     a.metrics,
		Inspector:   inspector,
		SyncTimeout: cfg.TaskTimeout + 30*time.Second,
		Logger:      logger,
	})
	if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("shutting down")
	return nil
}
