package asyncx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
)

// Timings receives per-task durations. internal/metrics.Collector satisfies it.
type Timings interface {
	RecordTiming(op string, d time.Duration)
}

// Processor manages one worker server per lane and keeps the Store in sync
// with handler outcomes.
type Processor struct {
	servers map[string]*asynq.Server
	store   Store
	logger  *slog.Logger
	timings Timings
}

type ProcessorConfig struct {
	// Lanes maps a lane (queue) name to its concurrency ceiling.
	Lanes           map[string]int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Timings         Timings
}

func NewProcessor(redisOpt asynq.RedisConnOpt, store Store, cfg ProcessorConfig) *Processor {
	lanes := cfg.Lanes
	if len(lanes) == 0 {
		lanes = map[string]int{LaneChat: 10, LaneBackground: 1}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	servers := make(map[string]*asynq.Server, len(lanes))
	for lane, con := range lanes {
		if con <= 0 {
			con = 1
		}
		servers[lane] = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:     con,
			Queues:          map[string]int{lane: 1},
			Logger:          NewSlogLogger(logger.With("lane", lane)),
			ShutdownTimeout: shutdown,
		})
	}
	return &Processor{servers: servers, store: store, logger: logger, timings: cfg.Timings}
}

// lifecycleMiddleware turns handler errors, panics and timeouts into a
// FAILURE publish and stops asynq from retrying the task.
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) (err error) {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		logger := p.logger.With("task_id", id, "type", t.Type())
		logger.Debug("task started")

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("internal panic: %v", r)
			}
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTaskTimeout) {
				err = fmt.Errorf("%w: %w", ErrTaskTimeout, err)
			}
			elapsed := time.Since(start)
			if p.timings != nil {
				p.timings.RecordTiming("task_"+t.Type(), elapsed)
			}
			if err == nil {
				logger.Info("task finished", "duration_ms", elapsed.Milliseconds())
				return
			}
			if p.store != nil && id != "" {
				snap := Snapshot{Error: err.Error(), TimedOut: errors.Is(err, ErrTaskTimeout)}
				pubErr := p.store.Publish(context.WithoutCancel(ctx), id, StateFailure, snap)
				if pubErr != nil && !errors.Is(pubErr, ErrTerminal) {
					logger.Warn("failed to publish failure", "error", pubErr)
				}
			}
			logger.Error("task failed", "duration_ms", elapsed.Milliseconds(), "error", err)
			err = fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}()

		return next.ProcessTask(ctx, t)
	})
}

// Start launches every lane with the given handler. It does not block.
// Handlers must return once their ctx is done: asynq stops waiting for a
// timed-out handler, and its FAILURE is only published when it returns.
func (p *Processor) Start(mux *asynq.ServeMux) error {
	if mux == nil {
		mux = asynq.NewServeMux()
	}
	h := p.lifecycleMiddleware(mux)
	for lane, srv := range p.servers {
		if err := srv.Start(h); err != nil {
			p.Shutdown()
			return fmt.Errorf("start lane %s: %w", lane, err)
		}
		p.logger.Info("lane started", "lane", lane)
	}
	return nil
}

// Run starts the processor and blocks until ctx is done.
func (p *Processor) Run(ctx context.Context, mux *asynq.ServeMux) error {
	if err := p.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	p.Shutdown()
	return nil
}

func (p *Processor) Shutdown() {
	for _, srv := range p.servers {
		srv.Shutdown()
	}
}

// slogLogger adapts slog to asynq.Logger.
type slogLogger struct {
	l *slog.Logger
}

func NewSlogLogger(l *slog.Logger) asynq.Logger {
	return slogLogger{l: l}
}

func (s slogLogger) Debug(args ...interface{}) { s.l.Debug(fmt.Sprint(args...)) }
func (s slogLogger) Info(args ...interface{})  { s.l.Info(fmt.Sprint(args...)) }
func (s slogLogger) Warn(args ...interface{})  { s.l.Warn(fmt.Sprint(args...)) }
func (s slogLogger) Error(args ...interface{}) { s.l.Error(fmt.Sprint(args...)) }
func (s slogLogger) Fatal(args ...interface{}) { s.l.Error(fmt.Sprint(args...)); os.Exit(1) }
