// Package scheduler fires the recurring jobs: the daily consolidation, which
// is submitted exactly like a client task, and the purge of old task records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mohans/asyncchat/asyncx"
)

// Submitter admits tasks. *asyncx.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, kind asyncx.Kind, payload any) (string, error)
}

// Purger drops terminal records. asyncx stores satisfy it.
type Purger interface {
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// ConsolidateSpec is a standard 5-field cron spec or descriptor.
	ConsolidateSpec string
	// PurgeSpec is optional; empty disables purging.
	PurgeSpec string
	Retention time.Duration
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	purger    Purger
	retention time.Duration
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// New validates the specs and registers the jobs. Jobs do not fire until
// Start.
func New(submitter Submitter, purger Purger, cfg Config) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(loc)),
		submitter: submitter,
		purger:    purger,
		retention: cfg.Retention,
		loc:       loc,
		logger:    logger,
		now:       time.Now,
	}

	spec := cfg.ConsolidateSpec
	if spec == "" {
		spec = "0 0 * * *"
	}
	if _, err := s.cron.AddFunc(spec, func() { s.TriggerConsolidation(context.Background()) }); err != nil {
		return nil, fmt.Errorf("consolidate spec %q: %w", spec, err)
	}
	if cfg.PurgeSpec != "" && purger != nil {
		if _, err := s.cron.AddFunc(cfg.PurgeSpec, func() { s.Purge(context.Background()) }); err != nil {
			return nil, fmt.Errorf("purge spec %q: %w", cfg.PurgeSpec, err)
		}
	}
	return s, nil
}

// TriggerConsolidation submits one consolidation task. There is no guard
// against an earlier run still executing; a second run finds an empty log.
func (s *Scheduler) TriggerConsolidation(ctx context.Context) (string, error) {
	id, err := s.submitter.Submit(ctx, asyncx.KindConsolidate, nil)
	if err != nil {
		s.logger.Error("failed to submit consolidation", "error", err)
		return "", err
	}
	s.logger.Info("consolidation submitted", "task_id", id)
	return id, nil
}

// Purge drops terminal task records older than the retention window.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	if s.purger == nil || s.retention <= 0 {
		return 0, nil
	}
	n, err := s.purger.PurgeTerminal(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.logger.Error("failed to purge task records", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("task records purged", "count", n)
	}
	return n, nil
}

// Next returns the next fire time of each registered job.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	now := s.now().In(s.loc)
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Schedule.Next(now))
	}
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops firing and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
