package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/mohans/asyncchat/agent"
	"github.com/mohans/asyncchat/asyncx"
	"github.com/mohans/asyncchat/convlog"
	"github.com/mohans/asyncchat/internal/config"
	"github.com/mohans/asyncchat/internal/metrics"
	"github.com/mohans/asyncchat/llm"
	"github.com/mohans/asyncchat/notes"
	"github.com/mohans/asyncchat/sqlitedb"
	"github.com/mohans/asyncchat/worker"
)

// app holds the services shared by the commands.
type app struct {
	cfg     config.Config
	db      *sql.DB
	rdb     redis.UniversalClient
	store   asyncx.Store
	client  *asyncx.Client
	convlog *convlog.Log
	notes   *notes.Store
	metrics *metrics.Collector
}

func redisOpt(c config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// openApp connects the database, the result backend and the broker client.
func openApp(ctx context.Context, c config.Config) (*app, error) {
	db, err := sqlitedb.Open(c.DatabasePath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: c, db: db, metrics: metrics.NewCollector()}

	switch c.ResultBackend {
	case config.BackendRedis:
		a.rdb = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		a.store = asyncx.NewRedisStore(a.rdb, c.TaskRetention)
	default:
		sqlStore := asyncx.NewSQLStore(db)
		if err := sqlStore.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate task store: %w", err)
		}
		a.store = sqlStore
	}

	a.notes = notes.NewStore(db)
	if err := a.notes.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate notes: %w", err)
	}

	a.convlog, err = convlog.Open(c.LogDir, convlog.WithLocation(c.Location()))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.client = asyncx.NewClient(redisOpt(c), a.store, asyncx.ClientOptions{
		TaskTimeout: c.TaskTimeout,
		Logger:      logger,
	})
	return a, nil
}

// worker builds the task handlers. Only commands that execute tasks need
// the generation backend.
func (a *app) worker() (*worker.Worker, error) {
	gen, err := llm.New(llm.Config{
		BaseURL: a.cfg.LLMBaseURL,
		Model:   a.cfg.LLMModel,
		APIKey:  a.cfg.LLMAPIKey,
		Timings: a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	ag := agent.New(gen, agent.Settings{
		Model:              a.cfg.LLMModel,
		Temperature:        a.cfg.LLMTemperature,
		MaxTokens:          a.cfg.LLMMaxTokens,
		ExtractModel:       a.cfg.ExtractModel,
		ExtractTemperature: a.cfg.ExtractTemperature,
		ExtractMaxTokens:   a.cfg.ExtractMaxTokens,
	}, logger)
	return worker.New(a.store, a.convlog, a.notes, ag, ag, worker.Config{
		PublishRate: a.cfg.StreamPublishRate,
		Logger:      logger,
	}), nil
}

func (a *app) processor() *asyncx.Processor {
	return asyncx.NewProcessor(redisOpt(a.cfg), a.store, asyncx.ProcessorConfig{
		Lanes: map[string]int{
			asyncx.LaneChat:       a.cfg.ChatConcurrency,
			asyncx.LaneBackground: a.cfg.BackgroundConcurrency,
		},
		Logger:  logger,
		Timings: a.metrics,
	})
}

func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
