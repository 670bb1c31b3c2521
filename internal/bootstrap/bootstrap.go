// Package bootstrap 按配置组装存储、索引和任务执行存储
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailindex/backend/internal/config"
	"mailindex/backend/internal/health"
	"mailindex/backend/internal/logger"
	"mailindex/backend/internal/mime"
	"mailindex/backend/internal/monitoring"
	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/search"
	searchbleve "mailindex/backend/internal/search/bleve"
	"mailindex/backend/internal/storage"
	"mailindex/backend/internal/storage/filesystem"
	"mailindex/backend/internal/storage/memory"
	"mailindex/backend/internal/storage/postgres"
	redisstore "mailindex/backend/internal/storage/redis"
	sqlstore "mailindex/backend/internal/storage/sql"
	"mailindex/backend/internal/task"
)

// Components 进程共享的组件
type Components struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
	Store     storage.Store
	Index     *searchbleve.Index
	TaskStore task.ExecutionStore
	Performer *reindex.Performer

	checks  map[string]health.CheckFunc
	closers []func() error
}

// New 按配置创建全部组件；出错时已创建的组件会被关闭
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, metrics *monitoring.Metrics) (*Components, error) {
	c := &Components{
		Config:  cfg,
		Logger:  logger.OrNop(log),
		Metrics: metrics,
		checks:  make(map[string]health.CheckFunc),
	}
	if err := c.init(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) init(ctx context.Context) error {
	cfg := c.Config

	bodies := mime.NewBufferedBodyFactory(mime.BufferOptions{
		FileThreshold: cfg.Buffer.FileThreshold,
		TempDir:       cfg.Buffer.TempDir,
	})
	parser := mime.NewMessageParser(bodies, c.Logger.Named("mime"), mime.WithFailureRecorder(c.Metrics))
	factory := storage.NewMessageFactory(bodies, parser)

	store, err := c.openStore(ctx, factory)
	if err != nil {
		return err
	}
	c.Store = store
	c.register("mailbox_store", store.Health, store.Close)

	builder := search.NewDocumentBuilder(parser, c.Logger.Named("search"))
	if cfg.Search.IndexPath == "" {
		c.Index, err = searchbleve.NewMemoryIndex(builder, c.Logger.Named("search"))
	} else {
		c.Index, err = searchbleve.Open(cfg.Search.IndexPath, builder, c.Logger.Named("search"))
	}
	if err != nil {
		return fmt.Errorf("open search index: %w", err)
	}
	c.register("search_index", c.Index.Health, c.Index.Close)
	c.Logger.Info("search index ready", zap.String("path", cfg.Search.IndexPath))

	if err := c.openTaskStore(ctx); err != nil {
		return err
	}

	c.Performer = reindex.NewPerformer(c.Store, c.Index, cfg.Reindex.MailboxConcurrency, c.Logger.Named("reindex"), c.Metrics)
	return nil
}

// openStore 根据 storage.type 选择邮箱存储
func (c *Components) openStore(ctx context.Context, factory *storage.MessageFactory) (storage.Store, error) {
	cfg := c.Config
	switch cfg.Storage.Type {
	case "database":
		store, err := postgres.NewStore(ctx, cfg.Database, factory, c.Logger.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("initialize database storage: %w", err)
		}
		c.Logger.Info("using database storage", zap.String("driver", cfg.Database.Driver))
		return store, nil

	case "filesystem":
		store, err := filesystem.NewStore(cfg.Storage.Path, factory)
		if err != nil {
			return nil, fmt.Errorf("initialize filesystem storage: %w", err)
		}
		c.Logger.Info("using filesystem storage", zap.String("path", cfg.Storage.Path))
		return store, nil

	default:
		c.Logger.Info("using memory storage (development mode)")
		return memory.NewStore(factory), nil
	}
}

// openTaskStore 根据 task.store 选择任务执行存储
func (c *Components) openTaskStore(ctx context.Context) error {
	cfg := c.Config
	switch cfg.Task.Store {
	case "redis":
		client, err := redisstore.New(ctx, cfg.Redis, c.Logger.Named("redis"))
		if err != nil {
			return err
		}
		store := redisstore.NewTaskStore(client, cfg.Task.DetailsTTL)
		c.TaskStore = store
		c.register("task_store", store.Health, client.Close)

	case "sql":
		store, err := sqlstore.NewTaskStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		c.TaskStore = store
		c.register("task_store", store.Health, store.Close)

	default:
		c.TaskStore = task.NewMemoryStore()
	}
	c.Logger.Info("task execution store ready", zap.String("type", cfg.Task.Store))
	return nil
}

func (c *Components) register(name string, check health.CheckFunc, closer func() error) {
	if check != nil {
		c.checks[name] = check
	}
	if closer != nil {
		c.closers = append(c.closers, closer)
	}
}

// DefaultRunningOptions 配置中的默认运行参数
func (c *Components) DefaultRunningOptions() (reindex.RunningOptions, error) {
	mode, err := reindex.ParseMode(c.Config.Reindex.Mode)
	if err != nil {
		return reindex.RunningOptions{}, err
	}
	return reindex.NewRunningOptions(c.Config.Reindex.MessagesPerSecond, mode)
}

// HealthChecks 各组件的就绪检查
func (c *Components) HealthChecks() map[string]health.CheckFunc {
	out := make(map[string]health.CheckFunc, len(c.checks))
	for name, check := range c.checks {
		out[name] = check
	}
	return out
}

// Close 按创建的逆序关闭组件
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
