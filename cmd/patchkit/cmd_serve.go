package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patchkit/internal/api"
	"github.com/apk-analysis/apk-patchkit/internal/api/handlers"
	"github.com/apk-analysis/apk-patchkit/internal/middleware"
	"github.com/apk-analysis/apk-patchkit/internal/queue"
	"github.com/apk-analysis/apk-patchkit/internal/repository"
	"github.com/apk-analysis/apk-patchkit/internal/service"
	"github.com/apk-analysis/apk-patchkit/internal/watcher"
	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

// shutdownTimeout 优雅退出等待时间
const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, run pool and optional inbox watcher / queue consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			if port > 0 {
				e.cfg.Server.Port = port
			}
			return serve(cmd.Context(), e)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (default: server.port)")
	return cmd
}

func serve(ctx context.Context, e *env) error {
	cfg, logger := e.cfg, e.logger
	logger.WithField("version", version).Info("Starting patchkit server")

	promMetrics := middleware.NewPrometheusMetrics(logger, "patchkit")
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	go memMonitor.Run(ctx)

	orch := worker.NewOrchestrator(e.registry, cfg, logger)
	orch.SetMetrics(promMetrics)

	var runRepo repository.RunRepository
	if cfg.Database.Enabled {
		db, err := repository.InitDB(&cfg.Database, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		runRepo = repository.NewRunRepository(db, logger)
		orch.SetRunRepository(runRepo)
		logger.WithField("type", cfg.Database.Type).Info("Run database connected")
	}

	// 运行事件 WebSocket 推送
	events := handlers.NewRunEventHandler(logger)
	events.Start(ctx)
	orch.AddObserver(events)

	pool := worker.NewPool(cfg.Pipeline.Concurrency, cfg.Pipeline.QueueSize, orch, logger)
	pool.SetMetrics(promMetrics)
	pool.Start(ctx)
	defer pool.Stop()

	poolDispatcher := &service.PoolDispatcher{Pool: pool}
	var dispatcher service.Dispatcher = poolDispatcher

	var mq *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		var err error
		mq, err = queue.NewRabbitMQ(cfg.RabbitMQ, cfg.Pipeline.Concurrency, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		dispatcher = queue.NewProducer(mq, promMetrics, logger)
	}

	tracker := service.NewRunService(dispatcher, runRepo, cfg.Pipeline.OutputRoot, logger)
	poolDispatcher.OnDone = tracker.Complete
	orch.AddObserver(tracker)

	if mq != nil {
		consumer := queue.NewConsumer(mq, consumeHandler(pool, tracker, logger), cfg.Pipeline.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer consumer.Stop()
		logger.WithField("workers", cfg.Pipeline.Concurrency).Info("Run consumer started")
	}

	if cfg.Watcher.Enabled {
		fw, err := watcher.NewFileWatcher(cfg.Watcher.InboxDir, nil,
			time.Duration(cfg.Watcher.DebounceMs)*time.Millisecond,
			inboxHandler(tracker, logger), logger)
		if err != nil {
			return err
		}
		fw.Start(ctx)
		defer fw.Stop()
		logger.WithField("inbox_dir", cfg.Watcher.InboxDir).Info("Inbox watcher started")
	}

	router := api.SetupRouter(cfg, logger, tracker, events, memMonitor, promMetrics)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	logger.Info("Server stopped")
	return nil
}

// consumeHandler 队列消息交给 Pool 执行并等待结束
// 运行本身失败（failed 状态）仍视为已处理
func consumeHandler(pool *worker.Pool, tracker service.Tracker, logger *logrus.Logger) queue.RunHandler {
	return func(ctx context.Context, req worker.RunRequest) error {
		rep, err := pool.SubmitAndWait(ctx, &worker.Task{Request: req, Done: tracker.Complete})
		if rep == nil && err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"run_id": req.ID,
			"state":  rep.State,
		}).Info("Queued run finished")
		return nil
	}
}

// inboxHandler 收件目录的新文件按 auto 档位提交
func inboxHandler(runs service.RunService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		id, err := runs.Submit(ctx, service.RunSubmission{Input: filePath})
		if err != nil {
			return fmt.Errorf("failed to submit run: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"run_id": id,
			"file":   filepath.Base(filePath),
		}).Info("Inbox run submitted")
		return nil
	}
}
