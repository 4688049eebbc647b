package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/talkware/ucair/internal/api/handler"
	apimw "github.com/talkware/ucair/internal/api/middleware"
	"github.com/talkware/ucair/internal/api/ratelimit"
	"github.com/talkware/ucair/internal/api/router"
	"github.com/talkware/ucair/internal/bootstrap"
	"github.com/talkware/ucair/internal/engine"
	"github.com/talkware/ucair/internal/events"
	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/textproc/dict"
	"github.com/talkware/ucair/pkg/config"
	"github.com/talkware/ucair/pkg/health"
	"github.com/talkware/ucair/pkg/kafka"
	"github.com/talkware/ucair/pkg/logger"
	"github.com/talkware/ucair/pkg/metrics"
	"github.com/talkware/ucair/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("ucaird failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ucaird stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := uuid.NewString()
	slog.Info("starting ucaird", "port", cfg.Server.Port, "instance", instanceID)

	g, gctx := errgroup.WithContext(ctx)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Port, cfg.Server.ShutdownTimeout)
		})
	}
	checker := health.NewChecker()

	terms := dict.New()
	collection, err := bootstrap.Collection(cfg.Engine, terms)
	if err != nil {
		return err
	}

	opts := engine.Options{
		Engine:  cfg.Engine,
		Topics:  cfg.Topics,
		Metrics: m,
	}

	var historyStore *history.SQLStore
	if cfg.History.Path != "" {
		historyStore, err = history.OpenSQLStore(ctx, cfg.History.Path)
		if err != nil {
			return err
		}
		defer historyStore.Close()
		opts.History = historyStore
		checker.Register("history", health.Ping(historyStore.Ping, true))
		slog.Info("history store opened", "path", cfg.History.Path)
	}

	models, err := bootstrap.OpenModelStore(ctx, cfg, m, false)
	if err != nil {
		return err
	}
	if models != nil {
		defer models.Close()
		opts.ModelStore = models.Store
		if models.Ping != nil {
			checker.Register("model-store", health.Ping(models.Ping, false))
		}
	}

	topicStore, err := bootstrap.OpenTopicStore(ctx, cfg)
	if err != nil {
		return err
	}
	if topicStore != nil {
		defer topicStore.Close()
		opts.TopicStore = topicStore.Store
		checker.Register("postgres", health.Ping(topicStore.Ping, false))
	}

	eng := engine.New(terms, collection, opts)

	if historyStore != nil && cfg.History.Preload {
		preload(ctx, eng, historyStore, cfg.History.PreloadTimeout)
	}

	var tracker handler.Tracker
	if cfg.Kafka.Enabled {
		topic := cfg.Kafka.Topics.UserEvents
		producer := kafka.NewProducer(cfg.Kafka, topic)
		defer producer.Close()
		collector := events.NewCollector(producer, instanceID, 10000, m)
		collector.Start(gctx)
		defer collector.Close()
		tracker = collector

		consumer := kafka.NewConsumer(cfg.Kafka, topic, events.HandleMessage(eng, instanceID, m))
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Start(gctx)
		})
		slog.Info("user event stream enabled", "topic", topic, "brokers", cfg.Kafka.Brokers)
	}

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = ratelimit.New(cfg.Server.RateLimit, cfg.Server.RateWindow)
		defer limiter.Stop()
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.New(handler.New(eng, tracker), router.Options{
			Health:      checker,
			Metrics:     m,
			Limiter:     limiter,
			CORS:        apimw.DefaultCORSConfig(cfg.Server.CORSOrigins...),
			Timeout:     cfg.Server.RequestTimeout,
			SlowRequest: cfg.Server.SlowRequest,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		slog.Info("ucaird listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// preload replays every stored user so the first requests do not pay for
// it. Users not loaded before the timeout are loaded on demand.
func preload(ctx context.Context, eng *engine.Engine, store *history.SQLStore, timeout time.Duration) {
	start := time.Now()
	var loaded atomic.Int64
	err := resilience.WithTimeout(ctx, timeout, "history-preload", func(ctx context.Context) error {
		users, err := store.Users(ctx)
		if err != nil {
			return err
		}
		for _, id := range users {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := eng.LoadUser(ctx, id); err != nil {
				slog.Warn("failed to preload user", "user_id", id, "error", err)
				continue
			}
			loaded.Add(1)
		}
		return nil
	})
	if err != nil {
		slog.Warn("history preload incomplete", "error", err, "loaded", loaded.Load())
		return
	}
	slog.Info("history preloaded", "users", loaded.Load(), "duration", time.Since(start))
}
