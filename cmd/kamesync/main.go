package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kamesync/internal/api"
	"kamesync/internal/config"
	"kamesync/internal/dispatch"
	"kamesync/internal/events"
	"kamesync/internal/logging"
	"kamesync/internal/metrics"
	"kamesync/internal/models"
	"kamesync/internal/queue"
	"kamesync/internal/repository"
	"kamesync/internal/store"
	"kamesync/internal/syncer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка инициализации локального хранилища")
		return err
	}
	defer st.Close()

	redisClient, stateRepo := initStateRepository(ctx, cfg, &logger)
	if redisClient != nil {
		defer repository.Close(redisClient)
	}

	metrics.Register()
	eventBus := events.NewEventBus()

	dispatcher := dispatch.New(dispatch.Options{
		Concurrency:    cfg.API.Concurrency,
		MaxAttempts:    cfg.API.MaxAttempts,
		DefaultTimeout: cfg.API.RequestTimeout,
		RPS:            cfg.API.RateLimit.RPS,
		Burst:          cfg.API.RateLimit.Burst,
	}, eventBus, &logger)
	defer dispatcher.Close()

	client := api.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Revision, dispatcher,
		api.WithTimeouts(cfg.API.RequestTimeout, cfg.API.PageTimeout))

	engineSyncer := syncer.New(st, client, stateRepo, eventBus, logger, cfg.Sync.SchemaVersion)
	submissionQueue := queue.New(st, client, eventBus, logger, queue.Options{
		MaxFailures:  cfg.Queue.MaxFailures,
		ProbeBackoff: cfg.Queue.ProbeBackoff,
	})

	subscribeEngineEvents(ctx, eventBus, stateRepo, engineSyncer, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	logger.Info().
		Str("base_url", cfg.API.BaseURL).
		Int("schema_version", cfg.Sync.SchemaVersion).
		Msg("Движок синхронизации запущен")

	if err := engineSyncer.SyncAll(ctx, false); err != nil {
		logger.Error().Err(err).Msg("Стартовая синхронизация завершилась с ошибками")
	}
	if _, err := submissionQueue.Drain(ctx); err != nil {
		logger.Error().Err(err).Msg("Стартовый слив очереди завершился с ошибкой")
	}

	return runLoop(ctx, cfg, engineSyncer, submissionQueue, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "main").Logger()

	return cfg, logger, closer, nil
}

func initStateRepository(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, repository.StateRepository) {
	fallback := repository.NewMemoryStateRepository()
	if cfg.Redis.Address == "" {
		return nil, fallback
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis недоступен, состояние держим в памяти")
	}

	primary := repository.NewRedisStateRepository(redisClient, time.Duration(models.DefaultRedisTTL)*time.Second)
	return redisClient, repository.NewFailoverStateRepository(primary, fallback, logger)
}

// subscribeEngineEvents wires fire-and-forget follow-ups: the rate-limit
// window lands in the state repository, a finished drain refreshes the
// replicas, and a level-up re-pulls the profile before anything else.
func subscribeEngineEvents(
	ctx context.Context,
	bus *events.EventBus,
	stateRepo repository.StateRepository,
	engineSyncer *syncer.Syncer,
	logger *zerolog.Logger,
) {
	bus.Subscribe(events.EventRateLimited, func(ev *events.Event) error {
		var payload events.RateLimitPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			logger.Error().Err(err).Msg("event bus: decode rate limit payload")
			return nil
		}
		if err := stateRepo.SetRateLimitReset(ctx, payload.ResetAt); err != nil {
			logger.Error().Err(err).Msg("event bus: store rate limit reset")
		}
		return nil
	})

	bus.Subscribe(events.EventLevelUp, func(ev *events.Event) error {
		logger.Info().Msg("Уровень пройден, обновляем профиль")
		if _, err := engineSyncer.SyncUser(ctx); err != nil {
			logger.Error().Err(err).Msg("event bus: refresh user after level up")
		}
		return nil
	})

	bus.Subscribe(events.EventQueueDrained, func(ev *events.Event) error {
		var payload events.DrainPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			logger.Error().Err(err).Msg("event bus: decode drain payload")
			return nil
		}
		if payload.Submitted == 0 {
			return nil
		}
		// The agent has no interactive session to protect, so confirmed
		// submissions are followed by an incremental refresh right away.
		go func() {
			for _, collection := range []string{
				models.CollectionAssignments,
				models.CollectionReviews,
				models.CollectionStatistics,
			} {
				if err := engineSyncer.Sync(ctx, collection, nil, false); err != nil {
					logger.Error().Err(err).Str("collection", collection).Msg("event bus: post-drain refresh")
				}
			}
		}()
		return nil
	})

	bus.Subscribe(events.EventSyncCompleted, func(ev *events.Event) error {
		var payload events.SyncPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil
		}
		if payload.Collection != models.CollectionAssignments {
			return nil
		}
		slots, err := engineSyncer.Forecast(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("event bus: forecast recompute")
			return nil
		}
		upcoming := 0
		for _, slot := range slots {
			upcoming += slot.Count
		}
		logger.Info().Int("upcoming_24h", upcoming).Msg("Прогноз повторений пересчитан")
		return nil
	})

	bus.Subscribe(events.EventSubmissionAbandoned, func(ev *events.Event) error {
		var payload events.AbandonPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil
		}
		logger.Error().
			Int64("item", payload.ItemID).
			Str("kind", payload.Kind).
			Int64("target", payload.TargetID).
			Str("last_error", payload.LastError).
			Msg("Отправка отброшена, действие нужно повторить")
		return nil
	})
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Int("port", port).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func runLoop(
	ctx context.Context,
	cfg *config.Config,
	engineSyncer *syncer.Syncer,
	submissionQueue *queue.Queue,
	logger *zerolog.Logger,
) error {
	syncTicker := time.NewTicker(cfg.Sync.Interval)
	defer syncTicker.Stop()
	drainTicker := time.NewTicker(cfg.Queue.DrainInterval)
	defer drainTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutdown complete.")
			return nil

		case <-syncTicker.C:
			if err := engineSyncer.SyncAll(ctx, false); err != nil {
				logger.Error().Err(err).Msg("Периодическая синхронизация завершилась с ошибками")
			}

		case <-drainTicker.C:
			if _, err := submissionQueue.Drain(ctx); err != nil {
				logger.Error().Err(err).Msg("Слив очереди завершился с ошибкой")
			}
		}
	}
}
