package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"plantmon-server/internal/alarms"
	"plantmon-server/internal/config"
	"plantmon-server/internal/configuration"
	"plantmon-server/internal/eventing"
	"plantmon-server/internal/gateway/mqtt"
	"plantmon-server/internal/gateway/rabbitmq"
	"plantmon-server/internal/history"
	"plantmon-server/internal/observability/metrics"
	"plantmon-server/internal/propagation"
	"plantmon-server/internal/rules"
	"plantmon-server/internal/store"
	"plantmon-server/internal/supervision"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_FILE")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	metrics.Init()

	st := store.New(logger)
	index := supervision.NewIndex()
	bus := eventing.NewBus(logger)

	engine, err := propagation.NewEngine(st, index, bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("propagation engine")
	}

	coalescer := rules.NewCoalescer(engine.CommitRuleResult, logger)
	ruleEvaluator, err := rules.NewEvaluator(st, coalescer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("rule evaluator")
	}
	alarmEvaluator, err := alarms.NewEvaluator(st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("alarm evaluator")
	}
	aggregator, err := alarms.NewAggregator(st, alarmEvaluator, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("alarm aggregator")
	}
	aggregator.Register(engine)

	// Registration order is the propagation order: rules react to a commit
	// before the alarm batch for it is assembled.
	st.Register(ruleEvaluator)
	st.Register(aggregator)

	metrics.RegisterStoreGauges(st)
	metrics.RegisterCoalescerGauge(coalescer.Backlog)

	configService, err := configuration.NewService(st, index, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration service")
	}

	startupCtx := context.Background()

	if cfg.SeedPath != "" {
		seed, err := configuration.LoadSeed(cfg.SeedPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("seed file")
		}
		if err := seed.Apply(startupCtx, configService); err != nil {
			logger.Fatal().Err(err).Msg("seed apply")
		}
	}

	var recorder *history.Recorder
	if cfg.History.Enabled() {
		db, err := sql.Open("pgx", cfg.History.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("db open")
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			// Not fatal: batches park in the fallback file until the
			// database comes back.
			logger.Warn().Err(err).Msg("db unreachable, history will fall back")
		}

		fallback, err := history.NewFallback(cfg.History.FallbackPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("history fallback")
		}
		recorder, err = history.NewRecorder(history.NewRepository(db), fallback, logger,
			history.WithBatchSize(cfg.History.BatchSize),
			history.WithFlushInterval(cfg.History.FlushInterval.Std()),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("history recorder")
		}
		if err := recorder.Replay(startupCtx); err != nil {
			logger.Warn().Err(err).Msg("history replay failed, rows reparked")
		}
		bus.SubscribeTagCommitted(recorder.OnTagCommitted)
		bus.SubscribeAlarmBatch(recorder.OnAlarmBatch)
	} else {
		logger.Info().Msg("history disabled, no dsn configured")
	}

	publisher, err := mqtt.NewPublisher(mqtt.Config{
		Broker:    cfg.MQTT.Broker,
		Topic:     cfg.MQTT.Topic,
		QueueSize: cfg.MQTT.QueueSize,
	}, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("alarm publisher")
	}
	if err := publisher.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("alarm publisher connect")
	}
	bus.SubscribeAlarmBatch(publisher.OnAlarmBatch)
	publisher.Start()

	// Rule ancestry must be in place before the first inbound supervision
	// event, so the backfill runs before the consumer starts.
	coordinator, err := supervision.NewCoordinator(st, index, logger,
		supervision.WithWorkers(cfg.Backfill.Workers),
		supervision.WithBatchSize(cfg.Backfill.BatchSize),
		supervision.WithStateFile(cfg.Backfill.StateFile),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("backfill coordinator")
	}
	if err := coordinator.Run(startupCtx); err != nil {
		logger.Fatal().Err(err).Msg("backfill")
	}

	consumer, err := rabbitmq.NewConsumer(rabbitmq.Config{
		URL:   cfg.AMQP.URL,
		Queue: cfg.AMQP.Queue,
	}, engine, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingest consumer")
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	var consumerWG, recorderWG sync.WaitGroup

	consumer.Start(consumerCtx, &consumerWG)
	if recorder != nil {
		recorder.Start(recorderCtx, &recorderWG)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	// Stop inbound traffic, then let the pending rule results commit so
	// their history rows and alarm publications are not lost.
	stopConsumer()
	consumerWG.Wait()
	coalescer.Close()

	stopRecorder()
	recorderWG.Wait()
	publisher.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)

	logger.Info().Msg("stopped")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Int("pid", os.Getpid()).Logger()
}
