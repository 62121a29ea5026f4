package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/livery-core/internal/config"
	"github.com/example/livery-core/internal/dispatch"
	httpapi "github.com/example/livery-core/internal/http"
	"github.com/example/livery-core/internal/ingest"
	"github.com/example/livery-core/internal/logging"
	"github.com/example/livery-core/internal/offers"
	"github.com/example/livery-core/internal/payments"
	"github.com/example/livery-core/internal/realtime"
	"github.com/example/livery-core/internal/storage"
	"github.com/example/livery-core/internal/track"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		// no logger yet
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres trip store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory trip store")
	}

	hub := realtime.NewHub(logger)
	wsreg := dispatch.NewWSRegistry()

	senders := []dispatch.Sender{wsreg}
	if cfg.FCMEndpoint != "" {
		senders = append(senders, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey))
	}

	paySvc := payments.NewService(payments.NewStripeClient())

	offerSvc := &offers.Service{
		Store:    store,
		Dispatch: dispatch.NewChain(senders...),
		Realtime: hub,
		Payments: paySvc,
		Logger:   logger,
	}

	serverOpts := []httpapi.Option{httpapi.WithSettler(paySvc)}
	if cfg.RedisAddr != "" {
		rt := track.NewRedisTrack(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisTrackKey)
		defer rt.Close()
		serverOpts = append(serverOpts, httpapi.WithTrack(rt))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		serverOpts = append(serverOpts, httpapi.WithKafka(kp))
	}

	api := httpapi.NewServer(cfg, logger, store, offerSvc, hub, wsreg, serverOpts...)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("livery-core listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
