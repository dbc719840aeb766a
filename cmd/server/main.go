package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/config"
	"github.com/Tyrowin/groupchat/internal/events"
	"github.com/Tyrowin/groupchat/internal/observability"
	"github.com/Tyrowin/groupchat/internal/relay"
	"github.com/Tyrowin/groupchat/internal/server"
	"github.com/Tyrowin/groupchat/internal/store"
	"github.com/Tyrowin/groupchat/internal/store/memory"
	"github.com/Tyrowin/groupchat/internal/store/sqlstore"
	"github.com/Tyrowin/groupchat/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Gateway, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), nil
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		return sqlstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseDSN, log)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func run() error {
	cfg := config.Load()
	log := observability.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		SampleRatio: cfg.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	if cfg.JWTSecret == config.DevJWTSecret {
		log.Warn("JWT_SECRET not set, using the development secret")
	}

	gateway, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gateway.Close()
	log.Info("store ready", "driver", cfg.StoreDriver)

	server.SetConfig(cfg.Server)

	opts := server.Options{
		Store:    gateway,
		Verifier: auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer publisher.Close()
		opts.Events = publisher
		log.Info("publishing message events", "topic", cfg.KafkaTopic)
	}

	var rel *relay.Relay
	if cfg.RedisAddr != "" {
		rel, err = relay.Dial(ctx, cfg.RedisAddr, cfg.RedisChannel, log)
		if err != nil {
			return err
		}
		defer rel.Close()
		opts.Relay = rel
	}

	srv := server.New(opts)
	if rel != nil {
		go func() {
			if err := rel.Run(ctx, srv.DeliverRelayed); err != nil {
				log.Error("relay stopped", "error", err)
			}
		}()
	}

	httpServer := server.CreateServer(server.CurrentConfig().Port, srv.SetupRoutes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	var errs []error
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	return errors.Join(errs...)
}
