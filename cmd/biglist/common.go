package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/biglist/biglist-go"
	"github.com/biglist/biglist-go/health"
	"github.com/biglist/biglist-go/internal/config"
	"github.com/biglist/biglist-go/internal/database"
	"github.com/biglist/biglist-go/internal/httpapi"
)

// runtime is what every service command starts from
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	client *biglist.Client
}

func setup(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(logger)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	client, err := biglist.NewClient(cfg.AMQP.URL,
		biglist.WithLogger(logger),
		biglist.WithAMQPConfig(cfg.AMQP))
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, client: client}, nil
}

func (rt *runtime) close() {
	if err := rt.client.Close(); err != nil {
		rt.logger.Warn("closing broker client", "error", err)
	}
}

func (rt *runtime) openDatabase(ctx context.Context) (*database.DB, error) {
	if rt.cfg.Database.DSN == "" {
		return nil, nil
	}
	db, err := database.Open(ctx, rt.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func (rt *runtime) serve(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:         rt.cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  rt.cfg.Server.ReadTimeout,
		WriteTimeout: rt.cfg.Server.WriteTimeout,
	}
	return httpapi.Serve(ctx, srv, rt.cfg.Server.ShutdownTimeout, rt.logger)
}

// cancelOnExit cancels the command when sub ends with an error, such as a
// queue declared with conflicting arguments
func cancelOnExit(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, name string, sub health.Subscription) {
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				logger.Error("subscription exited, shutting down", "subscription", name, "error", err)
				cancel()
			}
		}
	}()
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
