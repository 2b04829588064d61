package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/astromechza/colab/pkg/auth"
	"github.com/astromechza/colab/pkg/config"
	"github.com/astromechza/colab/pkg/hub"
	"github.com/astromechza/colab/pkg/persist"
	"github.com/astromechza/colab/pkg/server"
	"github.com/astromechza/colab/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.ParseServer()
	if err != nil {
		return err
	}

	db, err := persist.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", "err", err)
		}
	}()

	var authenticator auth.Authenticator = auth.AllowAll{}
	if cfg.AuthSecret != "" {
		authenticator = auth.NewJWTVerifier(cfg.AuthSecret)
	} else {
		slog.Warn("COLAB_AUTH_SECRET is not set, accepting any credential")
	}

	srv, err := server.New(server.Options{
		Registry:         hub.NewRegistry(db, store.WithIDGenerator(store.NewULIDGenerator())),
		Store:            db,
		Authenticator:    authenticator,
		HandshakeTimeout: cfg.HandshakeTimeout,
		BackupInterval:   cfg.BackupInterval,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx, cfg.Addr()); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}
