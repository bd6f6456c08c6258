package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/xerrors"

	"github.com/Brownie44l1/imgclf-api/internal/config"
	"github.com/Brownie44l1/imgclf-api/internal/handlers"
	"github.com/Brownie44l1/imgclf-api/internal/lgr"
	"github.com/Brownie44l1/imgclf-api/internal/model"
	"github.com/Brownie44l1/imgclf-api/internal/preprocess"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fatal("error loading .env file", err)
	}

	root, err := config.ProjectRoot()
	if err != nil {
		fatal("failed to resolve project root", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		fatal("invalid configuration", err)
	}

	preprocess.MaxPixels = cfg.MaxImagePixels

	logCloser := lgr.Init(lgr.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modelServer, err := model.NewServer(cfg.ModelPath, cfg.MetadataPath,
		model.WithDevice(cfg.Device),
		model.WithSessionFactory(model.ONNXSessionFactory(cfg.ORTLibPath)),
	)
	if err != nil {
		fatal("failed to initialize model server", err)
	}
	defer model.ShutdownRuntime()
	defer modelServer.Close()

	if cfg.PreLoad {
		if _, err := modelServer.Warmup(ctx); err != nil {
			fatal("failed to pre-load model", err)
		}
	}

	if cfg.WatchModel {
		if err := modelServer.Watch(ctx); err != nil {
			fatal("failed to watch checkpoint", err)
		}
	}

	handler := handlers.NewHandler(modelServer,
		handlers.WithMaxUpload(cfg.MaxUploadSize),
		handlers.WithPathInput(cfg.AllowPathInput),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lgr.Logger.Info("server starting",
		slog.String("port", cfg.Port),
		slog.String("model", cfg.ModelPath),
		slog.String("metadata", cfg.MetadataPath),
		slog.String("device", cfg.Device),
		slog.Bool("preloaded", cfg.PreLoad),
		slog.Any("endpoints", []string{
			"GET /health",
			"POST /load",
			"POST /predict",
			"POST /predict/image",
			"POST /predict/base64",
			"POST /run",
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		lgr.Logger.Info("received kill signal, shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			lgr.Logger.Error("server failed", slog.Any("error", xerrors.New(err.Error())))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lgr.Logger.Error("graceful shutdown failed", slog.Any("error", xerrors.New(err.Error())))
	}
}

func fatal(msg string, err error) {
	lgr.Logger.Error(msg, slog.Any("error", xerrors.New(err.Error())))
	os.Exit(1)
}
