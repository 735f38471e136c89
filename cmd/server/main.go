package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/digit-api/internal/config"
	"github.com/Brownie44l1/digit-api/internal/filewatch"
	"github.com/Brownie44l1/digit-api/internal/handlers"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/predlog"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/service"
	"github.com/Brownie44l1/digit-api/internal/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		config.Exitf("error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		flush, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flush); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	log.Printf("Loading model from: %s", cfg.Model.Path)
	classifier, err := model.Load(cfg.Model.Path, model.Options{
		ImageSize:      cfg.Dataset.ImageSize,
		Mean:           cfg.Dataset.Mean,
		Std:            cfg.Dataset.Std,
		RuntimeLibrary: cfg.Model.RuntimeLibrary,
	})
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	defer classifier.Close()

	store, err := predlog.Open(ctx, cfg.Store.DSN, cfg.Store.Timeout)
	if err != nil {
		log.Fatalf("Failed to open prediction log: %v", err)
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	if err := store.Ping(pingCtx); err != nil {
		// The server still predicts; logging and health report the outage.
		log.Printf("Prediction log not reachable yet: %v", err)
	}
	cancel()

	svc := service.New(
		preprocess.Normalizer{Size: cfg.Dataset.ImageSize, Mean: cfg.Dataset.Mean, Std: cfg.Dataset.Std},
		classifier,
		store,
		service.Options{
			DefaultHistoryLimit: cfg.History.DefaultLimit,
			MaxHistoryLimit:     cfg.History.MaxLimit,
		},
	)
	e := handlers.NewRouter(handlers.NewHandler(svc), cfg.Server.LogLevel)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           e,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if cfg.Model.Watch {
		watchPaths := []string{cfg.Model.Path}
		if _, err := os.Stat(model.MetadataPath(cfg.Model.Path)); err == nil {
			watchPaths = append(watchPaths, model.MetadataPath(cfg.Model.Path))
		}
		modified, cancel, err := filewatch.UntilModifyContext(ctx, watchPaths...)
		if err != nil {
			log.Fatalf("Failed to watch model: %v", err)
		}
		defer cancel()
		context.AfterFunc(modified, func() {
			if ctx.Err() != nil {
				return
			}
			log.Printf("%v. quit to restart server.", context.Cause(modified))
			stop()
		})
	}

	meta := classifier.Metadata()
	log.Printf("Server starting on port %s", cfg.Server.Port)
	log.Printf("Classes: %v", meta.Classes)
	log.Println("Endpoints:")
	log.Println("  GET  /health                    - Health check")
	log.Println("  POST /predict                   - Canvas array prediction")
	log.Println("  POST /predict/image             - Predict from image upload")
	log.Println("  POST /log-prediction            - Record a prediction and its true label")
	log.Println("  GET  /prediction-history?limit= - Most recent logged predictions")

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down")
		graceful, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(graceful); err != nil {
			log.Printf("error on shutdown: %v", err)
		}
	}
}
