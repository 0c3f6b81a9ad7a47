package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hls-livestream/internal/artifacts"
	"hls-livestream/internal/gateway"
	"hls-livestream/internal/hls"
	"hls-livestream/internal/livestream"
	"hls-livestream/internal/notify"
	"hls-livestream/internal/objectstore"
	"hls-livestream/internal/platform/config"
	"hls-livestream/internal/platform/logger"
	"hls-livestream/internal/platform/metrics"
	"hls-livestream/internal/session"
	"hls-livestream/internal/transcoder"
	"hls-livestream/internal/upload"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

const notifyTimeout = 5 * time.Second

func serve(ctx context.Context, envFile string, port int) error {
	cfg, err := config.Parse(envFile)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Port = port
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := hls.NewStore(cfg.HLSRoot)
	if err := store.Init(); err != nil {
		return fmt.Errorf("hls root: %w", err)
	}

	sched := upload.New(upload.Options{
		Concurrency:  cfg.UploadConcurrency,
		Window:       cfg.UploadWindow,
		MaxPerWindow: cfg.UploadMaxPerWindow,
		MaxRetries:   cfg.UploadMaxRetries,
		MinTimeout:   cfg.UploadMinTimeout,
		MaxTimeout:   cfg.UploadMaxTimeout,
		Factor:       cfg.UploadFactor,
		OnFailedAttempt: func(attempt int, err error) {
			met.ObserveUploadAttempt("retry")
			log.Debug("upload attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		},
	}, log)

	remote, err := objectstore.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("remote storage: %w", err)
	}

	sup := transcoder.NewSupervisor(transcoder.Options{
		Binary:         cfg.FFmpegPath,
		InputFormat:    cfg.FFmpegInputFormat,
		SegmentSeconds: cfg.HLSSegmentSeconds,
		StopTimeout:    cfg.TranscoderStopTimeout,
	}, log)
	publisher := artifacts.NewPublisher(store, remote, sched, sup, met, log)

	notifier, closeNotifier := notify.New(cfg, log)
	dispatcher := notify.NewDispatcher(notifier, notifyTimeout, log)

	registry := session.NewRegistry()
	svc := livestream.NewService(livestream.Options{
		IdleTimeout:       cfg.TranscoderIdleTimeout,
		IdleCheckInterval: cfg.IdleCheckInterval,
		EvictionGrace:     cfg.SessionEvictionGrace,
		SyncInterval:      cfg.ArtifactSyncInterval,
		StopTimeout:       cfg.ShutdownTimeout,
		FinalizeTimeout:   cfg.ArtifactFinalizeWait,
		DrainTimeout:      cfg.StreamRestartWait,
		RetainForVOD:      cfg.HLSRetainForVOD,
		PlaybackURL:       cfg.PlaybackURL,
	}, registry, store, livestream.NewLauncher(sup), publisher, dispatcher, met, log)

	gw := gateway.New(svc, gateway.Options{
		AllowedOrigins:    cfg.WSAllowedOrigins,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		MaxMessageBytes:   cfg.WSMaxMessageBytes,
	}, log)
	svc.SetEventSink(gw)

	h := livestream.NewHandler(svc, livestream.NewReporter(registry, store, log), store, log, met, remote.Name())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetSessions(registry.Counts()) }).ServeHTTP(w, r)
	})
	r.Handle("/livestream/socket", gw)
	h.Routes(r)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.Port),
		slog.String("hls_root", store.Root()),
		slog.String("storage", remote.Name()),
		slog.Bool("retain_for_vod", cfg.HLSRetainForVOD),
		slog.String("log_level", cfg.LogLevel))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := svc.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("stop streams: %w", err))
		}
		gw.Close()
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		sup.StopAll(sctx)
		dispatcher.Wait()
		if err := closeNotifier(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.String("error", err.Error()))
		return err
	}
	log.Info("server stopped")
	return nil
}
