package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vgabrielk/widget-sub001/internal/auth"
	"github.com/vgabrielk/widget-sub001/internal/config"
	"github.com/vgabrielk/widget-sub001/internal/gcs"
	"github.com/vgabrielk/widget-sub001/internal/handlers"
	"github.com/vgabrielk/widget-sub001/internal/limiter"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
	"github.com/vgabrielk/widget-sub001/internal/services"
	"github.com/vgabrielk/widget-sub001/internal/store"
	"github.com/vgabrielk/widget-sub001/internal/supabase"
	"github.com/vgabrielk/widget-sub001/internal/websocket"
)

const (
	agentTokenTTL   = 12 * time.Hour
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.AutoMigrate(); err != nil {
		return err
	}

	sb := supabase.NewClient(cfg, log)

	var storage services.ObjectStorage = sb
	if cfg.StorageBackend == "gcs" {
		bucket, err := gcs.NewBucket(ctx, cfg.GCSBucket, cfg.GCSPublicBaseURL, log)
		if err != nil {
			return err
		}
		defer bucket.Close()
		storage = bucket
	}

	// The source feeds websocket subscribers; the publisher may also mirror
	// every change to Supabase Realtime for clients subscribed there.
	var (
		source    realtime.Source
		publisher realtime.Publisher
	)
	switch cfg.RealtimeBackend {
	case "redis":
		bus, err := realtime.NewRedisBus(ctx, realtime.RedisOptions{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			ChannelPrefix: cfg.RedisChannelPrefix,
		}, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		source, publisher = bus, bus
	default:
		broker := realtime.NewBroker()
		source, publisher = broker, broker
	}
	if cfg.SupabaseRealtimeSync {
		publisher = realtime.Fanout{publisher, sb}
	}

	registry := realtime.NewRegistry(source, log)
	defer registry.Close()
	hub := websocket.NewHub(registry, log)

	m := metrics.New()
	m.RegisterGaugeFunc("realtime_rooms", "Rooms with an open realtime stream.", func() float64 {
		return float64(registry.RoomCount())
	})
	m.RegisterGaugeFunc("realtime_listeners", "Listeners attached to room streams.", func() float64 {
		return float64(registry.ListenerCount())
	})
	m.RegisterGaugeFunc("websocket_clients", "Connected websocket clients.", func() float64 {
		return float64(hub.ClientCount())
	})

	visitors := services.NewVisitorService(st, log, m)
	messages := services.NewMessageService(st, visitors, publisher, m, log)
	rooms := services.NewRoomService(st, storage, visitors, messages, m, cfg.PresenceWindow, log)
	widgets := services.NewWidgetService(st, log)
	uploads := services.NewUploadService(st, storage, visitors, m, log)

	uploadLimiter := limiter.NewFixedWindow(cfg.UploadRateLimit, cfg.UploadRateWindow)
	cleanup := services.NewCleanupService(cfg.CleanupInterval, map[string]services.Sweeper{
		"upload_limiter": uploadLimiter,
	}, log)

	router := handlers.NewRouter(handlers.Deps{
		Log:              log,
		Metrics:          m,
		DB:               st,
		Auth:             auth.New(cfg.JWTSecret, agentTokenTTL),
		Widgets:          widgets,
		Visitors:         visitors,
		Rooms:            rooms,
		Messages:         messages,
		Uploads:          uploads,
		UploadLimiter:    uploadLimiter,
		WebSocket:        websocket.NewHandler(hub),
		DashboardOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server starting", "addr", srv.Addr, "realtime", cfg.RealtimeBackend, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		go cleanup.Start()
		<-gctx.Done()
		cleanup.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
