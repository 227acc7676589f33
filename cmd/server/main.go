package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-fanline/internal/auth"
	"go-fanline/internal/bus"
	"go-fanline/internal/call"
	"go-fanline/internal/chat"
	"go-fanline/internal/config"
	"go-fanline/internal/conversation"
	"go-fanline/internal/db"
	"go-fanline/internal/event"
	"go-fanline/internal/fulfillment"
	"go-fanline/internal/logger"
	"go-fanline/internal/message"
	"go-fanline/internal/metrics"
	myMiddleware "go-fanline/internal/middleware"
	"go-fanline/internal/notify"
	"go-fanline/internal/presence"
	"go-fanline/internal/respond"
	"go-fanline/internal/room"
	"go-fanline/internal/store"
	"go-fanline/internal/timer"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides server.addr)")
	configPath := flag.String("config", "", "path to a YAML config file")
	memory := flag.Bool("memory", false, "keep state in memory instead of PostgreSQL")
	flag.Parse()

	cfg, err := config.Load(*configPath, *memory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.MustInitGlobal(cfg.Log)
	defer log.Sync()

	if err := run(cfg, *memory, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, memory bool, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	clock := clockwork.NewRealClock()

	// 2. Storage
	var (
		st       store.Store
		database *db.Database
	)
	if memory {
		st = store.NewMemory()
		log.Warn("using in-memory store; state is lost on restart")
	} else {
		var err error
		database, err = db.NewDatabase(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()
		if err := database.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("connected to postgres")
		st = store.NewPostgres(database.Conn)
	}

	// 3. Real-time fan-out, optionally across the cluster
	hub := chat.NewHub(log.Named("hub"))
	var (
		deliverer   event.Deliverer = hub
		redisClient *redis.Client
		fanout      *bus.Redis
		presenceOpt = []presence.Option{presence.WithClock(clock), presence.WithLogger(log.Named("presence"))}
	)
	if cfg.Cluster.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

		fanout = bus.NewRedis(redisClient, hub, log.Named("bus"))
		deliverer = fanout
		mirror := presence.NewRedisMirror(redisClient, clock, cfg.Timers.PresenceTTL, log.Named("presence"))
		presenceOpt = append(presenceOpt, presence.WithMirror(mirror), presence.WithSweepInterval(cfg.Timers.PresenceSweep))
	}
	registry := presence.NewRegistry(presenceOpt...)
	defer registry.Close()

	var notifier notify.Notifier = notify.NewLog(log.Named("push"))
	if cfg.Push.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Push.WebhookURL, cfg.Push.Timeout)
	}

	sched := timer.NewScheduler(clock)
	sched.OnFire = func(key string) { log.Debug("timer fired", zap.String("key", key)) }
	defer sched.Stop()

	rooms := room.NewJWTIssuer(cfg.Room.URL, cfg.Room.APIKey, cfg.Room.APISecret, cfg.Room.TTL, clock)

	// 4. Features
	pipeline := message.NewPipeline(st, registry, deliverer, notifier, clock, log.Named("message"))
	manager := conversation.NewManager(st, registry, deliverer, sched, conversation.Config{
		Window:   cfg.Timers.AcceptanceWindow,
		Debounce: cfg.Timers.AutoOfferDebounce,
	}, log.Named("conversation"))
	orders := fulfillment.NewService(st, registry, deliverer, sched, rooms, log.Named("fulfillment"))
	orders.SetActivationListener(manager)
	calls := call.NewCoordinator(st, registry, deliverer, sched, rooms, call.Config{
		RingTimeout:   cfg.Timers.RingTimeout,
		SweepInterval: cfg.Timers.SweepInterval,
	}, log.Named("call"))

	n, err := orders.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover fulfillment timers: %w", err)
	}
	log.Info("re-armed fulfillment timers", zap.Int("count", n))

	presenceEvents, unsubscribe := registry.Subscribe()
	defer unsubscribe()

	chatHandler := chat.NewHandler(ctx, hub, chat.Services{
		Messages:      pipeline,
		Conversations: manager,
		Calls:         calls,
		Presence:      registry,
		Clock:         clock,
	}, log.Named("ws"))
	chatHandler.SetPongWait(cfg.Server.PongWait)
	convHandler := conversation.NewHandler(manager)
	msgHandler := message.NewHandler(pipeline)
	orderHandler := fulfillment.NewHandler(orders)
	callHandler := call.NewHandler(calls)

	authMiddleware := myMiddleware.NewAuthMiddleware(auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer))

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if database != nil {
			if err := database.Conn.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		respond.JSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"online_users":   len(registry.OnlineUsers()),
			"pending_timers": sched.Len(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/ws", chatHandler.ServeWs)

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", convHandler.List)
			r.Post("/", convHandler.Open)
			r.Post("/{id}/enable", convHandler.Enable)
			r.Get("/{id}/state", convHandler.State)
			r.Get("/{id}/messages", msgHandler.History)
			r.Post("/{id}/messages", msgHandler.Send)
			r.Post("/{id}/read", msgHandler.MarkRead)
		})

		r.Route("/api/orders/{id}", func(r chi.Router) {
			r.Post("/start", orderHandler.Start)
			r.Get("/remaining", orderHandler.Remaining)
			r.Post("/complete", orderHandler.Complete)
			r.Post("/cancel", orderHandler.Cancel)
			r.Post("/join", orderHandler.Join)
		})

		r.Route("/api/calls", func(r chi.Router) {
			r.Post("/", callHandler.Initiate)
			r.Get("/{id}", callHandler.Get)
			r.Post("/{id}/accept", callHandler.Accept)
			r.Post("/{id}/reject", callHandler.Reject)
			r.Post("/{id}/end", callHandler.End)
			r.Get("/{id}/credential", callHandler.Credential)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Start the engines
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { pipeline.Run(gctx); return nil })
	g.Go(func() error { manager.Run(gctx, presenceEvents); return nil })
	g.Go(func() error { calls.Run(gctx); return nil })
	g.Go(func() error { return ignoreCanceled(registry.Run(gctx)) })
	if fanout != nil {
		g.Go(func() error { return ignoreCanceled(fanout.Run(gctx)) })
	}
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
