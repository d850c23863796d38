package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/api"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/config"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/dispatcher"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/escalation"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/idempotency"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/keylock"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/media"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/monitoring"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/ocr"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/otp"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/outbound"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/ratelimit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/registry"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/session"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/webhook"
)

func main() {
	// .env is optional; containerized deployments inject real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Supabase client (tenants, users, orders, escalations, receipts)
	store, err := database.NewSupabaseClient(cfg.Media.Bucket)
	if err != nil {
		log.Fatalf("Failed to initialize Supabase client: %v", err)
	}

	// Redis (sessions, OTP records, idempotency, rate limits)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
	}
	cancel()

	// Audit journal: Postgres when a DSN is configured, in-memory otherwise
	// (dev only; the in-memory journal does not survive restarts).
	var journal audit.Journal
	if cfg.Audit.PostgresDSN != "" {
		pj, err := audit.NewPostgresJournal(cfg.Audit.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to initialize audit journal: %v", err)
		}
		defer pj.Close()
		journal = pj
	} else {
		log.Println("AUDIT_POSTGRES_DSN not set, using in-memory audit journal")
		journal = audit.NewMemoryJournal()
	}

	metrics := monitoring.NewMetrics(nil)

	// Tenant registry with channel-binding cache
	reg := registry.New(store, cfg.Webhook.DefaultTenantID)

	// Outbound delivery engine
	clients := map[event.Platform]outbound.PlatformClient{
		event.PlatformWhatsApp:  outbound.NewWhatsAppClient(cfg.Outbound.WhatsAppAPIBaseURL, cfg.Outbound.AttemptTimeout),
		event.PlatformInstagram: outbound.NewInstagramClient(cfg.Outbound.InstagramAPIBaseURL, cfg.Outbound.AttemptTimeout),
	}
	engine := outbound.NewEngine(reg, clients, journal, outbound.Config{
		MaxAttempts:       cfg.Outbound.MaxAttempts,
		BackoffBase:       cfg.Outbound.BackoffBase,
		BackoffCap:        cfg.Outbound.BackoffCap,
		PerTenantInFlight: cfg.Outbound.PerTenantInFlight,
		Metrics:           metrics,
	})

	// Redis-backed subsystems
	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb))
	otpSvc := otp.NewService(rdb, limiter, cfg.OTPTTL())
	sessions := session.NewStore(rdb, cfg.SessionTTL())
	idem := idempotency.New(rdb, 0)

	// OCR hand-off (optional)
	var enqueuer media.OCREnqueuer = ocr.Noop{}
	if cfg.OCR.Enabled {
		pub, err := ocr.NewPublisher(cfg.OCR.ProjectID, cfg.OCR.TopicID)
		if err != nil {
			log.Fatalf("Failed to initialize OCR publisher: %v", err)
		}
		defer pub.Close()
		enqueuer = pub
	}

	ingestor := media.NewIngestor(engine, store, enqueuer, journal, cfg.Media.MaxBytes)

	notifier := escalation.LogNotifier{}
	escalations := escalation.NewService(store, engine, notifier, otpSvc, journal, escalation.Config{
		HighValueThreshold: cfg.Escalation.HighValueThreshold,
		PendingTTL:         cfg.Escalation.PendingTTL,
		OCRMinConfidence:   cfg.Escalation.OCRMinConfidence,
		Metrics:            metrics,
	})
	sweeper := escalation.NewSweeper(escalations, cfg.Escalation.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	disp := dispatcher.New(store, sessions, otpSvc, engine, ingestor, escalations, notifier, journal, metrics)

	locks := keylock.NewTable()
	defer locks.Close()

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		supabaseStatus := "connected"
		if err := store.Ping(ctx); err != nil {
			supabaseStatus = "error"
		}
		redisStatus := "connected"
		if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "error"
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":   "healthy",
			"service":  "commerce-gateway",
			"supabase": supabaseStatus,
			"redis":    redisStatus,
		})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	webhookHandler := webhook.NewHandler(cfg.Webhook, cfg.EventBudget(), idem, reg, locks, disp, engine, journal, metrics)
	webhookHandler.Register(router)

	internalAPI := api.NewServer(cfg.Server.InternalAPIToken, store, escalations, disp, otpSvc, notifier, cfg.OTP.DebugExposeOTP)
	internalAPI.Register(router)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Commerce gateway starting on port %s (env=%s)", cfg.Server.Port, cfg.Server.Env)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}
