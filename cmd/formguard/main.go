package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/formguard/formguard/internal/audit"
	"github.com/formguard/formguard/internal/ippolicy"
	"github.com/formguard/formguard/internal/messaging"
	"github.com/formguard/formguard/internal/metrics"
	"github.com/formguard/formguard/internal/nonce"
	"github.com/formguard/formguard/internal/ratelimit"
	"github.com/formguard/formguard/internal/session"
	"github.com/formguard/formguard/internal/store"
	"github.com/formguard/formguard/internal/validate"
	"github.com/formguard/formguard/internal/webhook"
)

func main() {
	cfg := loadConfig()

	// --- Store ---
	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		mem := store.NewMemory()
		st = mem
		go func() {
			for range time.Tick(time.Minute) {
				mem.Cleanup()
			}
		}()
	default:
		redisStore, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		st = redisStore
	}

	// --- Audit DB (optional) ---
	var auditStore *audit.Store
	if cfg.DatabaseURL != "" {
		m, err := migrate.New("file://"+cfg.MigrationsDir, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init migrations: %v", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("failed to run migrations: %v", err)
		}

		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to ping Postgres: %v", err)
		}
		auditStore = audit.NewStore(db)
	}

	// --- NATS (optional) ---
	var bus *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		var err error
		bus, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer bus.Close()
	}

	// --- Core wiring ---
	notifier := webhook.NewNotifier(cfg.WebhookURL, cfg.WebhookHMACKey)
	defer notifier.Close()

	limiter := ratelimit.NewLimiter(st, cfg.RateLimitThreshold, cfg.BanDuration)
	sessions := session.NewRegistry(st, cfg.SessionLifetime)
	nonces := nonce.New(cfg.NonceSecret, cfg.NonceLifetime)
	policy := ippolicy.New(cfg.IPAllowlist, cfg.IPDenylist)

	deps := validate.Deps{
		Policy:   policy,
		Limiter:  limiter,
		Sessions: sessions,
		Nonces:   nonces,
	}
	if notifier.Enabled() {
		deps.Notifier = notifier
	}
	if auditStore != nil {
		deps.Audit = auditStore
	}
	if bus != nil {
		deps.Bus = bus
	}

	pipeline := validate.New(deps, validate.Config{
		Hardened:         cfg.Hardened,
		MinJA3Length:     cfg.MinJA3Length,
		MinTimeMS:        cfg.MinTimeMS,
		MinEntropyLength: cfg.MinEntropyLength,
	})

	api := &apiServer{
		pipeline:  pipeline,
		sessions:  sessions,
		nonces:    nonces,
		ipHeader:  cfg.TrustedIPHeader,
		ja3Header: cfg.JA3Header,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", api.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/api/session", api.handleSession)
	r.Post("/api/validate", api.handleValidate)
	r.Post("/api/report", api.handleReport)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("formguard gateway starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  store_backend:    %s", cfg.StoreBackend)
	log.Printf("  hardened:         %v", cfg.Hardened)
	log.Printf("  rate_threshold:   %d", cfg.RateLimitThreshold)
	log.Printf("  ban_duration:     %s", cfg.BanDuration)
	log.Printf("  session_lifetime: %s", cfg.SessionLifetime)
	log.Printf("  webhook:          %v", notifier.Enabled())
	log.Printf("  audit_db:         %v", auditStore != nil)
	log.Printf("  nats:             %v", bus != nil)
	if cfg.TrustedIPHeader != "" {
		log.Printf("  trusted_ip_hdr:   %s", cfg.TrustedIPHeader)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

// config holds everything the gateway reads from the environment.
type config struct {
	ListenAddr    string
	StoreBackend  string
	RedisAddr     string
	DatabaseURL   string
	MigrationsDir string
	NATSURL       string

	WebhookURL     string
	WebhookHMACKey string

	NonceSecret   string
	NonceLifetime time.Duration

	RateLimitThreshold int
	BanDuration        time.Duration
	SessionLifetime    time.Duration
	MinTimeMS          int64
	MinEntropyLength   int
	Hardened           bool
	MinJA3Length       int

	IPAllowlist []string
	IPDenylist  []string

	TrustedIPHeader string
	JA3Header       string
	CORSOrigins     []string
}

func loadConfig() config {
	cfg := config{
		ListenAddr:         ":8080",
		StoreBackend:       "redis",
		RedisAddr:          "localhost:6379",
		MigrationsDir:      "migrations",
		NonceLifetime:      10 * time.Minute,
		RateLimitThreshold: 5,
		BanDuration:        time.Hour,
		SessionLifetime:    12 * time.Hour,
		MinTimeMS:          3000,
		MinEntropyLength:   10,
		MinJA3Length:       10,
		JA3Header:          "X-JA3-Fingerprint",
		CORSOrigins:        []string{"*"},
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		cfg.MigrationsDir = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	cfg.WebhookHMACKey = os.Getenv("WEBHOOK_HMAC_KEY")

	cfg.Hardened = os.Getenv("HARDENED") == "1" || strings.EqualFold(os.Getenv("HARDENED"), "true")
	if cfg.Hardened {
		// Hardened deployments default to short-lived sessions.
		cfg.SessionLifetime = 10 * time.Minute
	}

	if v := os.Getenv("RATE_LIMIT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RateLimitThreshold = n
		}
	}
	if v := os.Getenv("BAN_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BanDuration = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SESSION_LIFETIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionLifetime = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MIN_TIME_THRESHOLD_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.MinTimeMS = n
		}
	}
	if v := os.Getenv("MIN_ENTROPY_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MinEntropyLength = n
		}
	}
	if v := os.Getenv("MIN_JA3_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MinJA3Length = n
		}
	}

	cfg.IPAllowlist = splitList(os.Getenv("IP_ALLOWLIST"))
	cfg.IPDenylist = splitList(os.Getenv("IP_DENYLIST"))

	cfg.TrustedIPHeader = os.Getenv("TRUSTED_IP_HEADER")
	if v := os.Getenv("JA3_HEADER"); v != "" {
		cfg.JA3Header = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	cfg.NonceSecret = os.Getenv("NONCE_SECRET")
	if cfg.NonceSecret == "" {
		cfg.NonceSecret = nonce.RandomSecret()
		log.Printf("[config] NONCE_SECRET not set, generated an ephemeral one; nonces will not survive restarts")
	}

	return cfg
}

// splitList parses a comma- or newline-separated list.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
