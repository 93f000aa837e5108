package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/cleanup"
	"authgate.org/internal/config"
	"authgate.org/internal/httpapi"
	"authgate.org/internal/notify"
	"authgate.org/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	store := auth.NewPGStore(db)

	codec, err := auth.NewCodec(cfg.JWTSecret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	// Redis is optional: without it blacklist lookups fall through to
	// Postgres on every request.
	var cache auth.TokenCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		rc, err := auth.NewRedisCache(client)
		if err != nil {
			log.Fatalf("redis cache: %v", err)
		}
		cache = rc
	}

	ledger, err := auth.NewLedger(store, codec)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	blacklist, err := auth.NewBlacklist(store, cache, codec)
	if err != nil {
		log.Fatalf("blacklist: %v", err)
	}

	var mailer auth.Mailer
	if cfg.MailerEnabled {
		queue, err := notify.OpenQueue(cfg.AMQPURL, cfg.EmailQueue)
		if err != nil {
			log.Fatalf("mail queue: %v", err)
		}
		defer queue.Close()
		mailer = notify.NewDispatcher(queue)
	} else {
		mailer = notify.NewDispatcher(notify.LogMailer{})
	}

	recorder := audit.NewRecorder(db, 256)
	defer recorder.Close()

	svc, err := auth.NewService(store, codec, ledger, blacklist,
		auth.WithMaxFailedAttempts(cfg.MaxFailedAttempts),
		auth.WithLockDuration(cfg.LockDuration),
		auth.WithResetTokenTTL(cfg.ResetTokenTTL),
		auth.WithMailer(mailer),
		auth.WithAuditSink(recorder),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	admin, err := auth.NewAdmin(store, recorder)
	if err != nil {
		log.Fatalf("user admin: %v", err)
	}

	// daily purge of expired token state
	hour, minute, err := config.ParseClock(cfg.CleanupAt)
	if err != nil {
		log.Fatalf("cleanup schedule: %v", err)
	}
	job := cleanup.NewJob(hour, minute, []cleanup.Target{
		{Name: "refresh_tokens", Purger: ledger},
		{Name: "token_blacklist", Purger: blacklist},
	})
	jobCtx, stopJob := context.WithCancel(context.Background())
	defer stopJob()
	go job.Start(jobCtx)

	api := httpapi.New(svc, admin, codec, audit.NewQuery(db), httpapi.ReadyProbe{DB: db}, version)

	var handler http.Handler = api.Handler()
	handler = httpapi.RateLimit(handler, cfg.RateBurst, cfg.RatePerSecond)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopJob()
	log.Println("Stopped")
}
