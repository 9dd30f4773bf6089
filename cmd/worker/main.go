package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/portal-bridge/internal/alerts"
	"github.com/relaypoint/portal-bridge/internal/artifacts"
	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/portal"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
	"github.com/relaypoint/portal-bridge/internal/service/registry"
	"github.com/relaypoint/portal-bridge/internal/splash"
	"github.com/relaypoint/portal-bridge/internal/templates"
	"github.com/relaypoint/portal-bridge/internal/textbelt"
	"github.com/relaypoint/portal-bridge/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting Portal Bridge worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	redisClient := connectRedis(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared plumbing: one portal session pool, one headless renderer and
	// one gateway client across all stages.
	sessions := portal.NewSessionManager(cfg.Portal)
	splashClient := splash.NewClient(cfg.Splash)
	gateway := textbelt.NewClient(cfg.Gateway)
	store := artifacts.NewStore(ctx, cfg.Artifacts)
	mailer := alerts.NewMailer(ctx, cfg.Alerts)

	bots := postgres.NewBotRepo(db)
	emails := postgres.NewEmailRepo(db)
	smsRepo := postgres.NewSMSRepo(db)
	users := postgres.NewUserRepo(db)
	contacts := postgres.NewContactRepo(db)
	processed := postgres.NewProcessedRepo(db)
	renderer := templates.NewService(postgres.NewTemplateRepo(db))
	reg := registry.NewService(bots)

	// The pusher is the shared reply transport. The interpreter answers
	// through it during the pull stage; the dispatcher and relay use it
	// for confirmations and relayed texts.
	pusher := worker.NewReplyPusher(*cfg, sessions, splashClient, store)
	interpreter := commands.NewService(contacts, users, emails, renderer, pusher)

	acceptor := worker.NewInviteAcceptor(*cfg, sessions, splashClient, renderer, processed, pusher, store)
	puller := worker.NewInboxPuller(*cfg, sessions, portal.NewInbox(cfg.Portal), emails, users, reg, interpreter)
	relay := worker.NewInboundRelay(smsRepo, emails, contacts, renderer, pusher)
	dispatcher := worker.NewSMSDispatcher(*cfg, gateway, emails, smsRepo, users, contacts, renderer, pusher, mailer)

	scheduler := worker.NewBotScheduler(db, redisClient, reg, cfg.Scheduler,
		acceptor, puller, relay, dispatcher)
	scheduler.SetInfoMailTask(acceptor)

	if cfg.TestMode {
		log.Println("TEST MODE active: send volume capped, render artifacts retained")
	}

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	scheduler.Stop()
	log.Println("Worker stopped")
}

// connectRedis returns a verified client, or nil so locking falls back to
// PG advisory locks.
func connectRedis(url string) *redis.Client {
	if url == "" {
		log.Println("Redis not configured - using PG advisory locks for distributed locking")
		return nil
	}

	var client *redis.Client
	opts, err := redis.ParseURL(url)
	if err != nil {
		client = redis.NewClient(&redis.Options{Addr: url})
	} else {
		client = redis.NewClient(opts)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed (%s): %v - falling back to PG advisory locks", url, err)
		client.Close()
		return nil
	}
	log.Printf("Redis connected: %s (distributed locking enabled)", url)
	return client
}
