package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/portal-bridge/internal/alerts"
	"github.com/relaypoint/portal-bridge/internal/artifacts"
	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/portal"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
	"github.com/relaypoint/portal-bridge/internal/service/registry"
	"github.com/relaypoint/portal-bridge/internal/splash"
	"github.com/relaypoint/portal-bridge/internal/templates"
	"github.com/relaypoint/portal-bridge/internal/textbelt"
	"github.com/relaypoint/portal-bridge/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "bots-sync":
		handleBotsSync(os.Args[2:])
	case "seed-templates":
		handleSeedTemplates()
	case "run":
		handleRun(os.Args[2:])
	case "list-bots":
		handleListBots()
	case "list-users":
		handleListUsers()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`botctl - Portal Bridge operations tool

Usage:
  botctl <command> [flags]

Commands:
  bots-sync  --file <bots.json> [--prune]    Reconcile the declared bot set into the registry
  seed-templates                             Install the built-in response templates
  run        --bot-id <id> [--stage <name>]  Run pipeline stages for one bot, under its lock
                                             (stages: invites, pull, push, sms; default all)
  list-bots                                  Show registered bots
  list-users                                 Show penpal users

Environment:
  CONFIG_PATH     Config file (default: config/config.yaml)
  DATABASE_URL    Overrides the configured Postgres DSN
  REDIS_URL       Overrides the configured Redis URL`)
}

func handleBotsSync(args []string) {
	file := flagValue(args, "--file")
	if file == "" {
		fatal("--file is required")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		fatal("read %s: %v", file, err)
	}
	var specs []registry.BotSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		fatal("parse %s: %v", file, err)
	}

	cfg := loadConfig()
	db := openDB(cfg)
	defer db.Close()

	reg := registry.NewService(postgres.NewBotRepo(db))
	res, err := reg.Sync(context.Background(), specs, hasFlag(args, "--prune"))
	if err != nil {
		fatal("sync: %v", err)
	}
	fmt.Printf("Synced %d bot(s): %d created, %d updated, %d deactivated\n",
		len(specs), res.Created, res.Updated, res.Deactivated)
}

func handleSeedTemplates() {
	cfg := loadConfig()
	db := openDB(cfg)
	defer db.Close()

	renderer := templates.NewService(postgres.NewTemplateRepo(db))
	n, err := renderer.Seed(context.Background())
	if err != nil {
		fatal("seed templates: %v", err)
	}
	fmt.Printf("Seeded %d template(s)\n", n)
}

func handleRun(args []string) {
	botIDRaw := flagValue(args, "--bot-id")
	if botIDRaw == "" {
		fatal("--bot-id is required")
	}
	botID, err := strconv.ParseInt(botIDRaw, 10, 64)
	if err != nil {
		fatal("invalid --bot-id %q", botIDRaw)
	}
	stage := flagValue(args, "--stage")

	cfg := loadConfig()
	db := openDB(cfg)
	defer db.Close()

	// The one-shot still takes the bot's distributed lock, so it needs the
	// same lock backend a live scheduler would use.
	redisClient := connectRedis(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx := context.Background()
	scheduler := buildScheduler(ctx, cfg, db, redisClient)
	if err := scheduler.RunOnce(ctx, botID, stage); err != nil {
		fatal("run: %v", err)
	}
	fmt.Println("OK")
}

func handleListBots() {
	cfg := loadConfig()
	db := openDB(cfg)
	defer db.Close()

	reg := registry.NewService(postgres.NewBotRepo(db))
	bots, err := reg.List(context.Background(), false)
	if err != nil {
		fatal("list bots: %v", err)
	}
	if len(bots) == 0 {
		fmt.Println("No bots registered")
		return
	}

	fmt.Printf("%-4s %-16s %-30s %-8s %-8s %s\n",
		"ID", "NAME", "PORTAL USER", "ACTIVE", "MAILBOX", "LAST SEEN MSG")
	for _, b := range bots {
		mailbox := "shared"
		if b.HasMailbox() {
			mailbox = "own"
		}
		fmt.Printf("%-4d %-16s %-30s %-8v %-8s %d\n",
			b.ID, b.Name, b.PortalUsername, b.IsActive, mailbox, b.LastSeenMessageID)
	}
}

func handleListUsers() {
	cfg := loadConfig()
	db := openDB(cfg)
	defer db.Close()

	users, err := postgres.NewUserRepo(db).List(context.Background())
	if err != nil {
		fatal("list users: %v", err)
	}

	lines := make([]string, 0, len(users))
	for _, u := range users {
		status := "inactive"
		if u.IsActive {
			status = "active"
		}
		lines = append(lines, fmt.Sprintf("%s (%s) - %s, %d texts left in period",
			u.UserName, u.PicNumber, status, u.SMSRemaining))
	}

	renderer := templates.NewService(postgres.NewTemplateRepo(db))
	out, err := renderer.Render(context.Background(), domain.TplListPenpalUsers,
		templates.Params{Users: lines})
	if err != nil {
		fatal("render user list: %v", err)
	}
	fmt.Println(out)
}

// buildScheduler assembles the full stage pipeline the same way cmd/worker
// does, minus the tick loop.
func buildScheduler(ctx context.Context, cfg *config.Config, db *sql.DB, redisClient *redis.Client) *worker.BotScheduler {
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

	pusher := worker.NewReplyPusher(*cfg, sessions, splashClient, store)
	interpreter := commands.NewService(contacts, users, emails, renderer, pusher)

	acceptor := worker.NewInviteAcceptor(*cfg, sessions, splashClient, renderer, processed, pusher, store)
	puller := worker.NewInboxPuller(*cfg, sessions, portal.NewInbox(cfg.Portal), emails, users, reg, interpreter)
	relay := worker.NewInboundRelay(smsRepo, emails, contacts, renderer, pusher)
	dispatcher := worker.NewSMSDispatcher(*cfg, gateway, emails, smsRepo, users, contacts, renderer, pusher, mailer)

	return worker.NewBotScheduler(db, redisClient, reg, cfg.Scheduler,
		acceptor, puller, relay, dispatcher)
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		fatal("load config: %v", err)
	}
	return cfg
}

func openDB(cfg *config.Config) *sql.DB {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		fatal("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fatal("ping database: %v", err)
	}
	return db
}

func connectRedis(url string) *redis.Client {
	if url == "" {
		return nil
	}

	var client *redis.Client
	opts, err := redis.ParseURL(url)
	if err != nil {
		client = redis.NewClient(&redis.Options{Addr: url})
	} else {
		client = redis.NewClient(opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed (%s): %v - falling back to PG advisory locks", url, err)
		client.Close()
		return nil
	}
	return client
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
