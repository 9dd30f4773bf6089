package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/pkg/distlock"
	"github.com/relaypoint/portal-bridge/internal/service/registry"
)

// Stage is one step of the per-bot pipeline. Stages never see each other's
// errors: a failing stage is logged and the next stage still runs, so a
// portal outage cannot wedge SMS delivery and vice versa.
type Stage interface {
	Name() string
	Run(ctx context.Context, bot *domain.Bot) error
}

// InfoMailTask runs once per tick instead of once per bot. The invite
// acceptor's shared-mailbox scan is the only implementation.
type InfoMailTask interface {
	RunInfoMailbox(ctx context.Context, bot *domain.Bot) error
}

// BotScheduler drives every active bot through the pipeline stages on a
// fixed interval. Each bot runs under a distributed lock, so multiple
// scheduler processes can share one database without double-driving a bot.
type BotScheduler struct {
	db          *sql.DB
	redisClient *redis.Client
	registry    *registry.Service
	stages      []Stage
	infoMail    InfoMailTask
	cfg         config.SchedulerConfig

	workerID  string
	heartbeat *heartbeat

	// Stats
	ticks         int64
	botsProcessed int64
	stageErrors   int64
	locksMissed   int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewBotScheduler creates a scheduler over the given stages. Stages run in
// the order given, once per bot per tick.
func NewBotScheduler(db *sql.DB, redisClient *redis.Client, reg *registry.Service, cfg config.SchedulerConfig, stages ...Stage) *BotScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &BotScheduler{
		db:          db,
		redisClient: redisClient,
		registry:    reg,
		stages:      stages,
		cfg:         cfg,
		workerID:    fmt.Sprintf("scheduler-%s-%s", hostname(), uuid.NewString()[:8]),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.heartbeat = newHeartbeat(db, s.workerID, "bot_scheduler", s.snapshot)
	return s
}

// SetInfoMailTask attaches the once-per-tick shared mailbox scan.
func (s *BotScheduler) SetInfoMailTask(t InfoMailTask) {
	s.infoMail = t
}

// Start launches the scheduler loop. It returns immediately; the first tick
// runs right away rather than waiting a full interval.
func (s *BotScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if err := s.heartbeat.register(s.ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.loop(s.ctx)
	}()

	s.wg.Add(1)
	go s.run()

	log.Printf("[Scheduler] Started worker %s (interval=%s, stages=%d, max_concurrent=%d)",
		s.workerID, s.cfg.Interval(), len(s.stages), s.maxConcurrent())
	return nil
}

// Stop shuts the scheduler down and waits for in-flight bot runs to finish.
func (s *BotScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Printf("[Scheduler] Stopping worker %s...", s.workerID)
	s.cancel()
	s.wg.Wait()

	if err := s.heartbeat.deregister(context.Background()); err != nil {
		log.Printf("[Scheduler] Failed to deregister worker: %v", err)
	}

	log.Printf("[Scheduler] Stopped. ticks=%d bots=%d stage_errors=%d locks_missed=%d",
		atomic.LoadInt64(&s.ticks),
		atomic.LoadInt64(&s.botsProcessed),
		atomic.LoadInt64(&s.stageErrors),
		atomic.LoadInt64(&s.locksMissed))
}

func (s *BotScheduler) run() {
	defer s.wg.Done()

	// First pass immediately so a fresh deploy does not sit idle for a
	// whole interval.
	s.tick()

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs the pipeline for every active bot, at most maxConcurrent at a
// time, and waits for all of them before returning.
func (s *BotScheduler) tick() {
	atomic.AddInt64(&s.ticks, 1)

	bots, err := s.registry.List(s.ctx, true)
	if err != nil {
		log.Printf("[Scheduler] Failed to list active bots: %v", err)
		return
	}
	if len(bots) == 0 {
		return
	}

	log.Printf("[Scheduler] Tick: %d active bot(s)", len(bots))

	sem := make(chan struct{}, s.maxConcurrent())
	var tickWG sync.WaitGroup
	for i := range bots {
		bot := bots[i]
		tickWG.Add(1)
		go func() {
			defer tickWG.Done()
			select {
			case sem <- struct{}{}:
			case <-s.ctx.Done():
				return
			}
			defer func() { <-sem }()
			s.runBot(s.ctx, &bot)
		}()
	}
	tickWG.Wait()

	s.runInfoMail(bots)
}

// runInfoMail scans the shared invite mailbox once per tick, after the
// per-bot pipelines settle. The scan borrows the first active bot's
// session and takes its own lock so only one worker performs it.
func (s *BotScheduler) runInfoMail(bots []domain.Bot) {
	if s.infoMail == nil || len(bots) == 0 {
		return
	}

	lock := distlock.NewLock(s.redisClient, s.db, "info_mail_lock", s.cfg.LockTTL())
	acquired, err := lock.Acquire(s.ctx)
	if err != nil {
		atomic.AddInt64(&s.stageErrors, 1)
		log.Printf("[Scheduler] Info mailbox: lock error: %v", err)
		return
	}
	if !acquired {
		atomic.AddInt64(&s.locksMissed, 1)
		return
	}
	defer func() {
		if err := lock.Release(s.ctx); err != nil {
			log.Printf("[Scheduler] Info mailbox: lock release failed: %v", err)
		}
	}()

	if err := s.infoMail.RunInfoMailbox(s.ctx, &bots[0]); err != nil {
		atomic.AddInt64(&s.stageErrors, 1)
		log.Printf("[Scheduler] Info mailbox scan failed: %v", err)
	}
}

// runBot takes the bot's distributed lock, sleeps the anti-burst jitter and
// walks the stages in order. A stage error is logged and counted but never
// stops the remaining stages.
func (s *BotScheduler) runBot(ctx context.Context, bot *domain.Bot) {
	lock := distlock.ForBot(s.redisClient, s.db, bot.ID, s.cfg.LockTTL())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Scheduler] Bot %s: lock error: %v", bot.Name, err)
		atomic.AddInt64(&s.stageErrors, 1)
		return
	}
	if !acquired {
		atomic.AddInt64(&s.locksMissed, 1)
		log.Printf("[Scheduler] Bot %s: pipeline already running elsewhere, skipping", bot.Name)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("[Scheduler] Bot %s: lock release failed: %v", bot.Name, err)
		}
	}()

	if !s.sleepJitter(ctx) {
		return
	}

	for _, stage := range s.stages {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := stage.Run(ctx, bot); err != nil {
			atomic.AddInt64(&s.stageErrors, 1)
			log.Printf("[Scheduler] Bot %s: stage %s failed: %v", bot.Name, stage.Name(), err)
		}
	}

	atomic.AddInt64(&s.botsProcessed, 1)
}

// RunOnce runs a single stage (or all stages when stageName is empty) for
// one bot, outside the tick loop. Manual runs still take the bot lock so
// they cannot race a live scheduler.
func (s *BotScheduler) RunOnce(ctx context.Context, botID int64, stageName string) error {
	bot, err := s.registry.Get(ctx, botID)
	if err != nil {
		return fmt.Errorf("load bot %d: %w", botID, err)
	}

	stages := s.stages
	if stageName != "" {
		stage := s.stageByName(stageName)
		if stage == nil {
			return fmt.Errorf("unknown stage %q (have %v)", stageName, s.StageNames())
		}
		stages = []Stage{stage}
	}

	lock := distlock.ForBot(s.redisClient, s.db, bot.ID, s.cfg.LockTTL())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire bot lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("bot %s is locked by another worker", bot.Name)
	}
	defer lock.Release(ctx)

	for _, stage := range stages {
		log.Printf("[Scheduler] Bot %s: running stage %s", bot.Name, stage.Name())
		if err := stage.Run(ctx, bot); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
	}
	return nil
}

// StageNames lists the configured stages in run order.
func (s *BotScheduler) StageNames() []string {
	names := make([]string, len(s.stages))
	for i, stage := range s.stages {
		names[i] = stage.Name()
	}
	return names
}

func (s *BotScheduler) stageByName(name string) Stage {
	for _, stage := range s.stages {
		if stage.Name() == name {
			return stage
		}
	}
	return nil
}

// sleepJitter waits a random delay inside the configured window so bots
// sharing a tick do not hit the portal in lockstep. Returns false when the
// context was canceled during the wait.
func (s *BotScheduler) sleepJitter(ctx context.Context) bool {
	d := jitterDuration(s.cfg)
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func jitterDuration(cfg config.SchedulerConfig) time.Duration {
	min, max := cfg.JitterMinSeconds, cfg.JitterMaxSeconds
	if max < min {
		max = min
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(min+rand.Intn(max-min+1)) * time.Second
}

func (s *BotScheduler) maxConcurrent() int {
	if s.cfg.MaxConcurrentBots > 0 {
		return s.cfg.MaxConcurrentBots
	}
	return 1
}

func (s *BotScheduler) snapshot() heartbeatSnapshot {
	return heartbeatSnapshot{
		TotalRuns:   atomic.LoadInt64(&s.ticks),
		TotalErrors: atomic.LoadInt64(&s.stageErrors),
		Stats: map[string]int64{
			"bots_processed": atomic.LoadInt64(&s.botsProcessed),
			"locks_missed":   atomic.LoadInt64(&s.locksMissed),
			"stages":         int64(len(s.stages)),
		},
	}
}
