package arenabuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/arena"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/combat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/config"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/fanout"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/invitation"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/matchmaking"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/msgcat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/profile"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/quota"
)

// defaultStrength is used for every user when no profile API is configured.
const defaultStrength = 100

type Deps struct {
	Redis     *redis.Client
	Service   *arena.Service
	Jobs      *jobqueue.Queue
	Catalog   *msgcat.Catalog
	Directory profile.Directory
	Rules     combat.Rules

	closers []func() error
}

// Close releases the Redis client (when owned) and the history database.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type options struct {
	rdb       *redis.Client
	now       func() time.Time
	directory profile.Directory
	publisher fanout.Publisher
}

type Option func(*options)

// WithRedisClient uses an existing client instead of dialing REDIS_URL. The caller keeps ownership.
func WithRedisClient(rdb *redis.Client) Option { return func(o *options) { o.rdb = rdb } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithDirectory(d profile.Directory) Option { return func(o *options) { o.directory = d } }

func WithPublisher(p fanout.Publisher) Option { return func(o *options) { o.publisher = p } }

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, opts ...Option) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	d := &Deps{}
	fail := func(err error) (*Deps, error) {
		_ = d.Close()
		return nil, err
	}

	// Redis
	rdb := o.rdb
	if rdb == nil {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(ropts)
		d.closers = append(d.closers, rdb.Close)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
	}
	d.Redis = rdb

	rules, err := combat.LoadRules(cfg.BattleConfigFile)
	if err != nil {
		return fail(err)
	}
	d.Rules = rules

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fail(fmt.Errorf("load messages: %w", err))
	}
	d.Catalog = catalog

	// History repository (Postgres optional)
	var repo combat.Repository
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := combat.NewPostgresRepository(cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		d.closers = append(d.closers, pg.Close)
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = pg.EnsureSchema(sctx)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("ensure schema: %w", err))
		}
		repo = pg
	} else {
		logger.Warn("history_in_memory", zap.String("hint", "set DATABASE_URL to keep battle history"))
		repo = combat.NewMemoryRepository()
	}

	dir := o.directory
	if dir == nil {
		dir = buildDirectory(cfg, rdb, logger)
	}
	d.Directory = dir

	pub := o.publisher
	if pub == nil {
		switch cfg.FanoutMode {
		case "log":
			pub = fanout.LogPublisher{}
		default:
			pub = fanout.NewRedisPublisher(rdb)
		}
	}

	jobs := jobqueue.New(jobqueue.NewStore(rdb), jobqueue.Options{
		PollInterval: cfg.JobPollInterval,
		BatchSize:    cfg.JobBatchSize,
		MaxAttempts:  cfg.JobMaxAttempts,
		Lease:        cfg.JobLease,
		Now:          o.now,
	})
	d.Jobs = jobs

	engine := combat.NewEngine(rdb, jobs, pub,
		combat.WithRules(rules),
		combat.WithRepository(repo),
		combat.WithClock(o.now),
	)
	queue := matchmaking.NewQueue(rdb, matchmaking.WithClock(o.now))
	limiter := quota.NewDailyLimiter(rdb, cfg.DailyBattleLimit).WithClock(o.now)
	invites := invitation.NewManager(rdb, engine, jobs, pub,
		invitation.WithTTL(cfg.InvitationTTL),
		invitation.WithClock(o.now),
		invitation.WithDirectory(dir),
		invitation.WithLimiter(limiter),
		invitation.WithMatchmaking(queue),
	)

	svc, err := arena.NewService(arena.Deps{
		Queue:       queue,
		Invitations: invites,
		Engine:      engine,
		Jobs:        jobs,
		Publisher:   pub,
		Directory:   dir,
		Limiter:     limiter,
		Now:         o.now,
	}, arena.Config{
		Tolerance:     cfg.MatchTolerance,
		QueueTimeout:  cfg.QueueTimeout,
		JobRetention:  cfg.JobRetention,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		return fail(err)
	}
	d.Service = svc

	logger.Info("arena_ready",
		zap.String("fanout", cfg.FanoutMode),
		zap.Bool("postgres", strings.TrimSpace(cfg.DatabaseURL) != ""),
		zap.Int("max_rounds", rules.MaxRounds),
		zap.Duration("round_duration", rules.RoundDuration),
	)
	return d, nil
}

func buildDirectory(cfg *config.AppConfig, rdb *redis.Client, logger *zap.Logger) profile.Directory {
	if strings.TrimSpace(cfg.ProfileBaseURL) == "" {
		logger.Warn("profile_directory_static", zap.Int("strength", defaultStrength))
		d := profile.NewStaticDirectory()
		d.Default = &profile.Profile{Strength: defaultStrength}
		return d
	}
	httpDir := profile.NewHTTPDirectory(cfg.ProfileBaseURL, profile.WithServiceToken(cfg.ServiceToken))
	return profile.NewCachedDirectory(httpDir, rdb, cfg.ProfileCacheTTL)
}
