package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	HTTPAddr string

	RedisURL    string
	DatabaseURL string

	ProfileBaseURL  string
	ProfileCacheTTL time.Duration
	ServiceToken    string

	MatchTolerance   int
	QueueTimeout     time.Duration
	InvitationTTL    time.Duration
	DailyBattleLimit int

	JobPollInterval time.Duration
	JobBatchSize    int
	JobMaxAttempts  int
	JobRetention    time.Duration
	JobLease        time.Duration
	SweepInterval   time.Duration

	FanoutMode       string
	AllowedOrigins   []string
	MessagesDir      string
	BattleConfigFile string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr:         ":8080",
		ProfileCacheTTL:  5 * time.Minute,
		MatchTolerance:   50,
		QueueTimeout:     5 * time.Minute,
		InvitationTTL:    60 * time.Second,
		DailyBattleLimit: 20,
		JobPollInterval:  time.Second,
		JobBatchSize:     10,
		JobMaxAttempts:   3,
		JobRetention:     7 * 24 * time.Hour,
		JobLease:         2 * time.Minute,
		SweepInterval:    30 * time.Second,
		FanoutMode:       "redis",
	}

	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ProfileBaseURL = strings.TrimSpace(os.Getenv("PROFILE_BASE_URL"))
	cfg.ServiceToken = strings.TrimSpace(os.Getenv("SERVICE_TOKEN"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))
	cfg.BattleConfigFile = strings.TrimSpace(os.Getenv("BATTLE_CONFIG_FILE"))

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("FANOUT_MODE"))); v != "" {
		cfg.FanoutMode = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}

	if n, ok := positiveInt("MATCH_TOLERANCE"); ok {
		cfg.MatchTolerance = n
	}
	if n, ok := positiveInt("DAILY_BATTLE_LIMIT"); ok {
		cfg.DailyBattleLimit = n
	}
	if n, ok := positiveInt("JOB_BATCH_SIZE"); ok {
		cfg.JobBatchSize = n
	}
	if n, ok := positiveInt("JOB_MAX_ATTEMPTS"); ok {
		cfg.JobMaxAttempts = n
	}
	if n, ok := positiveInt("PROFILE_CACHE_TTL_SEC"); ok {
		cfg.ProfileCacheTTL = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("QUEUE_TIMEOUT_SEC"); ok {
		cfg.QueueTimeout = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("INVITATION_TTL_SEC"); ok {
		cfg.InvitationTTL = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("JOB_POLL_INTERVAL_MS"); ok {
		cfg.JobPollInterval = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("JOB_RETENTION_HOURS"); ok {
		cfg.JobRetention = time.Duration(n) * time.Hour
	}
	if n, ok := positiveInt("JOB_LEASE_SEC"); ok {
		cfg.JobLease = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("SWEEP_INTERVAL_SEC"); ok {
		cfg.SweepInterval = time.Duration(n) * time.Second
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.FanoutMode != "redis" && cfg.FanoutMode != "log" {
		return nil, errors.New("FANOUT_MODE must be redis or log")
	}

	return cfg, nil
}

func positiveInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
