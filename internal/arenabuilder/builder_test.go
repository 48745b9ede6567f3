package arenabuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/config"
)

func testConfig(redisURL string) *config.AppConfig {
	return &config.AppConfig{
		RedisURL:         redisURL,
		MatchTolerance:   50,
		QueueTimeout:     time.Minute,
		InvitationTTL:    time.Minute,
		DailyBattleLimit: 5,
		JobBatchSize:     10,
		JobMaxAttempts:   3,
		FanoutMode:       "log",
	}
}

func TestNewDialsRedisURLAndPairsPlayers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	d, err := New(context.Background(), testConfig("redis://"+mr.Addr()+"/0"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	p, err := d.Directory.Lookup(context.Background(), "anyone")
	if err != nil || p.Strength != defaultStrength {
		t.Fatalf("static directory = %+v, %v", p, err)
	}

	ctx := context.Background()
	if out, err := d.Service.FindMatch(ctx, "a", 0); err != nil || !out.Waiting {
		t.Fatalf("first FindMatch = %+v, %v", out, err)
	}
	out, err := d.Service.FindMatch(ctx, "b", 0)
	if err != nil || out.Battle == nil {
		t.Fatalf("second FindMatch = %+v, %v", out, err)
	}
	if out.Battle.Player1ID != "a" || out.Battle.Player2ID != "b" {
		t.Fatalf("players = %s vs %s", out.Battle.Player1ID, out.Battle.Player2ID)
	}
}

func TestNewUsesRulesFile(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	path := filepath.Join(t.TempDir(), "battle.yaml")
	if err := os.WriteFile(path, []byte("max_rounds: 3\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig("")
	cfg.BattleConfigFile = path
	d, err := New(context.Background(), cfg, nil, WithRedisClient(rdb))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Rules.MaxRounds != 3 {
		t.Fatalf("MaxRounds = %d", d.Rules.MaxRounds)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// 외부 클라이언트는 닫지 않는다
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("caller's client closed: %v", err)
	}

	cfg.BattleConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := New(context.Background(), cfg, nil, WithRedisClient(rdb)); err == nil {
		t.Fatalf("missing rules file should fail")
	}
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	if _, err := New(context.Background(), testConfig("http://nope"), nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
