package combat

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDamageFormula(t *testing.T) {
	r := DefaultRules()
	cases := []struct {
		name            string
		energy, defense int
		crit            bool
		want            int
	}{
		{"full energy", 100, 0, false, 40},
		{"full energy crit", 100, 0, true, 60},
		{"full mitigation", 100, 100, false, 16},
		{"half and half", 50, 50, false, 14},
		{"no energy", 0, 0, true, 0},
		{"over cap clamps", 250, 0, false, 40},
	}
	for _, c := range cases {
		if got := r.Damage(c.energy, c.defense, c.crit); got != c.want {
			t.Fatalf("%s: Damage(%d,%d,%v) = %d, want %d", c.name, c.energy, c.defense, c.crit, got, c.want)
		}
	}
}

func TestResolveIsOrderIndependent(t *testing.T) {
	r := DefaultRules()
	s := snapshot{Round: 1, P1Energy: 70, P1Defense: 20, P2Energy: 30, P2Defense: 60, P1Active: true, P2Active: true, P1Health: 100, P2Health: 90, P1Critical: true}
	swapped := snapshot{Round: 1, P1Energy: 30, P1Defense: 60, P2Energy: 70, P2Defense: 20, P1Active: true, P2Active: true, P1Health: 90, P2Health: 100, P2Critical: true}

	a, b := r.resolve(s), r.resolve(swapped)
	if a.Result.Player1Damage != b.Result.Player2Damage || a.Result.Player2Damage != b.Result.Player1Damage {
		t.Fatalf("damage depends on slot order: %+v vs %+v", a.Result, b.Result)
	}
	if a.Result.Player1HealthLeft != b.Result.Player2HealthLeft {
		t.Fatalf("health mismatch: %+v vs %+v", a.Result, b.Result)
	}
}

func TestResolveTermination(t *testing.T) {
	r := DefaultRules()

	idle := r.resolve(snapshot{Round: 2, P1Health: 50, P2Health: 50})
	if idle.Terminal || !idle.Result.Stalemate {
		t.Fatalf("both idle should be a stalemate round: %+v", idle)
	}

	lastIdle := r.resolve(snapshot{Round: r.MaxRounds, P1Health: 50, P2Health: 70})
	if !lastIdle.Terminal || lastIdle.Winner != 2 || lastIdle.Reason != ReasonMaxRounds {
		t.Fatalf("idle final round should end by health: %+v", lastIdle)
	}

	oneSilent := r.resolve(snapshot{Round: 1, P1Active: false, P2Active: true, P2Energy: 100, P1Health: 100, P2Health: 100})
	if !oneSilent.Terminal || oneSilent.Status != StatusTimeout || oneSilent.Winner != 2 || oneSilent.Reason != ReasonOpponentInactive {
		t.Fatalf("silent player should lose by timeout: %+v", oneSilent)
	}
	if oneSilent.Result.Player2Damage != 0 {
		t.Fatalf("timeout round should deal no damage")
	}

	ko := r.resolve(snapshot{Round: 1, P1Active: true, P2Active: true, P1Energy: 100, P1Critical: true, P1Health: 100, P2Health: 30})
	if !ko.Terminal || ko.Status != StatusCompleted || ko.Reason != ReasonKnockout || ko.Winner != 1 {
		t.Fatalf("knockout expected: %+v", ko)
	}
	if ko.Result.Player2HealthLeft != 0 {
		t.Fatalf("health should clamp at zero, got %d", ko.Result.Player2HealthLeft)
	}

	tie := r.resolve(snapshot{Round: r.MaxRounds, P1Active: true, P2Active: true, P1Health: 40, P2Health: 40})
	if !tie.Terminal || tie.Winner != 1 {
		t.Fatalf("equal health should favour player1: %+v", tie)
	}

	double := r.resolve(snapshot{Round: 1, P1Active: true, P2Active: true, P1Energy: 100, P2Energy: 100, P1Health: 10, P2Health: 10})
	if !double.Terminal || double.Winner != 1 || double.Reason != ReasonKnockout {
		t.Fatalf("double knockout should favour player1: %+v", double)
	}
}

func TestLoadRulesOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "battle.yaml")
	body := "max_rounds: 3\nround_duration: 15s\ncritical_chance: 0\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if r.MaxRounds != 3 || r.RoundDuration != 15*time.Second || r.CriticalChance != 0 {
		t.Fatalf("overrides not applied: %+v", r)
	}
	if r.BaseDamage != 20 || r.StartHealth != 100 {
		t.Fatalf("defaults lost: %+v", r)
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("max_rounds: 0\n"), 0o600)
	if _, err := LoadRules(bad); err == nil {
		t.Fatalf("expected validation error")
	}
}
