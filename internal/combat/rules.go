package combat

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rules holds the combat balance. Defaults live in DefaultRules; a YAML file may override any field.
type Rules struct {
	StartHealth         int           `yaml:"start_health"`
	BaseDamage          float64       `yaml:"base_damage"`
	EnergyPerClick      int           `yaml:"energy_per_click"`
	MaxStoredEnergy     int           `yaml:"max_stored_energy"`
	MaxAttackMultiplier float64       `yaml:"max_attack_multiplier"`
	MaxMitigation       float64       `yaml:"max_mitigation"`
	CriticalChance      float64       `yaml:"critical_chance"`
	CriticalMultiplier  float64       `yaml:"critical_multiplier"`
	MaxRounds           int           `yaml:"max_rounds"`
	RoundDuration       time.Duration `yaml:"round_duration"`
	MinClickInterval    time.Duration `yaml:"min_click_interval"`

	FeeDiscountPercent  int           `yaml:"fee_discount_percent"`
	FeeDiscountDuration time.Duration `yaml:"fee_discount_duration"`
	FeeDiscountMaxStack time.Duration `yaml:"fee_discount_max_stack"`
}

func DefaultRules() Rules {
	return Rules{
		StartHealth:         100,
		BaseDamage:          20,
		EnergyPerClick:      10,
		MaxStoredEnergy:     100,
		MaxAttackMultiplier: 2.0,
		MaxMitigation:       0.6,
		CriticalChance:      0.15,
		CriticalMultiplier:  1.5,
		MaxRounds:           5,
		RoundDuration:       10 * time.Second,
		FeeDiscountPercent:  25,
		FeeDiscountDuration: 24 * time.Hour,
		FeeDiscountMaxStack: 72 * time.Hour,
	}
}

// LoadRules reads overrides from a YAML file on top of DefaultRules. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	r := DefaultRules()
	if path == "" {
		return r, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("read rules: %w", err)
	}
	if err := yaml.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return r, r.Validate()
}

func (r Rules) Validate() error {
	switch {
	case r.StartHealth <= 0:
		return fmt.Errorf("start_health must be positive")
	case r.EnergyPerClick <= 0 || r.MaxStoredEnergy <= 0:
		return fmt.Errorf("energy_per_click and max_stored_energy must be positive")
	case r.MaxRounds <= 0:
		return fmt.Errorf("max_rounds must be positive")
	case r.RoundDuration <= 0:
		return fmt.Errorf("round_duration must be positive")
	case r.MaxMitigation < 0 || r.MaxMitigation > 1:
		return fmt.Errorf("max_mitigation must be within [0,1]")
	case r.CriticalChance < 0 || r.CriticalChance > 1:
		return fmt.Errorf("critical_chance must be within [0,1]")
	}
	return nil
}

// Damage computes what an attacker with the given stored energy deals to a
// defender holding defense energy.
func (r Rules) Damage(energy, defense int, critical bool) int {
	if energy <= 0 {
		return 0
	}
	max := float64(r.MaxStoredEnergy)
	dmg := r.BaseDamage * (math.Min(float64(energy), max) / max) * r.MaxAttackMultiplier
	if critical {
		dmg *= r.CriticalMultiplier
	}
	mitigation := (math.Min(math.Max(float64(defense), 0), max) / max) * r.MaxMitigation
	dmg *= 1 - mitigation
	return int(math.Round(dmg))
}

// snapshot is the per-round input captured atomically when a round is claimed.
type snapshot struct {
	Round                  int
	P1Energy, P1Defense    int
	P2Energy, P2Defense    int
	P1Active, P2Active     bool
	P1Health, P2Health     int
	P1Critical, P2Critical bool
}

// outcome is the pure result of resolving one round.
type outcome struct {
	Result   RoundResult
	Terminal bool
	Status   Status
	Winner   int // 1 or 2 when terminal
	Reason   Reason
	Log      []string
}

// resolve applies the round rules to a snapshot. It never looks at wall clock or randomness.
func (r Rules) resolve(s snapshot) outcome {
	res := RoundResult{
		Round:          s.Round,
		Player1Energy:  s.P1Energy,
		Player2Energy:  s.P2Energy,
		Player1Defense: s.P1Defense,
		Player2Defense: s.P2Defense,
	}
	out := outcome{}
	hp1, hp2 := s.P1Health, s.P2Health

	switch {
	case !s.P1Active && !s.P2Active:
		res.Stalemate = true
		out.Log = append(out.Log, fmt.Sprintf("Round %d: both players idle, no damage", s.Round))
	case s.P1Active != s.P2Active:
		out.Terminal = true
		out.Status = StatusTimeout
		out.Reason = ReasonOpponentInactive
		if s.P1Active {
			out.Winner = 1
			out.Log = append(out.Log, fmt.Sprintf("Round %d: player 2 did not act, player 1 wins", s.Round))
		} else {
			out.Winner = 2
			out.Log = append(out.Log, fmt.Sprintf("Round %d: player 1 did not act, player 2 wins", s.Round))
		}
	default:
		res.Player1Critical = s.P1Critical && s.P1Energy > 0
		res.Player2Critical = s.P2Critical && s.P2Energy > 0
		res.Player1Damage = r.Damage(s.P1Energy, s.P2Defense, res.Player1Critical)
		res.Player2Damage = r.Damage(s.P2Energy, s.P1Defense, res.Player2Critical)
		hp2 = clampHealth(hp2 - res.Player1Damage)
		hp1 = clampHealth(hp1 - res.Player2Damage)
		out.Log = append(out.Log,
			fmt.Sprintf("Round %d: player 1 deals %d%s", s.Round, res.Player1Damage, critTag(res.Player1Critical)),
			fmt.Sprintf("Round %d: player 2 deals %d%s", s.Round, res.Player2Damage, critTag(res.Player2Critical)),
		)
	}
	res.Player1HealthLeft = hp1
	res.Player2HealthLeft = hp2
	out.Result = res
	if out.Terminal {
		return out
	}

	switch {
	case hp1 == 0 || hp2 == 0:
		out.Terminal, out.Status, out.Reason = true, StatusCompleted, ReasonKnockout
	case s.Round >= r.MaxRounds:
		out.Terminal, out.Status, out.Reason = true, StatusCompleted, ReasonMaxRounds
	default:
		return out
	}
	// 동점이면 player1 우선
	if hp2 > hp1 {
		out.Winner = 2
	} else {
		out.Winner = 1
	}
	out.Log = append(out.Log, fmt.Sprintf("Battle over (%s): player %d wins", out.Reason, out.Winner))
	return out
}

func clampHealth(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func critTag(c bool) string {
	if c {
		return " (critical)"
	}
	return ""
}
