package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Profile is what the battle subsystem needs to know about a user.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Strength    int    `json:"strength"`
}

// Name falls back to the user id when no display name is set.
func (p *Profile) Name() string {
	if p == nil {
		return ""
	}
	if n := strings.TrimSpace(p.DisplayName); n != "" {
		return n
	}
	return p.UserID
}

var ErrNotFound = errors.New("profile not found")

// Directory resolves user strength and display name from the platform.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
}

// StaticDirectory serves profiles from memory (tests, local runs without a platform API).
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	// Default is returned for unknown users when non-nil.
	Default *Profile
}

func NewStaticDirectory(ps ...Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]Profile, len(ps))}
	for _, p := range ps {
		d.profiles[p.UserID] = p
	}
	return d
}

func (d *StaticDirectory) Put(p Profile) {
	d.mu.Lock()
	d.profiles[p.UserID] = p
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (*Profile, error) {
	d.mu.RLock()
	p, ok := d.profiles[userID]
	d.mu.RUnlock()
	if ok {
		return &p, nil
	}
	if d.Default != nil {
		cp := *d.Default
		cp.UserID = userID
		return &cp, nil
	}
	return nil, ErrNotFound
}
