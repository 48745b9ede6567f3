package combat

import (
	"context"
	"sort"
	"sync"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/domain"
)

// memrepo is the in-memory history store used when no DATABASE_URL is configured.
type memrepo struct {
	mu   sync.RWMutex
	byID map[string]*domain.BattleRecord
}

func NewMemoryRepository() Repository {
	return &memrepo{byID: make(map[string]*domain.BattleRecord)}
}

func (m *memrepo) SaveResult(_ context.Context, rec *domain.BattleRecord) error {
	if rec == nil {
		return nil
	}
	cp := *rec
	m.mu.Lock()
	m.byID[rec.BattleID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *memrepo) RecentByUser(_ context.Context, userID string, limit int) ([]*domain.BattleRecord, error) {
	m.mu.RLock()
	items := make([]*domain.BattleRecord, 0)
	for _, r := range m.byID {
		if r.Involves(userID) {
			cp := *r
			items = append(items, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].EndedAt.Equal(items[j].EndedAt) {
			return items[i].EndedAt.After(items[j].EndedAt)
		}
		return items[i].BattleID > items[j].BattleID
	})
	if limit = historyLimit(limit); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
