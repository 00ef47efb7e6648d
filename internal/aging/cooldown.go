package aging

import (
	"context"
	"errors"
	"sync"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/repo"
)

// Cooldown remembers when an alert was last sent so it fires at most once
// per window.
type Cooldown interface {
	Recent(ctx context.Context, key string, now time.Time) (bool, error)
	Mark(ctx context.Context, key string, now time.Time) error
}

const (
	DefaultCooldownWindow = 24 * time.Hour
	DefaultPruneAfter     = 48 * time.Hour
)

// MemoryCooldown keeps send times in process memory. Restarting the process
// forgets them.
type MemoryCooldown struct {
	Window     time.Duration
	PruneAfter time.Duration

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewMemoryCooldown(window, pruneAfter time.Duration) *MemoryCooldown {
	return &MemoryCooldown{Window: window, PruneAfter: pruneAfter, sent: map[string]time.Time{}}
}

func (m *MemoryCooldown) Recent(_ context.Context, key string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.sent[key]
	if !ok {
		return false, nil
	}
	return now.Sub(last) < window(m.Window), nil
}

// Mark records a send at now and drops entries older than PruneAfter.
func (m *MemoryCooldown) Mark(_ context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[string]time.Time{}
	}
	m.sent[key] = now
	cutoff := now.Add(-prune(m.PruneAfter))
	for k, at := range m.sent {
		if at.Before(cutoff) {
			delete(m.sent, k)
		}
	}
	return nil
}

// Len reports how many keys are tracked.
func (m *MemoryCooldown) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// StoreCooldown keeps send times in the alert_cooldowns table so several
// server instances share one window.
type StoreCooldown struct {
	Repo       repo.Repo
	Window     time.Duration
	PruneAfter time.Duration
}

func (s StoreCooldown) Recent(ctx context.Context, key string, now time.Time) (bool, error) {
	raw, err := s.Repo.CooldownSentAt(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false, err
	}
	return now.Sub(last) < window(s.Window), nil
}

func (s StoreCooldown) Mark(ctx context.Context, key string, now time.Time) error {
	now = now.UTC()
	return s.Repo.MarkCooldown(ctx, key, now.Format(time.RFC3339), now.Add(-prune(s.PruneAfter)).Format(time.RFC3339))
}

// NewCooldown picks the cooldown store named by aging.cooldown_store.
func NewCooldown(cfg *config.Config, r repo.Repo) Cooldown {
	if cfg == nil {
		return NewMemoryCooldown(DefaultCooldownWindow, DefaultPruneAfter)
	}
	if cfg.Aging.CooldownStore == "sqlite" {
		return StoreCooldown{Repo: r, Window: cfg.Cooldown(), PruneAfter: cfg.PruneAfter()}
	}
	return NewMemoryCooldown(cfg.Cooldown(), cfg.PruneAfter())
}

func window(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultCooldownWindow
	}
	return d
}

func prune(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPruneAfter
	}
	return d
}
