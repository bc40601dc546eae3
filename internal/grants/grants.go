// Package grants tracks time-bounded filesystem authorizations per channel.
// Lookups are served from memory; every mutation is mirrored to the durable
// store before its expiry timer is armed.
package grants

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/autopilot/internal/store"
)

// Mode is the access level a grant confers.
type Mode string

const (
	ReadOnly  Mode = "ro"
	ReadWrite Mode = "rw"
)

// Grant is one live authorization.
type Grant struct {
	Path      string
	Mode      Mode
	ExpiresAt time.Time
}

type key struct {
	channel string
	path    string
}

// Store holds the in-memory grant map plus per-grant expiry timers.
type Store struct {
	db     *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	grants map[key]Grant
	timers map[key]*time.Timer
}

func New(db *store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
		grants: make(map[key]Grant),
		timers: make(map[key]*time.Timer),
	}
}

// Add records a grant for path. The path is canonicalized through symlink
// resolution; relative paths are rejected. The durable row is written before
// the expiry timer is scheduled.
func (s *Store) Add(ctx context.Context, channel, path string, mode Mode, ttl time.Duration) (Grant, error) {
	if !filepath.IsAbs(path) {
		return Grant{}, fmt.Errorf("grant path must be absolute: %q", path)
	}
	if mode != ReadOnly && mode != ReadWrite {
		return Grant{}, fmt.Errorf("invalid grant mode %q", mode)
	}
	if ttl <= 0 {
		return Grant{}, fmt.Errorf("grant ttl must be positive")
	}
	canonical := Canonicalize(path)
	g := Grant{Path: canonical, Mode: mode, ExpiresAt: time.Now().Add(ttl)}

	if err := s.db.PutGrant(ctx, store.GrantRow{
		ChannelID: channel, Path: canonical, Mode: string(mode), ExpiresAt: g.ExpiresAt,
	}); err != nil {
		return Grant{}, err
	}

	s.mu.Lock()
	k := key{channel, canonical}
	if t, ok := s.timers[k]; ok {
		t.Stop()
	}
	s.grants[k] = g
	s.timers[k] = s.scheduleExpiry(k, ttl)
	s.mu.Unlock()

	return g, nil
}

// Revoke removes a grant. Revoking an absent grant is a no-op.
func (s *Store) Revoke(ctx context.Context, channel, path string) error {
	canonical := Canonicalize(path)

	s.mu.Lock()
	k := key{channel, canonical}
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
	delete(s.grants, k)
	s.mu.Unlock()

	return s.db.DeleteGrant(ctx, channel, canonical)
}

// RevokeAll drops every grant for a channel.
func (s *Store) RevokeAll(ctx context.Context, channel string) error {
	s.mu.Lock()
	for k, t := range s.timers {
		if k.channel == channel {
			t.Stop()
			delete(s.timers, k)
			delete(s.grants, k)
		}
	}
	s.mu.Unlock()
	return s.db.DeleteChannelGrants(ctx, channel)
}

// Active returns the live grants for a channel, pruning expired entries.
func (s *Store) Active(channel string) map[string]Grant {
	now := time.Now()
	out := make(map[string]Grant)

	s.mu.Lock()
	for k, g := range s.grants {
		if k.channel != channel {
			continue
		}
		if !now.Before(g.ExpiresAt) {
			if t, ok := s.timers[k]; ok {
				t.Stop()
				delete(s.timers, k)
			}
			delete(s.grants, k)
			continue
		}
		out[g.Path] = g
	}
	s.mu.Unlock()
	return out
}

// Restore reloads every durable grant at startup, dropping expired rows and
// rescheduling timers for the rest.
func (s *Store) Restore(ctx context.Context) error {
	rows, err := s.db.ListAllGrants(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range rows {
		if !now.Before(r.ExpiresAt) {
			if err := s.db.DeleteGrant(ctx, r.ChannelID, r.Path); err != nil {
				s.logger.Warn("drop expired grant on restore", "channel", r.ChannelID, "error", err)
			}
			continue
		}
		s.mu.Lock()
		k := key{r.ChannelID, r.Path}
		s.grants[k] = Grant{Path: r.Path, Mode: Mode(r.Mode), ExpiresAt: r.ExpiresAt}
		s.timers[k] = s.scheduleExpiry(k, time.Until(r.ExpiresAt))
		s.mu.Unlock()
	}
	return nil
}

// PurgeExpired removes expired durable rows. Runs once a minute.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	return s.db.DeleteExpiredGrants(ctx, time.Now())
}

// Shutdown stops every pending timer so the process can exit promptly.
func (s *Store) Shutdown() {
	s.mu.Lock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.mu.Unlock()
}

func (s *Store) scheduleExpiry(k key, ttl time.Duration) *time.Timer {
	return time.AfterFunc(ttl, func() {
		// A replaced grant re-arms its timer; if this firing lost that
		// race, the live entry is not yet due and must survive.
		s.mu.Lock()
		g, ok := s.grants[k]
		if ok && time.Now().Before(g.ExpiresAt) {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := s.Revoke(context.Background(), k.channel, k.path); err != nil {
			s.logger.Warn("auto-expire grant", "channel", k.channel, "path", k.path, "error", err)
		}
	})
}

// Canonicalize resolves symlinks where the path exists; for a non-existent
// path the nearest existing ancestor is resolved and the missing tail is
// re-joined, so a dangling entry cannot smuggle a symlink escape.
func Canonicalize(path string) string {
	cleaned := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		return resolved
	}
	dir := cleaned
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
	}
	return cleaned
}

// Covers reports whether any grant in the map authorizes target at the given
// minimum mode. An rw grant satisfies an ro requirement.
func Covers(active map[string]Grant, target string, need Mode) bool {
	canonical := Canonicalize(target)
	now := time.Now()
	for _, g := range active {
		if !now.Before(g.ExpiresAt) {
			continue
		}
		if need == ReadWrite && g.Mode != ReadWrite {
			continue
		}
		if canonical == g.Path || strings.HasPrefix(canonical, g.Path+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
