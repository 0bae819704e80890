package connections

import (
	"context"
	"log/slog"
	"time"

	"github.com/Transync-pro/transync-connect/internal/flags"
)

// Redirect events. Each logical event gets at most one redirect per user no
// matter how many observers (popup message handler, callback page, polling
// loop) decide to navigate.
const (
	EventAuthSuccess = "auth_success"
	EventDisconnect  = "disconnect"
)

// redirectLockTTL bounds how long a redirect lock is held, so a stale lock
// never blocks a genuinely new event.
const redirectLockTTL = 10 * time.Second

// RedirectGate serializes post-auth and post-disconnect navigation: the first
// caller for a (user, event) pair wins and performs the redirect, later
// callers for the same event are dropped.
type RedirectGate struct {
	flags  flags.Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewRedirectGate creates a redirect gate over the shared flag store.
func NewRedirectGate(flagStore flags.Store, logger *slog.Logger) *RedirectGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedirectGate{
		flags:  flagStore,
		logger: logger,
		ttl:    redirectLockTTL,
		now:    time.Now,
	}
}

// TryAcquire attempts to win the redirect for the event. Returns true for
// exactly one caller per (user, event) within the lock window.
func (g *RedirectGate) TryAcquire(ctx context.Context, userID, event string) bool {
	won, err := g.flags.SetNX(ctx, flags.Flag{
		UserID:    userID,
		Kind:      flags.KindRedirect,
		Scope:     event,
		ExpiresAt: g.now().Add(g.ttl),
	})
	if err != nil {
		g.logger.Warn("redirect lock write failed, allowing navigation",
			"user_id", userID, "event", event, "error", err)
		// On store failure a duplicate redirect beats a user stuck on a dead
		// page.
		return true
	}
	if !won {
		g.logger.Debug("redirect already handled", "user_id", userID, "event", event)
	}
	return won
}

// Release drops the lock early so a genuinely new event of the same kind is
// not blocked for the rest of the TTL.
func (g *RedirectGate) Release(ctx context.Context, userID, event string) {
	if err := g.flags.Clear(ctx, userID, flags.KindRedirect, event); err != nil {
		g.logger.Warn("failed to release redirect lock",
			"user_id", userID, "event", event, "error", err)
	}
}
