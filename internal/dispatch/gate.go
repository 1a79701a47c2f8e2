package dispatch

import (
	"context"

	"chrono/internal/store"
	"chrono/pkg/logx"
)

// Gate is the per-user opt-in check consulted before any send. A missing user
// or a failed lookup reads as disabled: when in doubt, don't notify.
type Gate struct {
	store store.Store
	log   logx.Logger
}

func NewGate(st store.Store, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: st, log: log}
}

func (g *Gate) Enabled(ctx context.Context, userID string) bool {
	enabled, err := g.store.UserPreference(ctx, userID)
	if err != nil {
		g.log.Debug("preference lookup failed, treating as disabled",
			logx.String("user", userID), logx.Err(err))
		return false
	}
	return enabled
}
