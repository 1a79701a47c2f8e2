// Package dispatch orchestrates the scheduled notification runs: it pulls
// candidate records from the store, applies the window predicates and the
// preference gate, composes and sends, and commits the idempotency marker on
// success. Per-candidate failures never abort a run; only a failed store
// query does.
package dispatch

import (
	"context"
	"time"

	"chrono/internal/clock"
	"chrono/internal/notify"
	"chrono/internal/store"
	"chrono/internal/transport"
	"chrono/pkg/logx"
)

type Config struct {
	// SendTimeout bounds one candidate's compose+send+commit so a hung
	// transport cannot starve the rest of the run. 0 means 15s.
	SendTimeout time.Duration
	// DigestConcurrency bounds per-user parallelism in the weekly run.
	// 0 means 4.
	DigestConcurrency int
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.DigestConcurrency <= 0 {
		c.DigestConcurrency = 4
	}
	return c
}

type Engine struct {
	cfg    Config
	store  store.Store
	sender transport.Sender
	clk    clock.Clock
	gate   *Gate
	log    logx.Logger
}

func New(cfg Config, st store.Store, sender transport.Sender, clk clock.Clock, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		store:  st,
		sender: sender,
		clk:    clk,
		gate:   NewGate(st, log),
		log:    log,
	}
}

// outcome tallies one run for the summary log line.
type outcome struct {
	sent    int
	skipped int
	failed  int
}

func (e *Engine) send(ctx context.Context, to transport.Recipient, msg transport.Message) error {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return e.sender.Send(sctx, to, msg)
}

// SendWelcome delivers the signup welcome message. The preference gate is not
// consulted: accounts start with notifications enabled and the welcome is part
// of signup itself.
func (e *Engine) SendWelcome(ctx context.Context, userID string) error {
	u, err := e.store.User(ctx, userID)
	if err != nil {
		return err
	}
	msg, err := notify.Compose(notify.KindWelcome, notify.Data{UserName: u.Name})
	if err != nil {
		return err
	}
	return e.send(ctx, transport.Recipient{Address: u.Email, Name: u.Name}, msg)
}
