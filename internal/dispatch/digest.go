package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chrono/internal/notify"
	"chrono/internal/store"
	"chrono/internal/transport"
	"chrono/internal/window"
	"chrono/pkg/logx"
)

// RunWeeklyDigest sends every opted-in user a summary of the last and next
// week. Users are processed with bounded parallelism; one user's failure
// never aborts the rest. No idempotency marker is written: the weekly cadence
// is the dedup.
func (e *Engine) RunWeeklyDigest(ctx context.Context) error {
	now := e.clk.Now()

	users, err := e.store.Users(ctx)
	if err != nil {
		e.log.Error("digest run aborted: user query failed", logx.Err(err))
		return fmt.Errorf("fetch users: %w", err)
	}

	var (
		mu  sync.Mutex
		o   outcome
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.cfg.DigestConcurrency)
	)
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		u := u
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res := e.digestForUser(ctx, now, u)
			mu.Lock()
			switch res {
			case digestSent:
				o.sent++
			case digestSkipped:
				o.skipped++
			default:
				o.failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	e.log.Info("digest run finished",
		logx.Int("users", len(users)),
		logx.Int("sent", o.sent), logx.Int("skipped", o.skipped), logx.Int("failed", o.failed))
	return ctx.Err()
}

type digestResult int

const (
	digestSent digestResult = iota
	digestSkipped
	digestFailed
)

func (e *Engine) digestForUser(ctx context.Context, now time.Time, u store.User) digestResult {
	log := e.log.With(logx.String("user", u.ID))

	if !e.gate.Enabled(ctx, u.ID) {
		log.Debug("digest suppressed by preference")
		return digestSkipped
	}

	lastWeek := window.LastWeekSpan(now)
	nextWeek := window.NextWeekSpan(now)

	completed, err := e.store.Tasks(ctx, store.TaskFilter{
		UserID:        u.ID,
		Completed:     store.Bool(true),
		DeadlineFrom:  lastWeek.Start,
		DeadlineUntil: now,
	})
	if err != nil {
		log.Warn("digest completed-tasks query failed", logx.Err(err))
		return digestFailed
	}

	dueLastWeek, err := e.store.Tasks(ctx, store.TaskFilter{
		UserID:        u.ID,
		DeadlineFrom:  lastWeek.Start,
		DeadlineUntil: now,
	})
	if err != nil {
		log.Warn("digest due-tasks query failed", logx.Err(err))
		return digestFailed
	}

	upcoming, err := e.store.Tasks(ctx, store.TaskFilter{
		UserID:        u.ID,
		Completed:     store.Bool(false),
		DeadlineFrom:  now,
		DeadlineUntil: nextWeek.End.Add(-time.Nanosecond),
	})
	if err != nil {
		log.Warn("digest upcoming-tasks query failed", logx.Err(err))
		return digestFailed
	}

	overdue, err := e.store.Tasks(ctx, store.TaskFilter{
		UserID:         u.ID,
		Completed:      store.Bool(false),
		DeadlineBefore: now,
		Sort:           store.SortDeadlineAsc,
	})
	if err != nil {
		log.Warn("digest overdue-tasks query failed", logx.Err(err))
		return digestFailed
	}

	stats := notify.BuildDigestStats(completed, dueLastWeek, overdue)
	msg, err := notify.Compose(notify.KindWeeklyDigest, notify.Data{
		UserName: u.Name,
		Stats:    stats,
		Upcoming: upcoming,
		Overdue:  overdue,
		Now:      now,
	})
	if err != nil {
		log.Warn("digest compose failed", logx.Err(err))
		return digestFailed
	}

	if err := e.send(ctx, transport.Recipient{Address: u.Email, Name: u.Name}, msg); err != nil {
		log.Warn("digest send failed", logx.Err(err))
		return digestFailed
	}
	log.Debug("digest sent",
		logx.Int("completed", stats.Completed), logx.Int("due", stats.TotalDue),
		logx.Int("rate", stats.CompletionRate), logx.Int("overdue", stats.Overdue))
	return digestSent
}
