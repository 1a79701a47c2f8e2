package dispatch

import (
	"context"
	"errors"
	"fmt"

	"chrono/internal/notify"
	"chrono/internal/store"
	"chrono/internal/transport"
	"chrono/internal/window"
	"chrono/pkg/logx"
)

// RunTaskReminders scans for tasks whose deadline is about to arrive and
// sends each at most one reminder. The store query is a superset prefilter
// (widened by one window width on each side); admission is re-checked against
// the injected clock so store-side clock skew cannot let a task through.
func (e *Engine) RunTaskReminders(ctx context.Context) error {
	now := e.clk.Now()
	span := window.ReminderSpan(now)

	candidates, err := e.store.Tasks(ctx, store.TaskFilter{
		Completed:     store.Bool(false),
		ReminderSent:  store.Bool(false),
		DeadlineFrom:  span.Start.Add(-window.ReminderWidth),
		DeadlineUntil: span.End.Add(window.ReminderWidth),
	})
	if err != nil {
		e.log.Error("reminder run aborted: candidate query failed", logx.Err(err))
		return fmt.Errorf("fetch reminder candidates: %w", err)
	}

	var (
		o      outcome
		runErr error
	)
	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		e.runReminderCandidate(ctx, t, &o)
	}

	switch {
	case runErr != nil:
		// The partial tally still matters for a timed-out run.
		e.log.Warn("reminder run cut short",
			logx.Int("candidates", len(candidates)),
			logx.Int("sent", o.sent), logx.Int("skipped", o.skipped), logx.Int("failed", o.failed),
			logx.Err(runErr))
		return runErr
	case o.sent > 0 || o.failed > 0:
		e.log.Info("reminder run finished",
			logx.Int("candidates", len(candidates)),
			logx.Int("sent", o.sent), logx.Int("skipped", o.skipped), logx.Int("failed", o.failed))
	default:
		e.log.Debug("reminder run finished",
			logx.Int("candidates", len(candidates)), logx.Int("skipped", o.skipped))
	}
	return nil
}

// runReminderCandidate processes one task in isolation; its errors only bump
// counters. When the preference gate suppresses a send, reminder_sent stays
// false on purpose: the candidate query is bounded by the deadline window, so
// the task ages out of candidacy once the window passes, and a user who
// re-enables notifications inside the window still gets the reminder.
func (e *Engine) runReminderCandidate(ctx context.Context, t store.Task, o *outcome) {
	log := e.log.With(logx.String("task", t.ID), logx.String("user", t.UserID))

	if !window.ReminderDue(t.Deadline, e.clk.Now()) {
		o.skipped++
		return
	}
	if !e.gate.Enabled(ctx, t.UserID) {
		log.Debug("reminder suppressed by preference")
		o.skipped++
		return
	}

	u, err := e.store.User(ctx, t.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("user vanished, skipping reminder")
			o.skipped++
			return
		}
		log.Warn("user lookup failed", logx.Err(err))
		o.failed++
		return
	}

	msg, err := notify.Compose(notify.KindTaskReminder, notify.Data{UserName: u.Name, Task: t})
	if err != nil {
		log.Warn("reminder compose failed", logx.Err(err))
		o.failed++
		return
	}

	if err := e.send(ctx, transport.Recipient{Address: u.Email, Name: u.Name}, msg); err != nil {
		// Left unmarked: the task stays a candidate for the next tick.
		log.Warn("reminder send failed", logx.Err(err))
		o.failed++
		return
	}

	switch err := e.store.MarkReminderSent(ctx, t.ID); {
	case err == nil:
		o.sent++
	case errors.Is(err, store.ErrAlreadySent):
		// A concurrent pass won the commit; the user may have received two
		// messages but the flag is consistent.
		log.Debug("reminder already marked by another pass")
		o.sent++
	case errors.Is(err, store.ErrNotFound):
		log.Debug("task vanished before commit")
		o.skipped++
	default:
		log.Warn("reminder commit failed", logx.Err(err))
		o.failed++
	}
}
