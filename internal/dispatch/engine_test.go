package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"chrono/internal/clock"
	"chrono/internal/store"
	"chrono/internal/transport"
	"chrono/pkg/logx"
)

var sunday = time.Date(2024, 1, 7, 18, 0, 0, 0, time.UTC)

// fakeStore is an in-memory store.Store honoring the same filter semantics as
// the sqlite backend.
type fakeStore struct {
	mu    sync.Mutex
	users map[string]store.User
	tasks map[string]store.Task

	failTasks bool
	failUsers bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]store.User{}, tasks: map[string]store.Task{}}
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) Tasks(_ context.Context, fl store.TaskFilter) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTasks {
		return nil, errStoreDown
	}
	var out []store.Task
	for _, t := range f.tasks {
		if fl.UserID != "" && t.UserID != fl.UserID {
			continue
		}
		if fl.Completed != nil && t.Completed != *fl.Completed {
			continue
		}
		if fl.ReminderSent != nil && t.ReminderSent != *fl.ReminderSent {
			continue
		}
		if !fl.DeadlineFrom.IsZero() && t.Deadline.Before(fl.DeadlineFrom) {
			continue
		}
		if !fl.DeadlineUntil.IsZero() && t.Deadline.After(fl.DeadlineUntil) {
			continue
		}
		if !fl.DeadlineBefore.IsZero() && !t.Deadline.Before(fl.DeadlineBefore) {
			continue
		}
		out = append(out, t)
	}
	if fl.Sort == store.SortDeadlineAsc {
		sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	}
	return out, nil
}

func (f *fakeStore) Users(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUsers {
		return nil, errStoreDown
	}
	var out []store.User
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) User(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) UserPreference(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return u.NotificationsEnabled, nil
}

func (f *fakeStore) MarkReminderSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.ReminderSent {
		return store.ErrAlreadySent
	}
	t.ReminderSent = true
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) ResetReminder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.ReminderSent = false
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) PutUser(_ context.Context, u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) PutCourse(context.Context, store.Course) error { return nil }

func (f *fakeStore) PutTask(_ context.Context, t store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) SetNotificationsEnabled(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.NotificationsEnabled = enabled
	f.users[id] = u
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) task(t *testing.T, id string) store.Task {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		t.Fatalf("task %s missing", id)
	}
	return task
}

// spySender records sends and can fail a fixed number of times.
type spySender struct {
	mu       sync.Mutex
	sent     []sentItem
	failNext int
}

type sentItem struct {
	to  transport.Recipient
	msg transport.Message
}

var errSendFailed = errors.New("provider rejected")

func (s *spySender) Send(_ context.Context, to transport.Recipient, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errSendFailed
	}
	s.sent = append(s.sent, sentItem{to: to, msg: msg})
	return nil
}

func (s *spySender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *spySender) last(t *testing.T) sentItem {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return s.sent[len(s.sent)-1]
}

func newTestEngine(st store.Store, snd transport.Sender, clk clock.Clock) *Engine {
	return New(Config{}, st, snd, clk, logx.Nop())
}

func TestReminderSentExactlyOnce(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	snd := &spySender{}
	clk := clock.NewFixed(sunday)
	ctx := context.Background()

	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", Name: "Ada", NotificationsEnabled: true})
	_ = st.PutTask(ctx, store.Task{
		ID: "t1", UserID: "u1", Goal: "read chapter 4",
		Deadline: sunday.Add(5*time.Minute + 30*time.Second),
	})

	eng := newTestEngine(st, snd, clk)
	if err := eng.RunTaskReminders(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("tick 1: expected 1 send, got %d", snd.count())
	}
	if !st.task(t, "t1").ReminderSent {
		t.Fatal("tick 1: reminder_sent should be true")
	}
	if got := snd.last(t); got.to.Address != "u1@example.com" ||
		!strings.Contains(got.msg.Subject, `"read chapter 4"`) {
		t.Fatalf("unexpected message: %+v", got)
	}

	// Tick 2, one minute later: the flag suppresses a second send.
	clk.Advance(time.Minute)
	if err := eng.RunTaskReminders(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("tick 2: expected no additional send, got %d total", snd.count())
	}
}

func TestReminderSuppressedByPreference(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	snd := &spySender{}
	ctx := context.Background()

	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", NotificationsEnabled: false})
	_ = st.PutTask(ctx, store.Task{
		ID: "t1", UserID: "u1", Deadline: sunday.Add(5*time.Minute + 30*time.Second),
	})

	eng := newTestEngine(st, snd, clock.NewFixed(sunday))
	if err := eng.RunTaskReminders(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if snd.count() != 0 {
		t.Fatalf("expected 0 sends for disabled user, got %d", snd.count())
	}
	if st.task(t, "t1").ReminderSent {
		t.Fatal("reminder_sent must stay false when suppressed")
	}
}

func TestReminderRetriesAfterSendFailure(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	snd := &spySender{failNext: 1}
	clk := clock.NewFixed(sunday)
	ctx := context.Background()

	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", NotificationsEnabled: true})
	_ = st.PutTask(ctx, store.Task{
		ID: "t1", UserID: "u1", Deadline: sunday.Add(5*time.Minute + 30*time.Second),
	})

	eng := newTestEngine(st, snd, clk)
	if err := eng.RunTaskReminders(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if snd.count() != 0 {
		t.Fatal("tick 1: send should have failed")
	}
	if st.task(t, "t1").ReminderSent {
		t.Fatal("tick 1: flag must stay false after send failure")
	}

	// The clock has not advanced, so the task is still a candidate on the
	// immediately following tick and the retry succeeds.
	if err := eng.RunTaskReminders(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("tick 2: expected successful retry, got %d sends", snd.count())
	}
	if !st.task(t, "t1").ReminderSent {
		t.Fatal("tick 2: flag should be set after successful retry")
	}
}

func TestReminderWindowRecheck(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	snd := &spySender{}
	ctx := context.Background()

	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", NotificationsEnabled: true})
	// Inside the widened prefilter but outside [now+5m, now+6m).
	_ = st.PutTask(ctx, store.Task{
		ID: "t1", UserID: "u1", Deadline: sunday.Add(6*time.Minute + 30*time.Second),
	})

	eng := newTestEngine(st, snd, clock.NewFixed(sunday))
	if err := eng.RunTaskReminders(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if snd.count() != 0 {
		t.Fatalf("expected 0 sends outside the strict window, got %d", snd.count())
	}
	if st.task(t, "t1").ReminderSent {
		t.Fatal("flag must stay false outside the window")
	}
}

// cancelingSender cancels the run context after its first delivery, so the
// scan loop observes a dead context with work still pending.
type cancelingSender struct {
	spySender
	cancel context.CancelFunc
	once   sync.Once
}

func (s *cancelingSender) Send(ctx context.Context, to transport.Recipient, msg transport.Message) error {
	err := s.spySender.Send(ctx, to, msg)
	s.once.Do(s.cancel)
	return err
}

func TestReminderRunCutShortKeepsPartialWork(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", NotificationsEnabled: true})
	deadline := sunday.Add(5*time.Minute + 30*time.Second)
	_ = st.PutTask(ctx, store.Task{ID: "t1", UserID: "u1", Deadline: deadline})
	_ = st.PutTask(ctx, store.Task{ID: "t2", UserID: "u1", Deadline: deadline})

	snd := &cancelingSender{cancel: cancel}
	eng := newTestEngine(st, snd, clock.NewFixed(sunday))
	if err := eng.RunTaskReminders(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("expected exactly 1 send before the cut, got %d", snd.count())
	}
	// Whichever task went out first is committed; the other stays a candidate.
	first, second := st.task(t, "t1"), st.task(t, "t2")
	if first.ReminderSent == second.ReminderSent {
		t.Fatalf("expected exactly one committed flag, got t1=%v t2=%v",
			first.ReminderSent, second.ReminderSent)
	}
}

func TestReminderRunAbortsOnStoreOutage(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.failTasks = true
	eng := newTestEngine(st, &spySender{}, clock.NewFixed(sunday))
	if err := eng.RunTaskReminders(context.Background()); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store outage error, got %v", err)
	}
}

func TestWeeklyDigestStatsAndOrdering(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	snd := &spySender{}
	ctx := context.Background()

	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", Name: "Ada", NotificationsEnabled: true})
	// 3 tasks due in [now-7d, now], 2 completed -> rate 67.
	_ = st.PutTask(ctx, store.Task{ID: "d1", UserID: "u1", Goal: "essay draft", Deadline: sunday.Add(-3 * 24 * time.Hour), Completed: true})
	_ = st.PutTask(ctx, store.Task{ID: "d2", UserID: "u1", Goal: "problem set", Deadline: sunday.Add(-4 * 24 * time.Hour), Completed: true})
	_ = st.PutTask(ctx, store.Task{ID: "d3", UserID: "u1", Goal: "late essay", Deadline: sunday.Add(-2 * 24 * time.Hour)})
	// A second, older overdue task: ascending deadline order puts it first.
	_ = st.PutTask(ctx, store.Task{ID: "d4", UserID: "u1", Goal: "ancient lab report", Deadline: sunday.Add(-10 * 24 * time.Hour)})
	// Upcoming within the week.
	_ = st.PutTask(ctx, store.Task{ID: "d5", UserID: "u1", Goal: "quiz prep", Deadline: sunday.Add(2 * 24 * time.Hour)})

	eng := newTestEngine(st, snd, clock.NewFixed(sunday))
	if err := eng.RunWeeklyDigest(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("expected 1 digest, got %d", snd.count())
	}
	body := snd.last(t).msg.Body
	for _, want := range []string{
		"Tasks Completed: 2",
		"Tasks Due: 3",
		"Completion Rate: 67%",
		"quiz prep",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("digest body missing %q:\n%s", want, body)
		}
	}
	// Overdue ordering: earliest deadline first.
	if iOld, iNew := strings.Index(body, "ancient lab report"), strings.Index(body, "late essay"); iOld < 0 || iNew < 0 || iOld > iNew {
		t.Fatalf("overdue ordering wrong (old=%d new=%d):\n%s", iOld, iNew, body)
	}
}

func TestWeeklyDigestSkipsDisabledAndIsolatesFailures(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	ctx := context.Background()

	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", NotificationsEnabled: true})
	_ = st.PutUser(ctx, store.User{ID: "u2", Email: "u2@example.com", NotificationsEnabled: false})
	_ = st.PutUser(ctx, store.User{ID: "u3", Email: "u3@example.com", NotificationsEnabled: true})

	// First attempted send fails (u1 or u3, order independent); the other
	// still goes through.
	snd := &spySender{failNext: 1}
	eng := New(Config{DigestConcurrency: 1}, st, snd, clock.NewFixed(sunday), logx.Nop())
	if err := eng.RunWeeklyDigest(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("expected 1 successful digest, got %d", snd.count())
	}
	if got := snd.last(t).to.Address; got == "u2@example.com" {
		t.Fatal("disabled user must never receive a send")
	}
}

func TestWeeklyDigestAbortsOnUserQueryOutage(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.failUsers = true
	eng := newTestEngine(st, &spySender{}, clock.NewFixed(sunday))
	if err := eng.RunWeeklyDigest(context.Background()); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store outage error, got %v", err)
	}
}

func TestSendWelcome(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	snd := &spySender{}
	ctx := context.Background()
	_ = st.PutUser(ctx, store.User{ID: "u1", Email: "u1@example.com", Name: "Ada", NotificationsEnabled: true})

	eng := newTestEngine(st, snd, clock.NewFixed(sunday))
	if err := eng.SendWelcome(ctx, "u1"); err != nil {
		t.Fatalf("SendWelcome: %v", err)
	}
	if snd.count() != 1 {
		t.Fatalf("expected 1 send, got %d", snd.count())
	}
	if err := eng.SendWelcome(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing user: got %v", err)
	}
}
