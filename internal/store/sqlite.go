package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chrono/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store, creating the database file and
// schema as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `t.id, t.user_id, t.goal, t.deadline, t.completed, t.reminder_sent,
	COALESCE(t.course_id, ''), COALESCE(c.title, '')`

func (s *sqliteStore) Tasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := `SELECT ` + taskColumns + `
		FROM tasks t LEFT JOIN courses c ON c.id = t.course_id`
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "t.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Completed != nil {
		where = append(where, "t.completed = ?")
		args = append(args, boolInt(*f.Completed))
	}
	if f.ReminderSent != nil {
		where = append(where, "t.reminder_sent = ?")
		args = append(args, boolInt(*f.ReminderSent))
	}
	if !f.DeadlineFrom.IsZero() {
		where = append(where, "t.deadline >= ?")
		args = append(args, f.DeadlineFrom.UnixMilli())
	}
	if !f.DeadlineUntil.IsZero() {
		where = append(where, "t.deadline <= ?")
		args = append(args, f.DeadlineUntil.UnixMilli())
	}
	if !f.DeadlineBefore.IsZero() {
		where = append(where, "t.deadline < ?")
		args = append(args, f.DeadlineBefore.UnixMilli())
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Sort == SortDeadlineAsc {
		q += " ORDER BY t.deadline ASC, t.rowid ASC"
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t                  Task
			deadlineMS         int64
			completed, remSent int
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Goal, &deadlineMS, &completed, &remSent, &t.CourseID, &t.CourseTitle); err != nil {
			return nil, err
		}
		t.Deadline = time.UnixMilli(deadlineMS).UTC()
		t.Completed = completed != 0
		t.ReminderSent = remSent != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, notifications_enabled FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u       User
			enabled int
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &enabled); err != nil {
			return nil, err
		}
		u.NotificationsEnabled = enabled != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) User(ctx context.Context, userID string) (User, error) {
	var (
		u       User
		enabled int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, notifications_enabled FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Email, &u.Name, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.NotificationsEnabled = enabled != 0
	return u, nil
}

func (s *sqliteStore) UserPreference(ctx context.Context, userID string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT notifications_enabled FROM users WHERE id = ?`, userID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}

// MarkReminderSent is the sole idempotency guard for reminders: the WHERE
// clause makes the flip atomic, so two overlapping passes cannot both win.
func (s *sqliteStore) MarkReminderSent(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET reminder_sent = 1 WHERE id = ? AND reminder_sent = 0`, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Distinguish "gone" from "lost the race".
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadySent
}

func (s *sqliteStore) ResetReminder(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET reminder_sent = 0 WHERE id = ?`, taskID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, name, notifications_enabled) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name,
			notifications_enabled=excluded.notifications_enabled`,
		u.ID, u.Email, u.Name, boolInt(u.NotificationsEnabled))
	return err
}

func (s *sqliteStore) PutCourse(ctx context.Context, c Course) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO courses(id, user_id, title) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, title=excluded.title`,
		c.ID, c.UserID, c.Title)
	return err
}

func (s *sqliteStore) PutTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, user_id, goal, deadline, completed, reminder_sent, course_id)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, goal=excluded.goal,
			deadline=excluded.deadline, completed=excluded.completed,
			reminder_sent=excluded.reminder_sent, course_id=excluded.course_id`,
		t.ID, t.UserID, t.Goal, t.Deadline.UnixMilli(), boolInt(t.Completed),
		boolInt(t.ReminderSent), nullStr(t.CourseID))
	return err
}

func (s *sqliteStore) SetNotificationsEnabled(ctx context.Context, userID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET notifications_enabled = ? WHERE id = ?`, boolInt(enabled), userID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

func (s *sqliteStore) DeleteUser(ctx context.Context, userID string) error {
	// Cascades to tasks and courses via foreign keys.
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

func oneRowOr(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
