package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadySent is returned by MarkReminderSent when the conditional
	// update finds the flag already set.
	ErrAlreadySent = errors.New("store: reminder already sent")
)

// User is a read snapshot of an account row. The notification core never
// mutates users.
type User struct {
	ID                   string
	Email                string
	Name                 string
	NotificationsEnabled bool
}

// Task is a read snapshot of a task row, with the course title denormalized
// from the optional course join.
type Task struct {
	ID           string
	UserID       string
	Goal         string
	Deadline     time.Time
	Completed    bool
	ReminderSent bool
	CourseID     string
	CourseTitle  string
}

// Course groups tasks; only its title matters to notifications.
type Course struct {
	ID     string
	UserID string
	Title  string
}

// SortKey selects result ordering for task queries.
type SortKey int

const (
	SortNone SortKey = iota
	SortDeadlineAsc
)

// TaskFilter expresses the candidate queries the dispatch engine runs.
// Nil pointer fields mean "don't care".
type TaskFilter struct {
	UserID       string
	Completed    *bool
	ReminderSent *bool
	// DeadlineFrom/DeadlineUntil bound the deadline (inclusive). Zero values
	// leave the corresponding side unbounded.
	DeadlineFrom  time.Time
	DeadlineUntil time.Time
	// DeadlineBefore is an exclusive upper bound (deadline < DeadlineBefore),
	// used for overdue queries.
	DeadlineBefore time.Time
	Sort           SortKey
}

// Store is the persistence contract consumed by the dispatch engine and the
// surrounding CRUD layer.
type Store interface {
	Tasks(ctx context.Context, f TaskFilter) ([]Task, error)
	Users(ctx context.Context) ([]User, error)
	User(ctx context.Context, userID string) (User, error)
	UserPreference(ctx context.Context, userID string) (bool, error)

	// MarkReminderSent flips reminder_sent to true only if it is still false.
	// Returns ErrAlreadySent when another pass won the race, ErrNotFound when
	// the task vanished.
	MarkReminderSent(ctx context.Context, taskID string) error

	// ResetReminder clears the flag; called by the CRUD layer when a deadline
	// is edited, never by the dispatch engine.
	ResetReminder(ctx context.Context, taskID string) error

	PutUser(ctx context.Context, u User) error
	PutCourse(ctx context.Context, c Course) error
	PutTask(ctx context.Context, t Task) error
	SetNotificationsEnabled(ctx context.Context, userID string, enabled bool) error
	// DeleteUser removes the user and all owned tasks and courses.
	DeleteUser(ctx context.Context, userID string) error

	Close() error
}

// Bool is a convenience for TaskFilter pointer fields.
func Bool(v bool) *bool { return &v }
