// Package notify builds the outbound message payloads. It is a pure
// transformation from a kind plus data bundle to a subject/body pair; it never
// touches the store or the network.
package notify

import (
	"fmt"
	"strings"
	"time"

	"chrono/internal/store"
	"chrono/internal/transport"
)

type Kind string

const (
	KindWelcome      Kind = "welcome"
	KindTaskReminder Kind = "taskReminder"
	KindWeeklyDigest Kind = "weeklyDigest"
)

// Placeholders used when optional fields are missing.
const (
	placeholderTask   = "Untitled Task"
	placeholderCourse = "course"
)

const deadlineFormat = "Mon, Jan 2 2006, 3:04 PM"

// Data carries everything a single composition may need; unused fields are
// ignored by kinds that don't need them.
type Data struct {
	UserName string

	// Task reminder.
	Task store.Task

	// Weekly digest.
	Stats    DigestStats
	Upcoming []store.Task
	Overdue  []store.Task

	// Now anchors relative wording (days overdue); injected, never sampled.
	Now time.Time
}

// Compose renders the message for the given kind.
func Compose(kind Kind, d Data) (transport.Message, error) {
	switch kind {
	case KindWelcome:
		return composeWelcome(d), nil
	case KindTaskReminder:
		return composeTaskReminder(d), nil
	case KindWeeklyDigest:
		return composeWeeklyDigest(d), nil
	default:
		return transport.Message{}, fmt.Errorf("notify: unknown kind %q", kind)
	}
}

func greeting(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "there"
	}
	return "Hi " + name + ","
}

func composeWelcome(d Data) transport.Message {
	var b strings.Builder
	b.WriteString(greeting(d.UserName))
	b.WriteString("\n\nWelcome to Chrono! Track your study tasks and we'll keep you on schedule.\n")
	return transport.Message{
		Subject: "Welcome to Chrono! Stay on top of your learning",
		Body:    b.String(),
	}
}

func composeTaskReminder(d Data) transport.Message {
	goal := strings.TrimSpace(d.Task.Goal)
	if goal == "" {
		goal = placeholderTask
	}
	course := strings.TrimSpace(d.Task.CourseTitle)
	if course == "" {
		course = placeholderCourse
	}

	var b strings.Builder
	b.WriteString(greeting(d.UserName))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%q is due in 5 minutes!\n", goal)
	fmt.Fprintf(&b, "Course: %s\n", course)
	if !d.Task.Deadline.IsZero() {
		fmt.Fprintf(&b, "Due: %s\n", d.Task.Deadline.Format(deadlineFormat))
	}
	return transport.Message{
		Subject: fmt.Sprintf("Reminder: %q is due in 5 minutes!", goal),
		Body:    b.String(),
	}
}

func composeWeeklyDigest(d Data) transport.Message {
	var b strings.Builder
	b.WriteString(greeting(d.UserName))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Tasks Completed: %d\n", d.Stats.Completed)
	fmt.Fprintf(&b, "Tasks Due: %d\n", d.Stats.TotalDue)
	fmt.Fprintf(&b, "Completion Rate: %d%%\n", d.Stats.CompletionRate)

	if len(d.Overdue) > 0 {
		b.WriteString("\nOverdue Tasks:\n")
		for _, t := range d.Overdue {
			goal := strings.TrimSpace(t.Goal)
			if goal == "" {
				goal = placeholderTask
			}
			days := daysOverdue(t.Deadline, d.Now)
			if days > 0 {
				fmt.Fprintf(&b, "- %s (overdue by %d day(s))\n", goal, days)
			} else {
				fmt.Fprintf(&b, "- %s\n", goal)
			}
		}
	}

	if len(d.Upcoming) > 0 {
		b.WriteString("\nUpcoming Tasks:\n")
		for _, t := range d.Upcoming {
			goal := strings.TrimSpace(t.Goal)
			if goal == "" {
				goal = placeholderTask
			}
			fmt.Fprintf(&b, "- %s (due %s)\n", goal, t.Deadline.Format(deadlineFormat))
		}
	}

	return transport.Message{
		Subject: "Your Weekly Summary - Chrono",
		Body:    b.String(),
	}
}

func daysOverdue(deadline, now time.Time) int {
	if now.IsZero() || !deadline.Before(now) {
		return 0
	}
	return int(now.Sub(deadline).Hours() / 24)
}
