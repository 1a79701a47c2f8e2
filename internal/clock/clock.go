// Package clock supplies the current instant in a fixed reference timezone.
//
// All window arithmetic downstream compares absolute instants, but log output
// and cron wall-clock triggers must agree on one zone regardless of where the
// host runs. The zone is configured explicitly; we never fall back to the host
// locale.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultZone is the reference timezone used when the config leaves it empty.
const DefaultZone = "Africa/Lagos"

// Clock yields "now" pinned to a fixed location. Implementations must be safe
// for concurrent use.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// Zone is the production clock.
type Zone struct {
	loc *time.Location
}

// NewZone loads the given IANA zone name. An empty name selects DefaultZone;
// an invalid name is an error, not a silent fallback.
func NewZone(name string) (*Zone, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", name, err)
	}
	return &Zone{loc: loc}, nil
}

func (z *Zone) Now() time.Time           { return time.Now().In(z.loc) }
func (z *Zone) Location() *time.Location { return z.loc }

// Fixed is a settable clock for tests.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixed(now time.Time) *Fixed {
	return &Fixed{now: now}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Location() *time.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Location()
}

func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
