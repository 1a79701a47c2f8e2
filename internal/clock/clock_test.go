package clock

import (
	"testing"
	"time"
)

func TestNewZone(t *testing.T) {
	t.Parallel()

	z, err := NewZone("")
	if err != nil {
		t.Fatalf("empty name: %v", err)
	}
	if got := z.Location().String(); got != DefaultZone {
		t.Fatalf("default zone = %q, want %q", got, DefaultZone)
	}

	z, err = NewZone(" UTC ")
	if err != nil {
		t.Fatalf("trimmed name: %v", err)
	}
	if z.Location() != time.UTC {
		t.Fatalf("Location() = %v, want UTC", z.Location())
	}

	if _, err := NewZone("Mars/Olympus"); err == nil {
		t.Fatal("invalid zone should error, not fall back")
	}
}

func TestZoneNowPinnedToLocation(t *testing.T) {
	t.Parallel()
	z, err := NewZone("America/New_York")
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}
	now := z.Now()
	if now.Location() != z.Location() {
		t.Fatalf("Now() location = %v, want %v", now.Location(), z.Location())
	}
}

func TestFixed(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 7, 18, 0, 0, 0, time.UTC)
	f := NewFixed(base)

	if !f.Now().Equal(base) {
		t.Fatalf("Now() = %v, want %v", f.Now(), base)
	}
	f.Advance(90 * time.Second)
	if want := base.Add(90 * time.Second); !f.Now().Equal(want) {
		t.Fatalf("after Advance: %v, want %v", f.Now(), want)
	}
	f.Set(base)
	if !f.Now().Equal(base) {
		t.Fatalf("after Set: %v, want %v", f.Now(), base)
	}
	if f.Location() != time.UTC {
		t.Fatalf("Location() = %v, want UTC", f.Location())
	}
}
