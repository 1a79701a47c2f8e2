package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a Go duration string as it appears in the config file ("30s",
// "2m"). The empty string means the field was left unset.
type Duration string

// Value parses the duration. Unset yields zero; negative values are rejected
// because no timeout or tick interval here can run backwards.
func (d Duration) Value(field string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return v, nil
}

// Or is Value with a fallback for unset fields.
func (d Duration) Or(field string, def time.Duration) (time.Duration, error) {
	v, err := d.Value(field)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return def, nil
	}
	return v, nil
}
