package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var extendedDurationRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)(d|w)$`)

// Duration is a time.Duration that reads from YAML strings such as "500ms", "10s" or "7d".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ToDuration converts to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDuration accepts everything time.ParseDuration does plus day ("d") and week ("w") suffixes.
func ParseDuration(s string) (time.Duration, error) {
	if dur, err := time.ParseDuration(s); err == nil {
		return dur, nil
	}

	m := extendedDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	unit := 24 * time.Hour
	if m[2] == "w" {
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(value * float64(unit)), nil
}
