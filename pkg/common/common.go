package common

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes itself as a
// human readable string ("30s", "1m30s") in yaml.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML parses durations written either as strings or as plain nanoseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err != nil {
		return fmt.Errorf("duration must be a string or an integer")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
