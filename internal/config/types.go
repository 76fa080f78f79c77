package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as "1500ms" or "2s" in YAML and
// env vars. Negative values are rejected.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: negative", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Secret is a credential read from config. It prints and marshals as
// [REDACTED]; call Value for the real string.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) GoString() string { return s.String() }

// Value returns the unredacted secret.
func (s Secret) Value() string { return string(s) }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
