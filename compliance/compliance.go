// Package compliance selects how strictly foreign log entries are checked
// before they are merged.
package compliance

import (
	"fmt"
	"strings"
)

// Mode selects how aggressively joins reject unverified input.
//
// Strict mode verifies every signature and fails the join on the first
// invalid one. Permissive mode accepts entries on structural validity alone
// and leaves trust decisions to an optional verification hook.
type Mode int

const (
	Permissive Mode = iota
	Strict
)

func (m Mode) String() string {
	switch m {
	case Permissive:
		return "permissive"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "permissive" or "strict" (case-insensitive). Empty means Permissive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "permissive":
		return Permissive, nil
	case "strict":
		return Strict, nil
	default:
		return Permissive, fmt.Errorf("compliance: unknown mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
