package gate

import (
	"fmt"
	"time"
)

// Status is the client-facing view of a gate state.
type Status struct {
	Count            int        `json:"count"`
	Limit            int        `json:"limit"`
	Remaining        int        `json:"remaining"`
	Unlocked         bool       `json:"unlocked"`
	Blocked          bool       `json:"blocked"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
	SecondsRemaining int        `json:"seconds_remaining"`
}

// Status summarizes s at now.
func (g *Gate) Status(s State, now time.Time) Status {
	s = g.Normalize(s, now)
	st := Status{
		Count:            s.Count,
		Limit:            g.limit,
		Unlocked:         s.Unlocked,
		Blocked:          g.IsBlocked(s, now),
		SecondsRemaining: g.TimeRemaining(s, now),
	}
	if !s.Unlocked {
		st.Remaining = max(0, g.limit-s.Count)
	}
	if st.Blocked {
		until := s.CooldownUntil
		st.CooldownUntil = &until
	}
	return st
}

// FormatRemaining renders seconds as m:ss.
func FormatRemaining(seconds int) string {
	if seconds <= 0 {
		return "0:00"
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
