package types

import (
	"fmt"
	"strings"
	"time"
)

// ------------------------
// Digital state
// ------------------------

// State is a digital level command or result. TOGGLE is only ever a
// command; workers answer with the level the line ended up at.
type State uint8

const (
	StateLow State = iota
	StateHigh
	StateToggle
)

func (s State) String() string {
	switch s {
	case StateHigh:
		return "HIGH"
	case StateToggle:
		return "TOGGLE"
	default:
		return "LOW"
	}
}

func (s State) IsHigh() bool { return s == StateHigh }

// StateOf maps a line level to HIGH/LOW.
func StateOf(high bool) State {
	if high {
		return StateHigh
	}
	return StateLow
}

// ParseState accepts high/low/toggle and the on/off, 1/0, true/false aliases.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "on", "1", "true":
		return StateHigh, nil
	case "low", "off", "0", "false":
		return StateLow, nil
	case "toggle":
		return StateToggle, nil
	default:
		return StateLow, fmt.Errorf("unknown digital state %q", s)
	}
}

// ------------------------
// Pulse trains
// ------------------------

// Pulse is an ordered list of intervals. Even positions (0-based) are
// HIGH, odd positions LOW. Zero or negative intervals are skipped.
type Pulse []time.Duration

// PulseHigh is a single HIGH interval.
func PulseHigh(d time.Duration) Pulse { return Pulse{d} }

// PulseLow is a single LOW interval, expressed as a skipped HIGH followed by LOW.
func PulseLow(d time.Duration) Pulse { return Pulse{0, d} }

// PulseMillis builds a pulse train from millisecond intervals.
func PulseMillis(ms ...int64) Pulse {
	p := make(Pulse, len(ms))
	for i, v := range ms {
		p[i] = time.Duration(v) * time.Millisecond
	}
	return p
}

// Then returns a copy of p extended with one HIGH and one LOW interval.
// If p has an odd length the HIGH interval is preceded by a skipped LOW.
func (p Pulse) Then(high, low time.Duration) Pulse {
	out := make(Pulse, len(p), len(p)+3)
	copy(out, p)
	if len(out)%2 == 1 {
		out = append(out, 0)
	}
	return append(out, high, low)
}

// Total is the wall time the train occupies once expanded.
func (p Pulse) Total() time.Duration {
	var t time.Duration
	for _, d := range p {
		if d > 0 {
			t += d
		}
	}
	return t
}

// Millis is the inverse of PulseMillis.
func (p Pulse) Millis() []int64 {
	out := make([]int64, len(p))
	for i, d := range p {
		out[i] = d.Milliseconds()
	}
	return out
}

// ------------------------
// Analog / PWM / sampling
// ------------------------

// Value is an analog output value, or a PWM duty cycle in [0.0, 1.0].
type Value float64

// Steps is a raw PWM step count in [0, 1024].
type Steps int

// Get asks a worker for one sample of its current level or value.
type Get struct{}
