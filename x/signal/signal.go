// Package signal holds the pure encoders used by output workers: pulse-train
// expansion and PWM duty-cycle quantization.
package signal

import (
	"math"
	"time"

	"github.com/riot-framework/riot-core/types"
	"github.com/riot-framework/riot-core/x/mathx"
)

// PWMRange is the PWM resolution in steps.
const PWMRange = 1024

// Drive sets the line to high and holds it for d.
type Drive func(high bool, d time.Duration) error

// Expand walks p and calls drive for every non-zero interval, HIGH on even
// positions and LOW on odd ones. It stops at the first drive error.
//
// last is the level set by the last driven interval; driven is false when
// every interval was skipped, in which case the line was never touched.
func Expand(p types.Pulse, drive Drive) (last types.State, driven bool, err error) {
	for i, d := range p {
		if d <= 0 {
			continue
		}
		high := i%2 == 0
		if err := drive(high, d); err != nil {
			return last, driven, err
		}
		last, driven = types.StateOf(high), true
	}
	return last, driven, nil
}

// Quantize maps a duty cycle onto [0, PWMRange] steps: round(v*PWMRange),
// clamped. NaN maps to 0.
func Quantize(v float64) int {
	f := mathx.ClampFloat(math.Round(v*PWMRange), 0, PWMRange, 0)
	return int(f)
}

// ClampSteps limits a raw step count to [0, PWMRange].
func ClampSteps(n int) int { return mathx.Clamp(n, 0, PWMRange) }

// Duty converts steps back to a duty cycle in [0, 1].
func Duty(steps int) float64 { return float64(ClampSteps(steps)) / PWMRange }
