package signal

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riot-framework/riot-core/types"
)

type step struct {
	high bool
	d    time.Duration
}

func record(p types.Pulse) ([]step, types.State, bool, error) {
	var got []step
	last, driven, err := Expand(p, func(high bool, d time.Duration) error {
		got = append(got, step{high, d})
		return nil
	})
	return got, last, driven, err
}

func TestExpandSkipsZeroAndAlternates(t *testing.T) {
	got, last, driven, err := record(types.Pulse{10, 0, 20, 5, 0})
	require.NoError(t, err)
	assert.True(t, driven)
	assert.Equal(t, []step{{true, 10}, {true, 20}, {false, 5}}, got)
	assert.Equal(t, types.StateLow, last)
}

func TestExpandParityMatchesPosition(t *testing.T) {
	// Every driven step must carry the level of its original index,
	// whatever zeros come before it.
	trains := []types.Pulse{
		{0, 0, 0, 7},
		{1, 2, 3, 4, 5},
		{0, 3},
		{0, 0, 4},
	}
	for _, p := range trains {
		var idx []int
		for i, d := range p {
			if d > 0 {
				idx = append(idx, i)
			}
		}
		got, _, _, err := record(p)
		require.NoError(t, err)
		require.Len(t, got, len(idx), "train %v", p)
		for k, s := range got {
			assert.Equal(t, idx[k]%2 == 0, s.high, "train %v step %d", p, k)
			assert.Equal(t, p[idx[k]], s.d)
		}
	}
}

func TestExpandAllZeroDrivesNothing(t *testing.T) {
	got, _, driven, err := record(types.Pulse{0, 0, 0})
	require.NoError(t, err)
	assert.False(t, driven)
	assert.Empty(t, got)

	_, _, driven, _ = record(nil)
	assert.False(t, driven)
}

func TestExpandStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	last, driven, err := Expand(types.Pulse{1, 1, 1}, func(high bool, _ time.Duration) error {
		calls++
		if !high {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	assert.True(t, driven)
	assert.Equal(t, types.StateHigh, last)
}

func TestQuantize(t *testing.T) {
	cases := map[float64]int{
		-0.2:  0,
		0:     0,
		0.5:   512,
		1.0:   1024,
		1.3:   1024,
		0.001: 1,
		0.25:  256,
	}
	for in, want := range cases {
		assert.Equal(t, want, Quantize(in), "Quantize(%v)", in)
	}
	assert.Equal(t, 0, Quantize(math.NaN()))
	assert.Equal(t, 1024, Quantize(math.Inf(1)))
	assert.Equal(t, 0, Quantize(math.Inf(-1)))
}

func TestQuantizeBounds(t *testing.T) {
	for v := -2.0; v <= 2.0; v += 0.0137 {
		got := Quantize(v)
		assert.True(t, got >= 0 && got <= PWMRange, "Quantize(%v)=%d", v, got)
		if v >= 0 && v <= 1 {
			assert.Equal(t, int(math.Round(v*PWMRange)), got)
		}
	}
}

func TestClampSteps(t *testing.T) {
	assert.Equal(t, 0, ClampSteps(-5))
	assert.Equal(t, 1024, ClampSteps(4096))
	assert.Equal(t, 100, ClampSteps(100))
	assert.Equal(t, 0.5, Duty(512))
}
