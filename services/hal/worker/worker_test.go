package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/services/hal/internal/platform"
	"github.com/riot-framework/riot-core/services/hal/protocol"
	"github.com/riot-framework/riot-core/types"
)

var quiet = WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func stop(t *testing.T, r Runner) {
	t.Helper()
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
}

// ---------------------------------------------------------------------
// Digital output
// ---------------------------------------------------------------------

func TestToggleTwiceFromLow(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOOut(sim, types.DigitalOut(5).InitiallyLow(), quiet)
	stop(t, w)
	ctx := context.Background()

	got, err := w.Do(ctx, types.StateToggle)
	require.NoError(t, err)
	assert.Equal(t, types.StateHigh, got)

	got, err = w.Do(ctx, types.StateToggle)
	require.NoError(t, err)
	assert.Equal(t, types.StateLow, got)

	assert.Equal(t, []bool{false, true, false}, sim.Pin(5).Writes())
}

func TestShutdownAppliesStateOnce(t *testing.T) {
	sim := platform.NewSim()
	res := types.DigitalOut(6).Named("relay").InitiallyLow().ShuttingDownHigh()
	w := NewGPIOOut(sim, res, quiet)
	ctx := context.Background()

	require.NoError(t, w.Provision(ctx))
	assert.Equal(t, Provisioned, w.State())
	lvl, ok := sim.Pin(6).ShutdownLevel()
	assert.True(t, ok, "shutdown level registered with the driver")
	assert.True(t, lvl)

	before := len(sim.Pin(6).Writes())
	require.NoError(t, w.Shutdown(ctx))
	assert.Equal(t, []bool{true}, sim.Pin(6).Writes()[before:])
	assert.True(t, sim.Pin(6).Released())
	assert.Equal(t, Stopped, w.State())

	// Second shutdown is a no-op.
	require.NoError(t, w.Shutdown(ctx))
	assert.Len(t, sim.Pin(6).Writes(), before+1)

	_, err := w.Do(ctx, types.StateHigh)
	assert.True(t, errors.Is(err, errcode.Stopped), "got %v", err)
	<-w.Done()
}

func TestShutdownUnprovisioned(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOOut(sim, types.DigitalOut(9).ShuttingDownHigh(), quiet)
	require.NoError(t, w.Shutdown(context.Background()))
	assert.Equal(t, Stopped, w.State())
	assert.Empty(t, sim.Pin(9).Writes())
	_, held := sim.Owner(9)
	assert.False(t, held)
}

func TestActiveLowOutput(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOOut(sim, types.DigitalOut(2).ActiveLow().InitiallyLow(), quiet)
	stop(t, w)

	got, err := w.Do(context.Background(), types.StateHigh)
	require.NoError(t, err)
	assert.Equal(t, types.StateHigh, got)
	assert.Equal(t, []bool{true, false}, sim.Pin(2).Writes())

	got, err = w.Do(context.Background(), types.Get{})
	require.NoError(t, err)
	assert.Equal(t, types.StateHigh, got)
}

func TestPulseTrain(t *testing.T) {
	sim := platform.NewSim()
	var slept []time.Duration
	w := NewGPIOOut(sim, types.DigitalOut(4).InitiallyLow(), quiet,
		WithSleep(func(d time.Duration) { slept = append(slept, d) }))
	stop(t, w)
	ctx := context.Background()

	got, err := w.Do(ctx, types.PulseMillis(100, 0, 50))
	require.NoError(t, err)
	assert.Equal(t, types.StateHigh, got)
	assert.Equal(t, []bool{false, true, true}, sim.Pin(4).Writes())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 50 * time.Millisecond}, slept)

	got, err = w.Do(ctx, types.PulseMillis(0, 20))
	require.NoError(t, err)
	assert.Equal(t, types.StateLow, got)

	// Nothing to drive: line untouched, current level reported.
	n := len(sim.Pin(4).Writes())
	got, err = w.Do(ctx, types.PulseMillis(0, 0))
	require.NoError(t, err)
	assert.Equal(t, types.StateLow, got)
	assert.Len(t, sim.Pin(4).Writes(), n)
}

func TestPulseWriteFailure(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOOut(sim, types.DigitalOut(4), quiet, WithSleep(func(time.Duration) {}))
	stop(t, w)
	require.NoError(t, w.Provision(context.Background()))

	sim.Pin(4).FailWrites(errors.New("line stuck"))
	_, err := w.Do(context.Background(), types.PulseMillis(10))
	assert.True(t, errors.Is(err, errcode.TransferFailure), "got %v", err)
}

func TestUnsupportedCommand(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOOut(sim, types.DigitalOut(3), quiet)
	stop(t, w)
	_, err := w.Do(context.Background(), types.Value(0.5))
	assert.True(t, errors.Is(err, errcode.UnsupportedOperation), "got %v", err)
	// The worker keeps serving after a rejected command.
	_, err = w.Do(context.Background(), types.StateHigh)
	assert.NoError(t, err)
}

func TestProvisionFailureThenRetry(t *testing.T) {
	sim := platform.NewSim()
	sim.FailNext(11, errors.New("gpiochip busy"))
	w := NewGPIOOut(sim, types.DigitalOut(11), quiet)
	stop(t, w)
	ctx := context.Background()

	err := w.Provision(ctx)
	assert.True(t, errors.Is(err, errcode.ResourceUnavailable), "got %v", err)
	assert.Equal(t, Unprovisioned, w.State())

	got, err := w.Do(ctx, types.StateHigh)
	require.NoError(t, err)
	assert.Equal(t, types.StateHigh, got)
	assert.Equal(t, Provisioned, w.State())
}

func TestWrongKindIsNotRetryable(t *testing.T) {
	sim := platform.NewSim()
	out := NewGPIOOut(sim, types.DigitalIn(15), quiet)
	in := NewGPIOIn(sim, types.DigitalOut(16), quiet)
	stop(t, out)
	stop(t, in)

	for _, w := range []*Worker{out, in} {
		err := w.Provision(context.Background())
		assert.True(t, errors.Is(err, errcode.UnsupportedOperation), "got %v", err)
		assert.False(t, errors.Is(err, errcode.ResourceUnavailable), "got %v", err)
		assert.Equal(t, Unprovisioned, w.State())
	}
}

func TestPinConflict(t *testing.T) {
	sim := platform.NewSim()
	a := NewGPIOOut(sim, types.DigitalOut(12).Named("a"), quiet)
	b := NewGPIOOut(sim, types.DigitalOut(12).Named("b"), quiet)
	stop(t, a)
	stop(t, b)

	require.NoError(t, a.Provision(context.Background()))
	err := b.Provision(context.Background())
	assert.True(t, errors.Is(err, errcode.ResourceUnavailable))
	assert.True(t, errors.Is(err, errcode.PinInUse))
}

// ---------------------------------------------------------------------
// Analog and PWM outputs
// ---------------------------------------------------------------------

func TestPWMQuantization(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOOut(sim, types.PWMOut(18).WithInitialValue(0.25).WithShutdownValue(0), quiet)
	ctx := context.Background()

	require.NoError(t, w.Provision(ctx))
	assert.Equal(t, 1024, sim.Pin(18).Range())
	assert.Equal(t, 256, sim.Pin(18).Steps())

	cases := []struct {
		cmd  any
		want types.Steps
	}{
		{types.Value(0.5), 512},
		{types.Value(1.7), 1024},
		{types.Value(-0.2), 0},
		{types.Value(math.NaN()), 0},
		{types.Steps(300), 300},
		{types.Steps(5000), 1024},
		{types.Get{}, 1024},
	}
	for _, c := range cases {
		got, err := w.Do(ctx, c.cmd)
		require.NoError(t, err, "%v", c.cmd)
		assert.Equal(t, c.want, got, "%v", c.cmd)
	}

	require.NoError(t, w.Shutdown(ctx))
	assert.Equal(t, 0, sim.Pin(18).Steps())
	assert.True(t, sim.Pin(18).Released())
}

func TestAnalogOut(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOOut(sim, types.AnalogOut(25), quiet)
	stop(t, w)
	ctx := context.Background()

	got, err := w.Do(ctx, types.Value(0.3))
	require.NoError(t, err)
	assert.Equal(t, types.Value(0.3), got)
	assert.Equal(t, 0.3, sim.Pin(25).AnalogValue())

	_, err = w.Do(ctx, types.Value(math.Inf(1)))
	assert.True(t, errors.Is(err, errcode.InvalidParams))

	_, err = w.Do(ctx, types.StateHigh)
	assert.True(t, errors.Is(err, errcode.UnsupportedOperation))
}

// ---------------------------------------------------------------------
// Inputs
// ---------------------------------------------------------------------

type collector struct {
	mu  sync.Mutex
	evs []types.Event
}

func (c *collector) Notify(ev types.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *collector) events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.evs...)
}

func TestDigitalInputEvents(t *testing.T) {
	sim := platform.NewSim()
	var c collector
	w := NewGPIOIn(sim, types.DigitalIn(7).Named("button").WithListeners(&c), quiet)
	stop(t, w)
	require.NoError(t, w.Provision(context.Background()))

	sim.Pin(7).Drive(true)
	sim.Pin(7).Drive(false)

	require.Eventually(t, func() bool { return len(c.events()) == 2 }, time.Second, time.Millisecond)
	evs := c.events()
	assert.Equal(t, "button", evs[0].Resource)
	assert.Equal(t, types.StateHigh, evs[0].State)
	assert.Equal(t, types.EdgeRising, evs[0].Edge)
	assert.Equal(t, types.StateLow, evs[1].State)
	assert.Equal(t, types.EdgeFalling, evs[1].Edge)

	got, err := w.Do(context.Background(), types.Get{})
	require.NoError(t, err)
	assert.Equal(t, types.StateLow, got)
}

func TestDigitalInputReportsGlitches(t *testing.T) {
	sim := platform.NewSim()
	var c collector
	w := NewGPIOIn(sim, types.DigitalIn(11).WithListeners(&c), quiet)
	stop(t, w)
	sim.Pin(11).Drive(true)
	require.NoError(t, w.Provision(context.Background()))

	sim.Pin(11).Glitch()
	sim.Pin(11).Glitch()

	require.Eventually(t, func() bool { return len(c.events()) == 2 }, time.Second, time.Millisecond)
	for _, ev := range c.events() {
		assert.Equal(t, types.StateHigh, ev.State)
		assert.Equal(t, types.EdgeRising, ev.Edge)
	}
}

func TestDigitalInputDebounceAndInversion(t *testing.T) {
	sim := platform.NewSim()
	var c collector
	var clock atomic.Int64
	now := func() time.Time { return time.Unix(0, clock.Load()) }
	at := func(d time.Duration) { clock.Store(int64(time.Second + d)) }

	res := types.DigitalIn(8).ActiveLow().WithDebounce(20 * time.Millisecond).WithListeners(&c)
	w := NewGPIOIn(sim, res, quiet, WithClock(now))
	stop(t, w)
	sim.Pin(8).Drive(true) // idle high, logically LOW
	require.NoError(t, w.Provision(context.Background()))

	at(0)
	sim.Pin(8).Drive(false) // press
	at(5 * time.Millisecond)
	sim.Pin(8).Drive(true) // bounce
	at(8 * time.Millisecond)
	sim.Pin(8).Drive(false) // bounce
	at(100 * time.Millisecond)
	sim.Pin(8).Drive(true) // release

	require.Eventually(t, func() bool { return len(c.events()) == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	evs := c.events()
	require.Len(t, evs, 2)
	assert.Equal(t, types.StateHigh, evs[0].State, "pressed is logical HIGH")
	assert.Equal(t, types.EdgeRising, evs[0].Edge)
	assert.Equal(t, time.Unix(1, 0), evs[0].TS)
	assert.Equal(t, types.StateLow, evs[1].State)
	assert.Equal(t, types.EdgeFalling, evs[1].Edge)
	assert.Equal(t, time.Unix(1, int64(100*time.Millisecond)), evs[1].TS)
}

func TestInputWithoutListenersInstallsNoIRQ(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOIn(sim, types.DigitalIn(13), quiet)
	stop(t, w)
	require.NoError(t, w.Provision(context.Background()))
	sim.Pin(13).Drive(true)
	got, err := w.Do(context.Background(), types.Get{})
	require.NoError(t, err)
	assert.Equal(t, types.StateHigh, got)
	assert.Zero(t, w.IRQDrops())
}

func TestBidirectionalInput(t *testing.T) {
	sim := platform.NewSim()
	w := NewGPIOIn(sim, types.DigitalIn(14).AsBidirectional(), quiet, WithSleep(func(time.Duration) {}))
	stop(t, w)
	ctx := context.Background()

	got, err := w.Do(ctx, types.StateHigh)
	require.NoError(t, err)
	assert.Equal(t, types.StateHigh, got)
	assert.False(t, sim.Pin(14).IsOutput(), "direction restored to input")

	got, err = w.Do(ctx, types.PulseMillis(5, 5))
	require.NoError(t, err)
	assert.Equal(t, types.StateLow, got)
	assert.Equal(t, []bool{true, true, false}, sim.Pin(14).Writes())

	plain := NewGPIOIn(sim, types.DigitalIn(15), quiet)
	stop(t, plain)
	_, err = plain.Do(ctx, types.StateHigh)
	assert.True(t, errors.Is(err, errcode.UnsupportedOperation))
}

func TestAnalogInputEvents(t *testing.T) {
	sim := platform.NewSim()
	var c collector
	w := NewGPIOIn(sim, types.AnalogIn(26).Named("light").WithListeners(&c), quiet)
	stop(t, w)
	require.NoError(t, w.Provision(context.Background()))

	sim.Pin(26).SetAnalog(0.4)
	require.Eventually(t, func() bool { return len(c.events()) == 1 }, time.Second, time.Millisecond)
	ev := c.events()[0]
	assert.Equal(t, "light", ev.Resource)
	assert.Equal(t, 0.4, ev.Value)

	got, err := w.Do(context.Background(), types.Get{})
	require.NoError(t, err)
	assert.Equal(t, types.Value(0.4), got)

	require.NoError(t, w.Shutdown(context.Background()))
	sim.Pin(26).SetAnalog(0.9)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, c.events(), 1, "no events after shutdown")
}

// ---------------------------------------------------------------------
// Ordering and bus devices
// ---------------------------------------------------------------------

// gated is a protocol whose Exec blocks until released and records order
// and overlap.
type gated struct {
	gate     chan struct{}
	mu       sync.Mutex
	order    []int
	inflight atomic.Int32
	overlap  atomic.Bool
	inits    int
	shutdown int
}

func (g *gated) Descriptor() protocol.Descriptor { return protocol.NewDescriptor[int, int]() }
func (g *gated) Init(string) error               { g.inits++; return nil }
func (g *gated) Shutdown(string) error           { g.shutdown++; return nil }

func (g *gated) Exec(_ string, n int) (int, error) {
	if g.inflight.Add(1) > 1 {
		g.overlap.Store(true)
	}
	defer g.inflight.Add(-1)
	<-g.gate
	g.mu.Lock()
	g.order = append(g.order, n)
	g.mu.Unlock()
	return n * 10, nil
}

type fakeProvider struct {
	acquired, released int
	fail               error
}

func (p *fakeProvider) Acquire(r types.Resource) (string, error) {
	if p.fail != nil {
		return "", p.fail
	}
	p.acquired++
	return r.Name(), nil
}

func (p *fakeProvider) Release(string) error { p.released++; return nil }

func TestBusFIFOWithoutOverlap(t *testing.T) {
	g := &gated{gate: make(chan struct{})}
	p := &fakeProvider{}
	b := NewBus[string, int, int](p, types.I2CDevice(1, 0x20), g, quiet)
	ctx := context.Background()
	require.NoError(t, b.Provision(ctx))

	const n = 8
	var wg sync.WaitGroup
	replies := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := b.Exec(ctx, i)
			assert.NoError(t, err)
			replies[i] = r
		}(i)
		// The first request is taken by the loop; the rest queue behind it.
		want := i
		require.Eventually(t, func() bool {
			if want == 0 {
				return g.inflight.Load() == 1
			}
			return len(b.mbox) == want
		}, time.Second, time.Millisecond)
	}
	close(g.gate)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, g.order)
	assert.False(t, g.overlap.Load())
	for i, r := range replies {
		assert.Equal(t, i*10, r)
	}

	require.NoError(t, b.Shutdown(ctx))
	assert.Equal(t, 1, g.inits)
	assert.Equal(t, 1, g.shutdown)
	assert.Equal(t, 1, p.acquired)
	assert.Equal(t, 1, p.released)
}

func TestCallerTimeoutDoesNotCancelCommand(t *testing.T) {
	g := &gated{gate: make(chan struct{})}
	b := NewBus[string, int, int](&fakeProvider{}, types.I2CDevice(1, 0x21), g, quiet)
	stop(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Exec(ctx, 1)
	assert.True(t, errors.Is(err, errcode.Timeout), "got %v", err)

	close(g.gate)
	got, err := b.Exec(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 20, got)
	assert.Equal(t, []int{1, 2}, g.order)
}

func TestBusWrongCommandType(t *testing.T) {
	g := &gated{gate: make(chan struct{})}
	b := NewBus[string, int, int](&fakeProvider{}, types.I2CDevice(1, 0x22), g, quiet)
	stop(t, b)
	_, err := b.Do(context.Background(), "nope")
	assert.True(t, errors.Is(err, errcode.UnsupportedOperation))
}

// flaky fails its first Exec the way a bus NACK would.
type flaky struct{ calls int }

func (f *flaky) Descriptor() protocol.Descriptor { return protocol.NewDescriptor[int, int]() }
func (f *flaky) Init(string) error               { return nil }
func (f *flaky) Shutdown(string) error           { return nil }

func (f *flaky) Exec(_ string, n int) (int, error) {
	f.calls++
	if f.calls == 1 {
		return 0, errors.New("nack")
	}
	return n * 2, nil
}

func TestBusExecFailureKeepsWorkerUsable(t *testing.T) {
	f := &flaky{}
	b := NewBus[string, int, int](&fakeProvider{}, types.I2CDevice(1, 0x24), f, quiet)
	stop(t, b)
	ctx := context.Background()

	_, err := b.Exec(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errcode.TransferFailure), "got %v", err)
	assert.Contains(t, err.Error(), "nack")
	assert.Equal(t, Provisioned, b.State())

	got, err := b.Exec(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, Provisioned, b.State())
	assert.Equal(t, 2, f.calls)
}

func TestBusAcquireFailure(t *testing.T) {
	g := &gated{gate: make(chan struct{})}
	p := &fakeProvider{fail: errcode.New(errcode.Busy, "i2c", "taken")}
	b := NewBus[string, int, int](p, types.I2CDevice(1, 0x23), g, quiet)
	stop(t, b)
	err := b.Provision(context.Background())
	assert.True(t, errors.Is(err, errcode.ResourceUnavailable))
	assert.Equal(t, 0, g.inits)
}

func TestBusTMP102OnSimBoard(t *testing.T) {
	sb := platform.NewSimBoard(time.Second)
	defer sb.Close()

	res := types.I2CDevice(1, platform.SimTMP102Addr).WithProtocol("tmp102")
	b := NewBus[*halcore.I2CDevice, protocol.ReadTemperature, types.TemperatureValue](sb.I2C, res, protocol.NewTMP102(), quiet)
	stop(t, b)

	v, err := b.Exec(context.Background(), protocol.ReadTemperature{})
	require.NoError(t, err)
	assert.Equal(t, int32(21500), v.MilliC)
	assert.Equal(t, "protocol.ReadTemperature", b.Descriptor().Command)

	// The same address cannot be claimed twice while held.
	other := NewBus[*halcore.I2CDevice, protocol.ReadTemperature, types.TemperatureValue](sb.I2C, res.Named("dup"), protocol.NewTMP102(), quiet)
	stop(t, other)
	assert.Error(t, other.Provision(context.Background()))
}

func TestBusRawEcho(t *testing.T) {
	sb := platform.NewSimBoard(time.Second)
	defer sb.Close()

	b := NewBus[*halcore.I2CDevice, protocol.RawCommand, protocol.Result](
		sb.I2C, types.I2CDevice(1, platform.SimRegMapAddr), protocol.NewRaw[*halcore.I2CDevice](), quiet)
	stop(t, b)
	ctx := context.Background()

	_, err := b.Exec(ctx, protocol.Write{Address: 0x10, Payload: []byte{0xFF}})
	require.NoError(t, err)
	r, err := b.Exec(ctx, protocol.Read{Address: 0x10, Length: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, r.Data)
}
