package worker

import (
	"errors"
	"time"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/fanout"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
	"github.com/riot-framework/riot-core/x/signal"
)

// NewGPIOIn starts a worker for a digital or analog input. Events are
// delivered to the descriptor's listeners from the worker goroutine.
func NewGPIOIn(drv halcore.Driver, res types.Resource, opts ...Option) *Worker {
	o := buildOptions(opts)
	fan := fanout.New(res.Listeners())
	return newWorker(res, o, func(post func(rawEvent)) behaviour {
		if res.Kind() == types.KindAnalogIn {
			return &analogIn{drv: drv, res: res, fan: fan, post: post, now: o.now}
		}
		return &digitalIn{drv: drv, res: res, fan: fan, post: post, now: o.now, sleep: o.sleep}
	})
}

// ---- digital ----

type digitalIn struct {
	drv   halcore.Driver
	res   types.Resource
	fan   *fanout.Fanout
	post  func(rawEvent)
	now   func() time.Time
	sleep func(time.Duration)

	h  halcore.DigitalInput
	io halcore.DigitalIO // set when bidirectional

	irq       bool
	lastLevel bool // logical
	lastEvent time.Time
}

func (d *digitalIn) logical(v bool) bool { return v != d.res.IsActiveLow() }

func (d *digitalIn) provision() error {
	if d.res.Kind() != types.KindDigitalIn {
		return errcode.New(errcode.UnsupportedOperation, d.res.Name(), "not an input: "+d.res.Kind().String())
	}
	var h halcore.DigitalInput
	if d.res.IsBidirectional() {
		io, err := d.drv.ProvisionDigitalIO(d.res.Pin(), d.res.Name())
		if err != nil {
			return err
		}
		d.io, h = io, io
	} else {
		in, err := d.drv.ProvisionDigitalInput(d.res.Pin(), d.res.Name())
		if err != nil {
			return err
		}
		h = in
	}
	if err := d.configure(h); err != nil {
		_ = h.Release()
		d.io = nil
		return err
	}
	d.h = h
	return nil
}

func (d *digitalIn) configure(h halcore.DigitalInput) error {
	if p := d.res.Pull(); p != types.PullNone {
		if err := h.SetPull(p); err != nil {
			return err
		}
	}
	lvl, err := h.Get()
	if err != nil {
		return err
	}
	d.lastLevel, d.lastEvent = d.logical(lvl), time.Time{}

	if d.fan.Len() == 0 || d.res.Edge() == types.EdgeNone {
		return nil
	}
	// The handler may run in interrupt context: read and post only.
	if err := h.SetIRQ(d.res.Edge(), func() {
		v, _ := h.Get()
		d.post(rawEvent{level: v, ts: d.now()})
	}); err != nil {
		return err
	}
	d.irq = true
	return nil
}

func (d *digitalIn) event(ev rawEvent) {
	lvl := d.logical(ev.level)
	ts := ev.ts
	if ts.IsZero() {
		ts = d.now()
	}
	if deb := d.res.Debounce(); deb > 0 && !d.lastEvent.IsZero() && ts.Sub(d.lastEvent) < deb {
		return
	}

	e := types.EdgeNone
	switch d.res.Edge() {
	case types.EdgeBoth:
		// Every interrupt is delivered. A sample equal to the last level
		// means a pulse shorter than the handler latency; the edge that
		// restored the level is the one reported.
		e = types.EdgeFalling
		if lvl {
			e = types.EdgeRising
		}
	case types.EdgeRising, types.EdgeFalling:
		e = d.res.Edge()
	}
	d.lastLevel, d.lastEvent = lvl, ts
	if e == types.EdgeNone {
		return
	}
	d.fan.Deliver(types.Event{
		Resource: d.res.Name(),
		Kind:     types.KindDigitalIn,
		State:    types.StateOf(lvl),
		Edge:     e,
		TS:       ts,
	})
}

func (d *digitalIn) level() (types.State, error) {
	v, err := d.h.Get()
	if err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, d.res.Name(), err)
	}
	return types.StateOf(d.logical(v)), nil
}

// drive switches a bidirectional line to output for fn and back to input.
func (d *digitalIn) drive(fn func() (types.State, error)) (types.State, error) {
	if d.io == nil {
		return 0, errcode.New(errcode.UnsupportedOperation, d.res.Name(), "input is not bidirectional")
	}
	if err := d.io.SetDirection(true); err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, d.res.Name(), err)
	}
	s, err := fn()
	if derr := d.io.SetDirection(false); derr != nil && err == nil {
		err = errcode.Wrap(errcode.TransferFailure, d.res.Name(), derr)
	}
	return s, err
}

func (d *digitalIn) set(high bool) error {
	if err := d.io.Set(high != d.res.IsActiveLow()); err != nil {
		return errcode.Wrap(errcode.TransferFailure, d.res.Name(), err)
	}
	return nil
}

func (d *digitalIn) handle(cmd any) (any, error) {
	switch c := cmd.(type) {
	case types.Get:
		return d.level()
	case types.State:
		return d.drive(func() (types.State, error) {
			s := c
			if s == types.StateToggle {
				cur, err := d.level()
				if err != nil {
					return 0, err
				}
				s = types.StateOf(!cur.IsHigh())
			}
			return s, d.set(s.IsHigh())
		})
	case types.Pulse:
		return d.drive(func() (types.State, error) {
			last, driven, err := signal.Expand(c, func(high bool, hold time.Duration) error {
				if err := d.set(high); err != nil {
					return err
				}
				d.sleep(hold)
				return nil
			})
			if err != nil {
				return 0, err
			}
			if !driven {
				return d.level()
			}
			return last, nil
		})
	default:
		return nil, unsupported(d.res, cmd)
	}
}

func (d *digitalIn) shutdown() error {
	var errs []error
	if d.irq {
		errs = append(errs, d.h.ClearIRQ())
		d.irq = false
	}
	if s, ok := d.res.ShutdownState(); ok && d.io != nil {
		errs = append(errs, d.io.SetDirection(true), d.set(s.IsHigh()))
	}
	errs = append(errs, d.h.Release())
	d.h, d.io = nil, nil
	return errors.Join(errs...)
}

// ---- analog ----

type analogIn struct {
	drv  halcore.Driver
	res  types.Resource
	fan  *fanout.Fanout
	post func(rawEvent)
	now  func() time.Time

	h        halcore.AnalogInput
	watching bool
}

func (a *analogIn) provision() error {
	h, err := a.drv.ProvisionAnalogInput(a.res.Pin(), a.res.Name())
	if err != nil {
		return err
	}
	if err := a.configure(h); err != nil {
		_ = h.Release()
		return err
	}
	a.h = h
	return nil
}

func (a *analogIn) configure(h halcore.AnalogInput) error {
	if p := a.res.Pull(); p != types.PullNone {
		if err := h.SetPull(p); err != nil {
			return err
		}
	}
	if a.fan.Len() == 0 {
		return nil
	}
	if err := h.OnChange(func(v float64) {
		a.post(rawEvent{value: v, ts: a.now()})
	}); err != nil {
		return err
	}
	a.watching = true
	return nil
}

func (a *analogIn) event(ev rawEvent) {
	ts := ev.ts
	if ts.IsZero() {
		ts = a.now()
	}
	a.fan.Deliver(types.Event{
		Resource: a.res.Name(),
		Kind:     types.KindAnalogIn,
		Value:    ev.value,
		TS:       ts,
	})
}

func (a *analogIn) handle(cmd any) (any, error) {
	switch cmd.(type) {
	case types.Get:
		v, err := a.h.Value()
		if err != nil {
			return nil, errcode.Wrap(errcode.TransferFailure, a.res.Name(), err)
		}
		return types.Value(v), nil
	default:
		return nil, unsupported(a.res, cmd)
	}
}

func (a *analogIn) shutdown() error {
	var errs []error
	if a.watching {
		errs = append(errs, a.h.ClearOnChange())
		a.watching = false
	}
	errs = append(errs, a.h.Release())
	a.h = nil
	return errors.Join(errs...)
}
