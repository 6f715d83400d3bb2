package worker

import (
	"errors"
	"math"
	"time"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
	"github.com/riot-framework/riot-core/x/signal"
)

// NewGPIOOut starts a worker for a digital, analog or PWM output.
// The pin is provisioned lazily on the first command unless Provision is
// called first.
func NewGPIOOut(drv halcore.Driver, res types.Resource, opts ...Option) *Worker {
	o := buildOptions(opts)
	return newWorker(res, o, func(func(rawEvent)) behaviour {
		switch res.Kind() {
		case types.KindAnalogOut:
			return &analogOut{drv: drv, res: res}
		case types.KindPWMOut:
			return &pwmOut{drv: drv, res: res}
		default:
			return &digitalOut{drv: drv, res: res, sleep: o.sleep}
		}
	})
}

// ---- digital ----

type digitalOut struct {
	drv   halcore.Driver
	res   types.Resource
	sleep func(time.Duration)
	h     halcore.DigitalOutput
}

// phys maps a logical level onto the line.
func (d *digitalOut) phys(high bool) bool { return high != d.res.IsActiveLow() }

func (d *digitalOut) provision() error {
	if d.res.Kind() != types.KindDigitalOut {
		return errcode.New(errcode.UnsupportedOperation, d.res.Name(), "not an output: "+d.res.Kind().String())
	}
	h, err := d.drv.ProvisionDigitalOutput(d.res.Pin(), d.res.Name())
	if err != nil {
		return err
	}
	if err := d.configure(h); err != nil {
		_ = h.Release()
		return err
	}
	d.h = h
	return nil
}

func (d *digitalOut) configure(h halcore.DigitalOutput) error {
	if p := d.res.Pull(); p != types.PullNone {
		if err := h.SetPull(p); err != nil {
			return err
		}
	}
	if s, ok := d.res.InitialState(); ok {
		if err := h.Set(d.phys(s.IsHigh())); err != nil {
			return err
		}
	}
	if s, ok := d.res.ShutdownState(); ok {
		if err := h.SetShutdown(d.phys(s.IsHigh())); err != nil {
			return err
		}
	}
	return nil
}

func (d *digitalOut) level() (types.State, error) {
	v, err := d.h.Get()
	if err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, d.res.Name(), err)
	}
	return types.StateOf(d.phys(v)), nil
}

func (d *digitalOut) set(s types.State) (types.State, error) {
	if s == types.StateToggle {
		cur, err := d.level()
		if err != nil {
			return 0, err
		}
		s = types.StateOf(!cur.IsHigh())
	}
	if err := d.h.Set(d.phys(s.IsHigh())); err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, d.res.Name(), err)
	}
	return s, nil
}

func (d *digitalOut) pulse(p types.Pulse) (types.State, error) {
	last, driven, err := signal.Expand(p, func(high bool, hold time.Duration) error {
		if err := d.h.Set(d.phys(high)); err != nil {
			return err
		}
		d.sleep(hold)
		return nil
	})
	if err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, d.res.Name(), err)
	}
	if !driven {
		return d.level()
	}
	return last, nil
}

func (d *digitalOut) handle(cmd any) (any, error) {
	switch c := cmd.(type) {
	case types.State:
		return d.set(c)
	case types.Pulse:
		return d.pulse(c)
	case types.Get:
		return d.level()
	default:
		return nil, unsupported(d.res, cmd)
	}
}

func (d *digitalOut) shutdown() error {
	var errs []error
	if s, ok := d.res.ShutdownState(); ok {
		errs = append(errs, d.h.Set(d.phys(s.IsHigh())))
	}
	errs = append(errs, d.h.Release())
	d.h = nil
	return errors.Join(errs...)
}

// ---- analog ----

type analogOut struct {
	drv halcore.Driver
	res types.Resource
	h   halcore.AnalogOutput
}

func (a *analogOut) provision() error {
	h, err := a.drv.ProvisionAnalogOutput(a.res.Pin(), a.res.Name())
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

func (a *analogOut) configure(h halcore.AnalogOutput) error {
	if p := a.res.Pull(); p != types.PullNone {
		if err := h.SetPull(p); err != nil {
			return err
		}
	}
	if v, ok := a.res.InitialValue(); ok {
		if err := h.SetValue(v); err != nil {
			return err
		}
	}
	if v, ok := a.res.ShutdownValue(); ok {
		if err := h.SetShutdown(v); err != nil {
			return err
		}
	}
	return nil
}

func (a *analogOut) value() (types.Value, error) {
	v, err := a.h.Value()
	if err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, a.res.Name(), err)
	}
	return types.Value(v), nil
}

func (a *analogOut) handle(cmd any) (any, error) {
	switch c := cmd.(type) {
	case types.Value:
		v := float64(c)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errcode.New(errcode.InvalidParams, a.res.Name(), "value is not finite")
		}
		// Unclamped: the driver owns the output range.
		if err := a.h.SetValue(v); err != nil {
			return nil, errcode.Wrap(errcode.TransferFailure, a.res.Name(), err)
		}
		return a.value()
	case types.Get:
		return a.value()
	default:
		return nil, unsupported(a.res, cmd)
	}
}

func (a *analogOut) shutdown() error {
	var errs []error
	if v, ok := a.res.ShutdownValue(); ok {
		errs = append(errs, a.h.SetValue(v))
	}
	errs = append(errs, a.h.Release())
	a.h = nil
	return errors.Join(errs...)
}

// ---- PWM ----

type pwmOut struct {
	drv halcore.Driver
	res types.Resource
	h   halcore.PWMOutput
}

func (p *pwmOut) provision() error {
	h, err := p.drv.ProvisionPWMOutput(p.res.Pin(), p.res.Name())
	if err != nil {
		return err
	}
	if err := p.configure(h); err != nil {
		_ = h.Release()
		return err
	}
	p.h = h
	return nil
}

func (p *pwmOut) configure(h halcore.PWMOutput) error {
	if err := h.SetRange(signal.PWMRange); err != nil {
		return err
	}
	if pull := p.res.Pull(); pull != types.PullNone {
		if err := h.SetPull(pull); err != nil {
			return err
		}
	}
	if v, ok := p.res.InitialValue(); ok {
		if err := h.SetPWM(signal.Quantize(v)); err != nil {
			return err
		}
	}
	if v, ok := p.res.ShutdownValue(); ok {
		if err := h.SetShutdown(signal.Quantize(v)); err != nil {
			return err
		}
	}
	return nil
}

func (p *pwmOut) apply(steps int) (types.Steps, error) {
	if err := p.h.SetPWM(steps); err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, p.res.Name(), err)
	}
	return p.steps()
}

func (p *pwmOut) steps() (types.Steps, error) {
	n, err := p.h.PWM()
	if err != nil {
		return 0, errcode.Wrap(errcode.TransferFailure, p.res.Name(), err)
	}
	return types.Steps(n), nil
}

func (p *pwmOut) handle(cmd any) (any, error) {
	switch c := cmd.(type) {
	case types.Value:
		return p.apply(signal.Quantize(float64(c)))
	case types.Steps:
		return p.apply(signal.ClampSteps(int(c)))
	case types.Get:
		return p.steps()
	default:
		return nil, unsupported(p.res, cmd)
	}
}

func (p *pwmOut) shutdown() error {
	var errs []error
	if v, ok := p.res.ShutdownValue(); ok {
		errs = append(errs, p.h.SetPWM(signal.Quantize(v)))
	}
	errs = append(errs, p.h.Release())
	p.h = nil
	return errors.Join(errs...)
}
