package platform

import (
	"fmt"
	"sync"
	"time"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
)

// Sim is a host-side halcore.Driver. Pins are memory cells; inputs are
// stimulated from tests (or the simulator) with Drive and SetAnalog.
type Sim struct {
	mu     sync.Mutex
	pins   map[int]*SimPin
	owners map[int]string
	fail   map[int]error // next provision of pin fails with this
}

var _ halcore.Driver = (*Sim)(nil)

func NewSim() *Sim {
	return &Sim{
		pins:   make(map[int]*SimPin),
		owners: make(map[int]string),
		fail:   make(map[int]error),
	}
}

// Pin returns the cell behind pin n, creating it on first use.
func (s *Sim) Pin(n int) *SimPin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinLocked(n)
}

func (s *Sim) pinLocked(n int) *SimPin {
	p, ok := s.pins[n]
	if !ok {
		p = &SimPin{number: n}
		s.pins[n] = p
	}
	return p
}

// FailNext makes the next provisioning of pin n fail with err.
func (s *Sim) FailNext(n int, err error) {
	s.mu.Lock()
	s.fail[n] = err
	s.mu.Unlock()
}

// Owner reports which resource holds pin n.
func (s *Sim) Owner(n int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[n]
	return o, ok
}

// Crash applies every registered shutdown level, as the driver would if the
// process died without releasing its pins.
func (s *Sim) Crash() {
	s.mu.Lock()
	held := make([]*SimPin, 0, len(s.owners))
	for n := range s.owners {
		held = append(held, s.pins[n])
	}
	s.mu.Unlock()
	for _, p := range held {
		p.applyShutdown()
	}
}

func (s *Sim) claim(n int, name string, out bool) (*SimPin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		return nil, errcode.New(errcode.UnknownPin, name, fmt.Sprintf("pin %d", n))
	}
	if err, ok := s.fail[n]; ok {
		delete(s.fail, n)
		return nil, err
	}
	if cur, taken := s.owners[n]; taken {
		return nil, errcode.New(errcode.PinInUse, name, fmt.Sprintf("pin %d held by %s", n, cur))
	}
	s.owners[n] = name
	p := s.pinLocked(n)
	p.mu.Lock()
	p.out = out
	p.released = false
	p.mu.Unlock()
	return p, nil
}

func (s *Sim) release(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[n]; !ok {
		return errcode.New(errcode.InvalidParams, "release", fmt.Sprintf("pin %d not held", n))
	}
	delete(s.owners, n)
	p := s.pins[n]
	p.mu.Lock()
	p.released = true
	p.irqEdge, p.irqFunc, p.onChange = types.EdgeNone, nil, nil
	p.mu.Unlock()
	return nil
}

func (s *Sim) ProvisionDigitalOutput(pin int, name string) (halcore.DigitalOutput, error) {
	p, err := s.claim(pin, name, true)
	if err != nil {
		return nil, err
	}
	return &simDigital{simBase{s, p}}, nil
}

func (s *Sim) ProvisionDigitalInput(pin int, name string) (halcore.DigitalInput, error) {
	p, err := s.claim(pin, name, false)
	if err != nil {
		return nil, err
	}
	return &simDigital{simBase{s, p}}, nil
}

func (s *Sim) ProvisionDigitalIO(pin int, name string) (halcore.DigitalIO, error) {
	p, err := s.claim(pin, name, false)
	if err != nil {
		return nil, err
	}
	return &simDigital{simBase{s, p}}, nil
}

func (s *Sim) ProvisionAnalogOutput(pin int, name string) (halcore.AnalogOutput, error) {
	p, err := s.claim(pin, name, true)
	if err != nil {
		return nil, err
	}
	return &simAnalogOut{simBase{s, p}}, nil
}

func (s *Sim) ProvisionAnalogInput(pin int, name string) (halcore.AnalogInput, error) {
	p, err := s.claim(pin, name, false)
	if err != nil {
		return nil, err
	}
	return &simAnalogIn{simBase{s, p}}, nil
}

func (s *Sim) ProvisionPWMOutput(pin int, name string) (halcore.PWMOutput, error) {
	p, err := s.claim(pin, name, true)
	if err != nil {
		return nil, err
	}
	return &simPWM{simBase{s, p}}, nil
}

// ----------------------------- pin cell --------------------------------------

// SimPin is one simulated line.
type SimPin struct {
	mu       sync.Mutex
	number   int
	out      bool
	pull     types.Pull
	released bool

	level  bool
	writes []bool // every level written by a handle, in order

	value float64
	steps int
	rng   int

	shutdownLevel *bool
	shutdownValue *float64
	shutdownSteps *int

	irqEdge  types.Edge
	irqFunc  func()
	onChange func(float64)
	failSet  error
}

func (p *SimPin) Number() int { return p.number }

// Level is the current digital level.
func (p *SimPin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Writes returns the levels written by handles so far.
func (p *SimPin) Writes() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.writes...)
}

func (p *SimPin) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *SimPin) Pull() types.Pull {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pull
}

func (p *SimPin) IsOutput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

func (p *SimPin) AnalogValue() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *SimPin) Steps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps
}

func (p *SimPin) Range() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng
}

// ShutdownLevel reports the level registered for abnormal termination.
func (p *SimPin) ShutdownLevel() (level, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdownLevel == nil {
		return false, false
	}
	return *p.shutdownLevel, true
}

// FailWrites makes every later handle write fail with err (nil clears).
func (p *SimPin) FailWrites(err error) {
	p.mu.Lock()
	p.failSet = err
	p.mu.Unlock()
}

// Drive sets the line from outside, firing the IRQ handler when the
// transition matches the configured edge.
func (p *SimPin) Drive(level bool) {
	p.mu.Lock()
	old := p.level
	p.level = level
	irq := p.irqFunc
	want := irqWanted(p.irqEdge, edgeFrom(old, level))
	p.mu.Unlock()
	if want && irq != nil {
		irq() // ISR-style callback
	}
}

// Glitch fires the IRQ handler as for a transition away from the current
// level, but the line is back before the handler samples it.
func (p *SimPin) Glitch() {
	p.mu.Lock()
	cur := p.level
	irq := p.irqFunc
	want := irqWanted(p.irqEdge, edgeFrom(cur, !cur))
	p.mu.Unlock()
	if want && irq != nil {
		irq()
	}
}

// SetAnalog sets an analog input value and notifies the change handler.
func (p *SimPin) SetAnalog(v float64) {
	p.mu.Lock()
	changed := p.value != v
	p.value = v
	fn := p.onChange
	p.mu.Unlock()
	if changed && fn != nil {
		fn(v)
	}
}

func (p *SimPin) write(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet != nil {
		return p.failSet
	}
	p.level = level
	p.writes = append(p.writes, level)
	return nil
}

func (p *SimPin) applyShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.shutdownLevel != nil:
		p.level = *p.shutdownLevel
	case p.shutdownValue != nil:
		p.value = *p.shutdownValue
	case p.shutdownSteps != nil:
		p.steps = *p.shutdownSteps
	}
}

func edgeFrom(old, new bool) types.Edge {
	switch {
	case !old && new:
		return types.EdgeRising
	case old && !new:
		return types.EdgeFalling
	default:
		return types.EdgeNone
	}
}

func irqWanted(cfg, seen types.Edge) bool {
	if seen == types.EdgeNone {
		return false
	}
	switch cfg {
	case types.EdgeBoth:
		return true
	default:
		return cfg == seen
	}
}

// ----------------------------- handles ---------------------------------------

type simBase struct {
	s *Sim
	p *SimPin
}

func (h simBase) Number() int { return h.p.number }

func (h simBase) SetPull(pull types.Pull) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if h.p.released {
		return errcode.Stopped
	}
	h.p.pull = pull
	if !h.p.out {
		// Idle level follows the resistor.
		switch pull {
		case types.PullUp:
			h.p.level = true
		case types.PullDown:
			h.p.level = false
		}
	}
	return nil
}

func (h simBase) Release() error { return h.s.release(h.p.number) }

type simDigital struct{ simBase }

func (h *simDigital) Set(high bool) error {
	if h.p.Released() {
		return errcode.Stopped
	}
	return h.p.write(high)
}

func (h *simDigital) Get() (bool, error) { return h.p.Level(), nil }

func (h *simDigital) SetShutdown(high bool) error {
	h.p.mu.Lock()
	h.p.shutdownLevel = &high
	h.p.mu.Unlock()
	return nil
}

func (h *simDigital) SetIRQ(edge types.Edge, handler func()) error {
	h.p.mu.Lock()
	h.p.irqEdge, h.p.irqFunc = edge, handler
	h.p.mu.Unlock()
	return nil
}

func (h *simDigital) ClearIRQ() error {
	h.p.mu.Lock()
	h.p.irqEdge, h.p.irqFunc = types.EdgeNone, nil
	h.p.mu.Unlock()
	return nil
}

func (h *simDigital) SetDirection(output bool) error {
	h.p.mu.Lock()
	h.p.out = output
	h.p.mu.Unlock()
	return nil
}

type simAnalogOut struct{ simBase }

func (h *simAnalogOut) SetValue(v float64) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if h.p.failSet != nil {
		return h.p.failSet
	}
	h.p.value = v
	return nil
}

func (h *simAnalogOut) Value() (float64, error) { return h.p.AnalogValue(), nil }

func (h *simAnalogOut) SetShutdown(v float64) error {
	h.p.mu.Lock()
	h.p.shutdownValue = &v
	h.p.mu.Unlock()
	return nil
}

type simAnalogIn struct{ simBase }

func (h *simAnalogIn) Value() (float64, error) { return h.p.AnalogValue(), nil }

func (h *simAnalogIn) OnChange(fn func(float64)) error {
	h.p.mu.Lock()
	h.p.onChange = fn
	h.p.mu.Unlock()
	return nil
}

func (h *simAnalogIn) ClearOnChange() error { return h.OnChange(nil) }

type simPWM struct{ simBase }

func (h *simPWM) SetRange(steps int) error {
	h.p.mu.Lock()
	h.p.rng = steps
	h.p.mu.Unlock()
	return nil
}

func (h *simPWM) SetPWM(steps int) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if h.p.failSet != nil {
		return h.p.failSet
	}
	if h.p.rng > 0 && steps > h.p.rng {
		return errcode.New(errcode.InvalidParams, "pwm", fmt.Sprintf("%d steps exceeds range %d", steps, h.p.rng))
	}
	h.p.steps = steps
	return nil
}

func (h *simPWM) PWM() (int, error) { return h.p.Steps(), nil }

func (h *simPWM) SetShutdown(steps int) error {
	h.p.mu.Lock()
	h.p.shutdownSteps = &steps
	h.p.mu.Unlock()
	return nil
}

// Noise makes an analog input wander around base, for the simulator.
// It returns when stop is closed.
func (p *SimPin) Noise(base, amp float64, every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	phase := 0.0
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			phase += 0.3
			p.SetAnalog(base + amp*tri(phase))
		}
	}
}

// tri is a triangle wave in [-1, 1].
func tri(x float64) float64 {
	f := x - float64(int(x))
	if f < 0.5 {
		return 4*f - 1
	}
	return 3 - 4*f
}
