package types

import (
	"errors"
	"fmt"
	"time"
)

// SPI speed bounds, in kHz.
const (
	SPIMinSpeedKHz     = 500
	SPIMaxSpeedKHz     = 32000
	SPIDefaultSpeedKHz = 1000
)

// Resource describes one hardware resource: a pin, a bus+address or a
// bus+channel pair. It is a value: every modifier returns a changed copy
// and leaves the receiver untouched, so a descriptor handed to a worker
// can never change underneath it.
type Resource struct {
	kind Kind
	name string
	pin  int

	pull          Pull
	activeLow     bool
	debounce      time.Duration
	edge          Edge
	bidirectional bool

	initialState     State
	hasInitialState  bool
	shutdownState    State
	hasShutdownState bool
	initialValue     float64
	hasInitialValue  bool
	shutdownValue    float64
	hasShutdownValue bool

	listeners []Listener

	bus        BusType
	busNum     int
	address    uint16
	spiMode    uint8
	spiSpeedHz uint32
	family     uint8
	protocol   string
}

// ---- Constructors ----

func gpio(kind Kind, pin int) Resource {
	return Resource{kind: kind, pin: pin, name: fmt.Sprintf("GPIO-%d", pin)}
}

func DigitalOut(pin int) Resource { return gpio(KindDigitalOut, pin) }
func DigitalIn(pin int) Resource  { return gpio(KindDigitalIn, pin) }
func AnalogOut(pin int) Resource  { return gpio(KindAnalogOut, pin) }
func AnalogIn(pin int) Resource   { return gpio(KindAnalogIn, pin) }
func PWMOut(pin int) Resource     { return gpio(KindPWMOut, pin) }

// I2CDevice addresses one device on an I²C bus. Protocol defaults to "raw".
func I2CDevice(bus int, address uint16) Resource {
	return Resource{
		kind:     KindBusDevice,
		bus:      BusI2C,
		busNum:   bus,
		address:  address,
		protocol: "raw",
		name:     fmt.Sprintf("i2c%d-0x%02x", bus, address),
	}
}

// SPIDevice addresses one chip-select channel. Defaults: mode 0, 1 MHz.
func SPIDevice(channel int) Resource {
	return Resource{
		kind:       KindBusDevice,
		bus:        BusSPI,
		busNum:     channel,
		spiSpeedHz: SPIDefaultSpeedKHz * 1000,
		protocol:   "raw",
		name:       fmt.Sprintf("spi%d", channel),
	}
}

// OneWireDevices addresses every device of one 1-Wire family on the master.
func OneWireDevices(family uint8) Resource {
	return Resource{
		kind:     KindBusDevice,
		bus:      BusOneWire,
		family:   family,
		protocol: "raw",
		name:     fmt.Sprintf("w1-%02x", family),
	}
}

// ---- Modifiers (copy-on-write) ----

func (r Resource) Named(name string) Resource { r.name = name; return r }

func (r Resource) WithPull(p Pull) Resource { r.pull = p; return r }

// ActiveLow inverts the logical level of a digital pin.
func (r Resource) ActiveLow() Resource { r.activeLow = true; return r }

// WithDebounce suppresses input transitions closer than d to the previous one.
func (r Resource) WithDebounce(d time.Duration) Resource { r.debounce = d; return r }

func (r Resource) WithEdge(e Edge) Resource { r.edge = e; return r }

// AsBidirectional lets a digital input also accept State and Pulse commands.
func (r Resource) AsBidirectional() Resource { r.bidirectional = true; return r }

func (r Resource) WithInitialState(s State) Resource {
	r.initialState, r.hasInitialState = s, true
	return r
}

func (r Resource) InitiallyHigh() Resource { return r.WithInitialState(StateHigh) }
func (r Resource) InitiallyLow() Resource  { return r.WithInitialState(StateLow) }

func (r Resource) WithShutdownState(s State) Resource {
	r.shutdownState, r.hasShutdownState = s, true
	return r
}

func (r Resource) ShuttingDownHigh() Resource { return r.WithShutdownState(StateHigh) }
func (r Resource) ShuttingDownLow() Resource  { return r.WithShutdownState(StateLow) }

// WithInitialValue sets the analog value or PWM duty cycle applied on provisioning.
func (r Resource) WithInitialValue(v float64) Resource {
	r.initialValue, r.hasInitialValue = v, true
	return r
}

// WithShutdownValue sets the analog value or PWM duty cycle applied on shutdown.
func (r Resource) WithShutdownValue(v float64) Resource {
	r.shutdownValue, r.hasShutdownValue = v, true
	return r
}

// WithListeners returns a copy whose listener set is the current one plus ls.
func (r Resource) WithListeners(ls ...Listener) Resource {
	out := make([]Listener, 0, len(r.listeners)+len(ls))
	out = append(out, r.listeners...)
	r.listeners = append(out, ls...)
	return r
}

func (r Resource) WithProtocol(name string) Resource { r.protocol = name; return r }

func (r Resource) OnBus(n int) Resource { r.busNum = n; return r }

// WithSPIMode sets the SPI clock mode (0..3).
func (r Resource) WithSPIMode(mode uint8) Resource { r.spiMode = mode & 0x3; return r }

// WithSPISpeedKHz sets the bus speed, clamped to [500, 32000] kHz.
func (r Resource) WithSPISpeedKHz(khz int) Resource {
	if khz < SPIMinSpeedKHz {
		khz = SPIMinSpeedKHz
	}
	if khz > SPIMaxSpeedKHz {
		khz = SPIMaxSpeedKHz
	}
	r.spiSpeedHz = uint32(khz) * 1000
	return r
}

// ---- Accessors ----

func (r Resource) Kind() Kind                   { return r.kind }
func (r Resource) Name() string                 { return r.name }
func (r Resource) Pin() int                     { return r.pin }
func (r Resource) Pull() Pull                   { return r.pull }
func (r Resource) IsActiveLow() bool            { return r.activeLow }
func (r Resource) Debounce() time.Duration      { return r.debounce }
func (r Resource) Edge() Edge                   { return r.edge }
func (r Resource) IsBidirectional() bool        { return r.bidirectional }
func (r Resource) InitialState() (State, bool)  { return r.initialState, r.hasInitialState }
func (r Resource) ShutdownState() (State, bool) { return r.shutdownState, r.hasShutdownState }
func (r Resource) InitialValue() (float64, bool) {
	return r.initialValue, r.hasInitialValue
}
func (r Resource) ShutdownValue() (float64, bool) {
	return r.shutdownValue, r.hasShutdownValue
}
func (r Resource) BusType() BusType   { return r.bus }
func (r Resource) BusNumber() int     { return r.busNum }
func (r Resource) Address() uint16    { return r.address }
func (r Resource) SPIMode() uint8     { return r.spiMode }
func (r Resource) SPISpeedHz() uint32 { return r.spiSpeedHz }
func (r Resource) Family() uint8      { return r.family }
func (r Resource) Protocol() string   { return r.protocol }

// Listeners returns a copy of the listener set.
func (r Resource) Listeners() []Listener {
	return append([]Listener(nil), r.listeners...)
}

// SupportsListeners reports whether change notifications make sense for the kind.
func (r Resource) SupportsListeners() bool { return r.kind.IsInput() }

// Validate checks the descriptor is internally consistent.
func (r Resource) Validate() error {
	var errs []error
	switch r.kind {
	case KindDigitalOut, KindDigitalIn, KindAnalogOut, KindAnalogIn, KindPWMOut:
		if r.pin < 0 {
			errs = append(errs, fmt.Errorf("%s: negative pin %d", r.name, r.pin))
		}
	case KindBusDevice:
		if r.bus == BusNone {
			errs = append(errs, fmt.Errorf("%s: bus device without bus type", r.name))
		}
		if r.protocol == "" {
			errs = append(errs, fmt.Errorf("%s: bus device without protocol", r.name))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown kind", r.name))
	}
	if len(r.listeners) > 0 && !r.SupportsListeners() {
		errs = append(errs, fmt.Errorf("%s: %s does not support listeners", r.name, r.kind))
	}
	if r.bidirectional && r.kind != KindDigitalIn {
		errs = append(errs, fmt.Errorf("%s: only digital inputs can be bidirectional", r.name))
	}
	if r.hasInitialState && r.initialState == StateToggle {
		errs = append(errs, fmt.Errorf("%s: initial state cannot be TOGGLE", r.name))
	}
	if r.hasShutdownState && r.shutdownState == StateToggle {
		errs = append(errs, fmt.Errorf("%s: shutdown state cannot be TOGGLE", r.name))
	}
	return errors.Join(errs...)
}

func (r Resource) String() string {
	switch r.kind {
	case KindBusDevice:
		return fmt.Sprintf("%s(%s bus=%d addr=0x%02x protocol=%s)", r.name, r.bus, r.busNum, r.address, r.protocol)
	default:
		return fmt.Sprintf("%s(%s pin=%d)", r.name, r.kind, r.pin)
	}
}
