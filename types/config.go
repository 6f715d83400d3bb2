package types

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// HAL configuration supplied on topic "config/hal".

type HALConfig struct {
	Mailbox   int              `yaml:"mailbox,omitempty"` // per-worker mailbox depth
	Resources []ResourceConfig `yaml:"resources"`
}

// HeartbeatConfig arrives on "config/heartbeat".
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
}

// BridgeConfig arrives on "config/bridge". Listen and Dial may both be set.
type BridgeConfig struct {
	Listen string        `yaml:"listen,omitempty"`
	Dial   string        `yaml:"dial,omitempty"`
	Export []string      `yaml:"export,omitempty"` // local topic filters forwarded to peers
	Ping   time.Duration `yaml:"ping,omitempty"`
}

// ResourceConfig is the declarative form of a Resource plus the service-level
// knobs (timeout, polling) that do not belong on the descriptor.
type ResourceConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Pin  int    `yaml:"pin,omitempty"`

	Pull          string        `yaml:"pull,omitempty"`
	ActiveLow     bool          `yaml:"active_low,omitempty"`
	Debounce      time.Duration `yaml:"debounce,omitempty"`
	Edge          string        `yaml:"edge,omitempty"`
	Bidirectional bool          `yaml:"bidirectional,omitempty"`

	// Initial and Shutdown hold a level ("high", "low") for digital
	// outputs and a number for analog/PWM outputs.
	Initial  string `yaml:"initial,omitempty"`
	Shutdown string `yaml:"shutdown,omitempty"`

	Bus         string `yaml:"bus,omitempty"`
	BusNum      int    `yaml:"bus_num,omitempty"`
	Address     uint16 `yaml:"address,omitempty"`
	SPIMode     uint8  `yaml:"spi_mode,omitempty"`
	SPISpeedKHz int    `yaml:"spi_speed_khz,omitempty"`
	Family      uint8  `yaml:"family,omitempty"`
	Protocol    string `yaml:"protocol,omitempty"`
	Resolution  uint8  `yaml:"resolution,omitempty"` // ds18b20, 9..12 bits

	Timeout    time.Duration `yaml:"timeout,omitempty"`
	Poll       time.Duration `yaml:"poll,omitempty"`
	PollJitter time.Duration `yaml:"poll_jitter,omitempty"`
	PollCmd    *Command      `yaml:"poll_cmd,omitempty"`
}

// Descriptor maps the config entry onto a Resource.
func (c ResourceConfig) Descriptor() (Resource, error) {
	kind, err := ParseKind(c.Kind)
	if err != nil {
		return Resource{}, err
	}

	var r Resource
	switch kind {
	case KindDigitalOut:
		r = DigitalOut(c.Pin)
	case KindDigitalIn:
		r = DigitalIn(c.Pin)
	case KindAnalogOut:
		r = AnalogOut(c.Pin)
	case KindAnalogIn:
		r = AnalogIn(c.Pin)
	case KindPWMOut:
		r = PWMOut(c.Pin)
	case KindBusDevice:
		if r, err = c.busDescriptor(); err != nil {
			return Resource{}, err
		}
	}
	if c.Name != "" {
		r = r.Named(c.Name)
	}

	var errs []error
	if kind != KindBusDevice {
		pull, err := ParsePull(c.Pull)
		errs = append(errs, err)
		edge, err := ParseEdge(c.Edge)
		errs = append(errs, err)
		r = r.WithPull(pull).WithEdge(edge).WithDebounce(c.Debounce)
		if c.ActiveLow {
			r = r.ActiveLow()
		}
		if c.Bidirectional {
			r = r.AsBidirectional()
		}
	}

	switch kind {
	case KindDigitalOut, KindDigitalIn:
		if c.Initial != "" {
			s, err := ParseState(c.Initial)
			errs = append(errs, err)
			r = r.WithInitialState(s)
		}
		if c.Shutdown != "" {
			s, err := ParseState(c.Shutdown)
			errs = append(errs, err)
			r = r.WithShutdownState(s)
		}
	case KindAnalogOut, KindPWMOut:
		if c.Initial != "" {
			v, err := strconv.ParseFloat(c.Initial, 64)
			errs = append(errs, err)
			r = r.WithInitialValue(v)
		}
		if c.Shutdown != "" {
			v, err := strconv.ParseFloat(c.Shutdown, 64)
			errs = append(errs, err)
			r = r.WithShutdownValue(v)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Resource{}, fmt.Errorf("resource %q: %w", c.Name, err)
	}
	return r, r.Validate()
}

func (c ResourceConfig) busDescriptor() (Resource, error) {
	bt, err := ParseBusType(c.Bus)
	if err != nil {
		return Resource{}, err
	}
	var r Resource
	switch bt {
	case BusI2C:
		r = I2CDevice(c.BusNum, c.Address)
	case BusSPI:
		r = SPIDevice(c.BusNum).WithSPIMode(c.SPIMode)
		if c.SPISpeedKHz != 0 {
			r = r.WithSPISpeedKHz(c.SPISpeedKHz)
		}
	case BusOneWire:
		r = OneWireDevices(c.Family).OnBus(c.BusNum)
	}
	if c.Protocol != "" {
		r = r.WithProtocol(c.Protocol)
	}
	return r, nil
}
