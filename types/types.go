package types

import (
	"fmt"
	"strings"
)

// ---- Resource kinds ----

// Kind is the configured mode of a hardware resource.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDigitalOut
	KindDigitalIn
	KindAnalogOut
	KindAnalogIn
	KindPWMOut
	KindBusDevice
)

var kindNames = [...]string{
	KindUnknown:    "unknown",
	KindDigitalOut: "digital-out",
	KindDigitalIn:  "digital-in",
	KindAnalogOut:  "analog-out",
	KindAnalogIn:   "analog-in",
	KindPWMOut:     "pwm-out",
	KindBusDevice:  "bus-device",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsOutput reports whether the kind drives a line.
func (k Kind) IsOutput() bool {
	return k == KindDigitalOut || k == KindAnalogOut || k == KindPWMOut
}

// IsInput reports whether the kind samples a line.
func (k Kind) IsInput() bool { return k == KindDigitalIn || k == KindAnalogIn }

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if k != int(KindUnknown) && n == s {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown resource kind %q", s)
}

// ---- Buses ----

type BusType uint8

const (
	BusNone BusType = iota
	BusI2C
	BusSPI
	BusOneWire
)

func (b BusType) String() string {
	switch b {
	case BusI2C:
		return "i2c"
	case BusSPI:
		return "spi"
	case BusOneWire:
		return "1-wire"
	default:
		return "none"
	}
}

func ParseBusType(s string) (BusType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "i2c":
		return BusI2C, nil
	case "spi":
		return BusSPI, nil
	case "1-wire", "onewire", "w1":
		return BusOneWire, nil
	default:
		return BusNone, fmt.Errorf("unknown bus type %q", s)
	}
}

// ---- Pull resistance ----

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

func (p Pull) String() string {
	switch p {
	case PullUp:
		return "up"
	case PullDown:
		return "down"
	default:
		return "none"
	}
}

func ParsePull(s string) (Pull, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return PullNone, nil
	case "up", "pullup":
		return PullUp, nil
	case "down", "pulldown":
		return PullDown, nil
	default:
		return PullNone, fmt.Errorf("unknown pull resistance %q", s)
	}
}

// ---- IRQ edges ----

// Edge selects which transitions of a digital input are reported.
type Edge uint8

const (
	EdgeBoth Edge = iota
	EdgeRising
	EdgeFalling
	EdgeNone
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeNone:
		return "none"
	default:
		return "both"
	}
}

func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return EdgeBoth, nil
	case "rising":
		return EdgeRising, nil
	case "falling":
		return EdgeFalling, nil
	case "none":
		return EdgeNone, nil
	default:
		return EdgeBoth, fmt.Errorf("unknown edge %q", s)
	}
}
