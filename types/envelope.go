package types

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/riot-framework/riot-core/errcode"
)

// Command is the serialisable form of the command vocabulary, as carried
// on the bus and over the bridge.
//
//	{op: "set", state: "toggle"}
//	{op: "pulse", pulse_ms: [100, 50, 100]}
//	{op: "value", value: 0.25}
//	{op: "read", address: 0x10, length: 2}
type Command struct {
	Op      string   `json:"op" yaml:"op"`
	State   string   `json:"state,omitempty" yaml:"state,omitempty"`
	Value   *float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Steps   *int     `json:"steps,omitempty" yaml:"steps,omitempty"`
	PulseMs []int64  `json:"pulse_ms,omitempty" yaml:"pulse_ms,omitempty"`
	Address uint16   `json:"address,omitempty" yaml:"address,omitempty"`
	Length  int      `json:"length,omitempty" yaml:"length,omitempty"`
	Data    []byte   `json:"data,omitempty" yaml:"data,omitempty"`
}

// Command ops.
const (
	OpSet         = "set"
	OpHigh        = "high"
	OpLow         = "low"
	OpToggle      = "toggle"
	OpPulse       = "pulse"
	OpValue       = "value"
	OpSteps       = "steps"
	OpGet         = "get"
	OpRead        = "read"
	OpWrite       = "write"
	OpTransfer    = "transfer"
	OpTemperature = "temperature"
	OpClimate     = "climate"
)

// Decode turns a GPIO op into its typed command. Bus ops are decoded by the
// protocol bound to the resource.
func (c Command) Decode() (any, error) {
	switch c.Op {
	case OpSet:
		s, err := ParseState(c.State)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidParams, c.Op, err)
		}
		return s, nil
	case OpHigh:
		return StateHigh, nil
	case OpLow:
		return StateLow, nil
	case OpToggle:
		return StateToggle, nil
	case OpPulse:
		if len(c.PulseMs) == 0 {
			return nil, errcode.New(errcode.InvalidParams, c.Op, "empty pulse train")
		}
		return PulseMillis(c.PulseMs...), nil
	case OpValue:
		if c.Value == nil {
			return nil, errcode.New(errcode.InvalidParams, c.Op, "missing value")
		}
		return Value(*c.Value), nil
	case OpSteps:
		if c.Steps == nil {
			return nil, errcode.New(errcode.InvalidParams, c.Op, "missing steps")
		}
		return Steps(*c.Steps), nil
	case OpGet:
		return Get{}, nil
	default:
		return nil, errcode.New(errcode.UnsupportedOperation, "decode", c.Op)
	}
}

// ParseCommand accepts a Command, a CBOR-encoded Command or any value that
// round-trips through CBOR into one (e.g. a decoded map).
func ParseCommand(src any) (Command, error) {
	var c Command
	switch v := src.(type) {
	case Command:
		return v, nil
	case *Command:
		if v == nil {
			return c, errcode.New(errcode.InvalidPayload, "command", "nil")
		}
		return *v, nil
	case []byte:
		if err := cbor.Unmarshal(v, &c); err != nil {
			return c, errcode.Wrap(errcode.InvalidPayload, "command", err)
		}
	default:
		b, err := cbor.Marshal(v)
		if err != nil {
			return c, errcode.Wrap(errcode.InvalidPayload, "command", err)
		}
		if err := cbor.Unmarshal(b, &c); err != nil {
			return c, errcode.Wrap(errcode.InvalidPayload, "command", err)
		}
	}
	if c.Op == "" {
		return c, errcode.New(errcode.InvalidPayload, "command", "missing op")
	}
	return c, nil
}
