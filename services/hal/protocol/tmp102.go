package protocol

import (
	"tinygo.org/x/drivers/tmp102"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
)

// ReadTemperature asks a temperature protocol for one reading.
type ReadTemperature struct{}

// TMP102 reads a TI TMP102 sensor on I²C.
type TMP102 struct {
	desc Descriptor
}

var _ Protocol[*halcore.I2CDevice, ReadTemperature, types.TemperatureValue] = (*TMP102)(nil)

func NewTMP102(opts ...Option) *TMP102 {
	return &TMP102{desc: build[ReadTemperature, types.TemperatureValue](opts)}
}

func (p *TMP102) Descriptor() Descriptor { return p.desc }

func tmp102Device(h *halcore.I2CDevice) tmp102.Device {
	d := tmp102.New(h.Bus)
	d.Configure(tmp102.Config{Address: uint8(h.Address)})
	return d
}

// Init checks the configuration register holds the sensor's reset value.
func (p *TMP102) Init(h *halcore.I2CDevice) error {
	d := tmp102Device(h)
	if !d.Connected() {
		return errcode.New(errcode.ResourceUnavailable, h.String(), "tmp102 not responding")
	}
	return nil
}

func (p *TMP102) Exec(h *halcore.I2CDevice, _ ReadTemperature) (types.TemperatureValue, error) {
	d := tmp102Device(h)
	mc, err := d.ReadTemperature()
	if err != nil {
		return types.TemperatureValue{}, err
	}
	return types.TemperatureValue{MilliC: mc}, nil
}

func (p *TMP102) Shutdown(*halcore.I2CDevice) error { return nil }

func (p *TMP102) Decode(c types.Command) (ReadTemperature, error) {
	return decodeTemperature("tmp102", c)
}

func decodeTemperature(proto string, c types.Command) (ReadTemperature, error) {
	switch c.Op {
	case types.OpTemperature, types.OpGet:
		return ReadTemperature{}, nil
	default:
		return ReadTemperature{}, errcode.New(errcode.UnsupportedOperation, proto, c.Op)
	}
}
