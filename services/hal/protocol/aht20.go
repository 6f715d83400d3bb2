package protocol

import (
	"time"

	"github.com/riot-framework/riot-core/drivers/aht20"
	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
)

// ReadClimate asks for one temperature and humidity reading.
type ReadClimate struct{}

// AHT20 reads an AHT20 temperature/humidity sensor on I²C.
type AHT20 struct {
	desc  Descriptor
	sleep func(time.Duration)
}

var _ Protocol[*halcore.I2CDevice, ReadClimate, types.ClimateValue] = (*AHT20)(nil)

func NewAHT20(opts ...Option) *AHT20 {
	return &AHT20{desc: build[ReadClimate, types.ClimateValue](opts), sleep: time.Sleep}
}

// WithSleep replaces the conversion waits, for tests.
func (p *AHT20) WithSleep(fn func(time.Duration)) *AHT20 {
	p.sleep = fn
	return p
}

func (p *AHT20) Descriptor() Descriptor { return p.desc }

func (p *AHT20) device(h *halcore.I2CDevice) *aht20.Device {
	return aht20.New(h.Bus, aht20.Config{Address: h.Address}).WithSleep(p.sleep)
}

func (p *AHT20) Init(h *halcore.I2CDevice) error {
	if err := p.device(h).Init(); err != nil {
		return errcode.Wrap(errcode.ResourceUnavailable, h.String(), err)
	}
	return nil
}

func (p *AHT20) Exec(h *halcore.I2CDevice, _ ReadClimate) (types.ClimateValue, error) {
	s, err := p.device(h).Measure()
	if err != nil {
		return types.ClimateValue{}, errcode.Wrap(errcode.TransferFailure, "aht20", err)
	}
	return types.ClimateValue{MilliC: s.MilliCelsius(), MilliRH: s.MilliRelHumidity()}, nil
}

func (p *AHT20) Shutdown(*halcore.I2CDevice) error { return nil }

func (p *AHT20) Decode(c types.Command) (ReadClimate, error) {
	switch c.Op {
	case types.OpGet, types.OpTemperature, types.OpClimate:
		return ReadClimate{}, nil
	default:
		return ReadClimate{}, errcode.New(errcode.UnsupportedOperation, "aht20", c.Op)
	}
}
