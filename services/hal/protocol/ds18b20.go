package protocol

import (
	"time"

	"tinygo.org/x/drivers/ds18b20"

	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
)

// DS18B20Family is the 1-Wire family code of the DS18B20.
const DS18B20Family = 0x28

// Temperatures maps ROM strings (see halcore.ROMString) to readings.
type Temperatures map[string]types.TemperatureValue

// DS18B20 reads every DS18B20 thermometer found on the bus. Conversions are
// started on all devices before any scratchpad is read, so one command costs
// a single conversion time.
type DS18B20 struct {
	desc       Descriptor
	resolution uint8
	sleep      func(time.Duration)
}

var _ Protocol[*halcore.OneWireDevice, ReadTemperature, Temperatures] = (*DS18B20)(nil)

// NewDS18B20 configures the given resolution (9..12 bits, others mean 12).
func NewDS18B20(resolution uint8, opts ...Option) *DS18B20 {
	if resolution < 9 || resolution > 12 {
		resolution = 12
	}
	p := &DS18B20{
		desc:       build[ReadTemperature, Temperatures](opts),
		resolution: resolution,
		sleep:      time.Sleep,
	}
	// A 12-bit conversion takes up to 750ms; keep the caller waiting long enough.
	if p.desc.Timeout < 2*p.ConversionTime() {
		p.desc.Timeout = 2 * p.ConversionTime()
	}
	return p
}

// WithSleep replaces the conversion wait, for tests.
func (p *DS18B20) WithSleep(fn func(time.Duration)) *DS18B20 {
	p.sleep = fn
	return p
}

// ConversionTime is the datasheet maximum for the configured resolution.
func (p *DS18B20) ConversionTime() time.Duration {
	return 750 * time.Millisecond >> (12 - p.resolution)
}

func (p *DS18B20) Descriptor() Descriptor { return p.desc }

func (p *DS18B20) Init(h *halcore.OneWireDevice) error {
	d := ds18b20.New(h.Master)
	for _, rom := range h.ROMs {
		d.ThermometerResolution(rom, p.resolution)
	}
	return nil
}

func (p *DS18B20) Exec(h *halcore.OneWireDevice, _ ReadTemperature) (Temperatures, error) {
	d := ds18b20.New(h.Master)
	out := make(Temperatures, len(h.ROMs))
	if len(h.ROMs) == 0 {
		return out, nil
	}
	for _, rom := range h.ROMs {
		d.RequestTemperature(rom)
	}
	p.sleep(p.ConversionTime())
	for _, rom := range h.ROMs {
		mc, err := d.ReadTemperature(rom)
		if err != nil {
			return nil, err
		}
		out[halcore.ROMString(rom)] = types.TemperatureValue{MilliC: mc}
	}
	return out, nil
}

func (p *DS18B20) Shutdown(*halcore.OneWireDevice) error { return nil }

func (p *DS18B20) Decode(c types.Command) (ReadTemperature, error) {
	return decodeTemperature("ds18b20", c)
}
