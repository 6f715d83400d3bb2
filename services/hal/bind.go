package hal

import (
	"fmt"
	"time"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/services/hal/protocol"
	"github.com/riot-framework/riot-core/services/hal/worker"
	"github.com/riot-framework/riot-core/types"
)

// binding is a running worker plus what the service needs to drive it from
// serialised commands.
type binding struct {
	w       worker.Runner
	decode  func(types.Command) (any, error)
	desc    protocol.Descriptor // bus devices only
	timeout time.Duration
}

func gpioDecode(c types.Command) (any, error) { return c.Decode() }

type decodingProtocol[H, C, R any] interface {
	protocol.Protocol[H, C, R]
	protocol.Decoder[C]
}

func bindBus[H, C, R any](p halcore.BusProvider[H], res types.Resource, proto decodingProtocol[H, C, R], opts []worker.Option) binding {
	return binding{
		w:       worker.NewBus[H, C, R](p, res, proto, opts...),
		decode:  func(c types.Command) (any, error) { return proto.Decode(c) },
		desc:    proto.Descriptor(),
		timeout: proto.Descriptor().Timeout,
	}
}

// bind starts the worker for res on board b. listener receives input events.
func bind(b *Board, res types.Resource, cfg types.ResourceConfig, listener types.Listener, opts []worker.Option) (binding, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = protocol.DefaultTimeout
	}

	switch k := res.Kind(); {
	case k.IsOutput():
		if b.GPIO == nil {
			return binding{}, errcode.New(errcode.ResourceUnavailable, res.Name(), "board has no GPIO driver")
		}
		return binding{w: worker.NewGPIOOut(b.GPIO, res, opts...), decode: gpioDecode, timeout: timeout}, nil
	case k.IsInput():
		if b.GPIO == nil {
			return binding{}, errcode.New(errcode.ResourceUnavailable, res.Name(), "board has no GPIO driver")
		}
		if listener != nil {
			res = res.WithListeners(listener)
		}
		return binding{w: worker.NewGPIOIn(b.GPIO, res, opts...), decode: gpioDecode, timeout: timeout}, nil
	case k == types.KindBusDevice:
		return bindBusDevice(b, res, cfg, opts)
	}
	return binding{}, errcode.New(errcode.InvalidParams, res.Name(), "unknown kind "+res.Kind().String())
}

func bindBusDevice(b *Board, res types.Resource, cfg types.ResourceConfig, opts []worker.Option) (binding, error) {
	var popts []protocol.Option
	if cfg.Timeout > 0 {
		popts = append(popts, protocol.Timeout(cfg.Timeout))
	}
	unknown := func() (binding, error) {
		return binding{}, errcode.New(errcode.InvalidParams, res.Name(),
			fmt.Sprintf("no protocol %q for %s", res.Protocol(), res.BusType()))
	}
	noBus := func() (binding, error) {
		return binding{}, errcode.New(errcode.UnknownBus, res.Name(), "board has no "+res.BusType().String()+" controller")
	}

	switch res.BusType() {
	case types.BusI2C:
		if b.I2C == nil {
			return noBus()
		}
		switch res.Protocol() {
		case "raw":
			return bindBus[*halcore.I2CDevice, protocol.RawCommand, protocol.Result](
				b.I2C, res, protocol.NewRaw[*halcore.I2CDevice](popts...), opts), nil
		case "tmp102":
			return bindBus[*halcore.I2CDevice, protocol.ReadTemperature, types.TemperatureValue](
				b.I2C, res, protocol.NewTMP102(popts...), opts), nil
		case "aht20":
			return bindBus[*halcore.I2CDevice, protocol.ReadClimate, types.ClimateValue](
				b.I2C, res, protocol.NewAHT20(popts...), opts), nil
		}
	case types.BusSPI:
		if b.SPI == nil {
			return noBus()
		}
		switch res.Protocol() {
		case "raw":
			return bindBus[*halcore.SPIDevice, protocol.RawCommand, protocol.Result](
				b.SPI, res, protocol.NewRaw[*halcore.SPIDevice](popts...), opts), nil
		case "transfer":
			return bindBus[*halcore.SPIDevice, []byte, []byte](
				b.SPI, res, protocol.NewTransfer(popts...), opts), nil
		}
	case types.BusOneWire:
		if b.OneWire == nil {
			return noBus()
		}
		switch res.Protocol() {
		case "raw":
			return bindBus[*halcore.OneWireDevice, protocol.RawCommand, protocol.Readings](
				b.OneWire, res, protocol.NewOneWireRaw(popts...), opts), nil
		case "ds18b20":
			return bindBus[*halcore.OneWireDevice, protocol.ReadTemperature, protocol.Temperatures](
				b.OneWire, res, protocol.NewDS18B20(cfg.Resolution, popts...), opts), nil
		}
	}
	return unknown()
}
