package halcore

import (
	"fmt"
	"sync"

	"tinygo.org/x/drivers"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/types"
)

// BusProvider hands out exclusive bus handles for bus-device resources.
type BusProvider[H any] interface {
	Acquire(r types.Resource) (H, error)
	Release(h H) error
}

// claims records which resource owns a bus key.
type claims[K comparable] struct {
	mu    sync.Mutex
	owner map[K]string
}

func (c *claims[K]) claim(k K, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == nil {
		c.owner = make(map[K]string)
	}
	if cur, taken := c.owner[k]; taken {
		return errcode.New(errcode.Busy, name, fmt.Sprintf("%v already owned by %s", k, cur))
	}
	c.owner[k] = name
	return nil
}

func (c *claims[K]) release(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owner[k]
	delete(c.owner, k)
	return ok
}

func checkBus(r types.Resource, want types.BusType) error {
	if r.Kind() != types.KindBusDevice || r.BusType() != want {
		return errcode.New(errcode.InvalidParams, r.Name(), fmt.Sprintf("not a %s device", want))
	}
	return nil
}

// ---- I²C ----

type i2cKey struct {
	bus  int
	addr uint16
}

func (k i2cKey) String() string { return fmt.Sprintf("i2c%d/0x%02x", k.bus, k.addr) }

// I2CProvider owns the I²C buses by number; one handle per bus+address.
type I2CProvider struct {
	buses map[int]drivers.I2C
	held  claims[i2cKey]
}

var _ BusProvider[*I2CDevice] = (*I2CProvider)(nil)

func NewI2CProvider(buses map[int]drivers.I2C) *I2CProvider {
	return &I2CProvider{buses: buses}
}

func (p *I2CProvider) Acquire(r types.Resource) (*I2CDevice, error) {
	if err := checkBus(r, types.BusI2C); err != nil {
		return nil, err
	}
	bus, ok := p.buses[r.BusNumber()]
	if !ok {
		return nil, errcode.New(errcode.UnknownBus, r.Name(), fmt.Sprintf("i2c%d", r.BusNumber()))
	}
	if err := p.held.claim(i2cKey{r.BusNumber(), r.Address()}, r.Name()); err != nil {
		return nil, err
	}
	return &I2CDevice{Bus: bus, BusNum: r.BusNumber(), Address: r.Address()}, nil
}

func (p *I2CProvider) Release(d *I2CDevice) error {
	if d == nil || !p.held.release(i2cKey{d.BusNum, d.Address}) {
		return errcode.New(errcode.InvalidParams, "i2c release", "handle not held")
	}
	return nil
}

// ---- SPI ----

// SPIProvider owns the chip-select channels of one SPI controller.
type SPIProvider struct {
	buses map[int]drivers.SPI
	held  claims[int]
}

var _ BusProvider[*SPIDevice] = (*SPIProvider)(nil)

// NewSPIProvider maps channel numbers to buses. Channels may share a bus.
func NewSPIProvider(channels map[int]drivers.SPI) *SPIProvider {
	return &SPIProvider{buses: channels}
}

func (p *SPIProvider) Acquire(r types.Resource) (*SPIDevice, error) {
	if err := checkBus(r, types.BusSPI); err != nil {
		return nil, err
	}
	bus, ok := p.buses[r.BusNumber()]
	if !ok {
		return nil, errcode.New(errcode.UnknownBus, r.Name(), fmt.Sprintf("spi channel %d", r.BusNumber()))
	}
	if err := p.held.claim(r.BusNumber(), r.Name()); err != nil {
		return nil, err
	}
	return &SPIDevice{Bus: bus, Channel: r.BusNumber(), Mode: r.SPIMode(), SpeedHz: r.SPISpeedHz()}, nil
}

func (p *SPIProvider) Release(d *SPIDevice) error {
	if d == nil || !p.held.release(d.Channel) {
		return errcode.New(errcode.InvalidParams, "spi release", "handle not held")
	}
	return nil
}

// ---- 1-Wire ----

type w1Key struct {
	bus    int
	family uint8
}

func (k w1Key) String() string { return fmt.Sprintf("w1-%d/%02x", k.bus, k.family) }

// OneWireProvider owns 1-Wire masters; one handle per master+family.
type OneWireProvider struct {
	masters map[int]OneWire
	held    claims[w1Key]
	owners  sync.Map // *OneWireDevice -> w1Key
}

var _ BusProvider[*OneWireDevice] = (*OneWireProvider)(nil)

func NewOneWireProvider(masters map[int]OneWire) *OneWireProvider {
	return &OneWireProvider{masters: masters}
}

// Acquire enumerates the devices of the resource's family. An empty bus
// is not an error: the handle then has no ROMs.
func (p *OneWireProvider) Acquire(r types.Resource) (*OneWireDevice, error) {
	if err := checkBus(r, types.BusOneWire); err != nil {
		return nil, err
	}
	m, ok := p.masters[r.BusNumber()]
	if !ok {
		return nil, errcode.New(errcode.UnknownBus, r.Name(), fmt.Sprintf("w1 master %d", r.BusNumber()))
	}
	key := w1Key{r.BusNumber(), r.Family()}
	if err := p.held.claim(key, r.Name()); err != nil {
		return nil, err
	}
	roms, err := m.Search(r.Family())
	if err != nil {
		p.held.release(key)
		return nil, errcode.Wrap(errcode.TransferFailure, r.Name(), err)
	}
	d := &OneWireDevice{Master: m, Family: r.Family(), ROMs: roms}
	p.owners.Store(d, key)
	return d, nil
}

func (p *OneWireProvider) Release(d *OneWireDevice) error {
	v, ok := p.owners.LoadAndDelete(d)
	if !ok {
		return errcode.New(errcode.InvalidParams, "w1 release", "handle not held")
	}
	p.held.release(v.(w1Key))
	return nil
}
