package platform

import (
	"time"

	"tinygo.org/x/drivers"

	"github.com/riot-framework/riot-core/drivers/aht20"
	"github.com/riot-framework/riot-core/services/hal/halcore"
)

// Board bundles the GPIO driver and the bus providers a HAL runs on.
// It names controllers only; pin wiring comes from configuration.
type Board struct {
	Name    string
	GPIO    halcore.Driver
	I2C     *halcore.I2CProvider
	SPI     *halcore.SPIProvider
	OneWire *halcore.OneWireProvider

	close []func()
}

// Close stops the bus owner goroutines.
func (b *Board) Close() {
	for _, fn := range b.close {
		fn()
	}
	b.close = nil
}

// SimBoard is the host simulation with its devices exposed for stimulation.
type SimBoard struct {
	Board
	Pins   *Sim
	I2C1   *SimI2C
	Regs   *RegisterMap // i2c1 @ 0x10
	TMP102 *SimTMP102   // i2c1 @ 0x48
	AHT20  *SimAHT20    // i2c1 @ 0x38
	SPI0   *SimSPI
	W1     *SimOneWire
	Probes []*SimDS18B20
}

// Addresses of the simulated I²C devices.
const (
	SimRegMapAddr = 0x10
	SimTMP102Addr = 0x48
	SimAHT20Addr  = aht20.Address
)

// NewSimBoard builds a board with: GPIO via Sim; i2c1 carrying a register
// map, a TMP102 at 21.5°C and an AHT20 at 23°C/45%RH; a loopback SPI controller on channels 0 and 1;
// 1-Wire master 0 with two DS18B20 probes.
func NewSimBoard(busTimeout time.Duration) *SimBoard {
	sb := &SimBoard{
		Pins:   NewSim(),
		Regs:   &RegisterMap{},
		TMP102: NewSimTMP102(21500),
		AHT20:  NewSimAHT20(23000, 45000),
		SPI0:   &SimSPI{},
		Probes: []*SimDS18B20{
			NewSimDS18B20(0x075b3a1c, 19250),
			NewSimDS18B20(0x075b3a2d, 22875),
		},
	}
	sb.I2C1 = NewSimI2C().Attach(SimRegMapAddr, sb.Regs).Attach(SimTMP102Addr, sb.TMP102).
		Attach(SimAHT20Addr, sb.AHT20)
	sb.W1 = NewSimOneWire(sb.Probes...)

	i2c := halcore.NewSharedI2C(sb.I2C1, busTimeout)
	spi := halcore.NewSharedSPI(sb.SPI0, busTimeout)

	sb.Board = Board{
		Name:    "sim",
		GPIO:    sb.Pins,
		I2C:     halcore.NewI2CProvider(map[int]drivers.I2C{1: i2c}),
		SPI:     halcore.NewSPIProvider(map[int]drivers.SPI{0: spi, 1: spi}),
		OneWire: halcore.NewOneWireProvider(map[int]halcore.OneWire{0: sb.W1}),
		close:   []func(){i2c.Close, spi.Close},
	}
	return sb
}
