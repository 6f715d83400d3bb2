package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/services/hal/internal/platform"
	"github.com/riot-framework/riot-core/types"
)

// echoBus stores writes and returns them on reads.
type echoBus struct{ regs map[uint16][]byte }

func (e *echoBus) ReadRegister(reg uint16, buf []byte) error {
	copy(buf, e.regs[reg])
	return nil
}

func (e *echoBus) WriteRegister(reg uint16, data []byte) error {
	if e.regs == nil {
		e.regs = map[uint16][]byte{}
	}
	e.regs[reg] = append([]byte(nil), data...)
	return nil
}

func TestDescriptorDefaults(t *testing.T) {
	d := NewRaw[*echoBus]().Descriptor()
	assert.Equal(t, DefaultTimeout, d.Timeout)
	assert.Equal(t, "protocol.RawCommand", d.Command)
	assert.Equal(t, "protocol.Result", d.Response)

	d = NewRaw[*echoBus](Timeout(250 * time.Millisecond)).Descriptor()
	assert.Equal(t, 250*time.Millisecond, d.Timeout)
	assert.Equal(t, DefaultTimeout, d.WithTimeout(0).Timeout)
}

func TestRawWriteThenReadEchoes(t *testing.T) {
	p := NewRaw[*echoBus]()
	bus := &echoBus{}
	require.NoError(t, p.Init(bus))

	res, err := p.Exec(bus, Write{Address: 0x10, Payload: []byte{0xFF}})
	require.NoError(t, err)
	assert.Empty(t, res.Data)

	res, err = p.Exec(bus, Read{Address: 0x10, Length: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, res.Data)
	require.NoError(t, p.Shutdown(bus))
}

func TestRawOverI2CRegisterMap(t *testing.T) {
	regs := &platform.RegisterMap{}
	dev := &halcore.I2CDevice{Bus: platform.NewSimI2C().Attach(0x10, regs), BusNum: 1, Address: 0x10}
	p := NewRaw[*halcore.I2CDevice]()

	_, err := p.Exec(dev, Write{Address: 0x20, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	res, err := p.Exec(dev, Read{Address: 0x21, Length: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, res.Data)
}

func TestRawPropagatesBusErrors(t *testing.T) {
	bus := platform.NewSimI2C()
	dev := &halcore.I2CDevice{Bus: bus, Address: 0x33}
	_, err := NewRaw[*halcore.I2CDevice]().Exec(dev, Read{Address: 0, Length: 1})
	assert.ErrorIs(t, err, platform.ErrNack)

	_, err = NewRaw[*halcore.I2CDevice]().Exec(dev, Read{Length: -1})
	assert.True(t, errors.Is(err, errcode.InvalidParams))
}

func TestRawDecode(t *testing.T) {
	p := NewRaw[*echoBus]()
	c, err := p.Decode(types.Command{Op: types.OpWrite, Address: 0x10, Data: []byte{0xFF}})
	require.NoError(t, err)
	assert.Equal(t, Write{Address: 0x10, Payload: []byte{0xFF}}, c)

	c, err = p.Decode(types.Command{Op: types.OpRead, Address: 0x10, Length: 4})
	require.NoError(t, err)
	assert.Equal(t, Read{Address: 0x10, Length: 4}, c)

	_, err = p.Decode(types.Command{Op: types.OpToggle})
	assert.True(t, errors.Is(err, errcode.UnsupportedOperation))
}

func TestTransferLoopback(t *testing.T) {
	dev := &halcore.SPIDevice{Bus: &platform.SimSPI{}}
	p := NewTransfer()
	out, err := p.Exec(dev, []byte{0xDE, 0xAD})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, out)
	assert.Equal(t, "[]uint8", p.Descriptor().Command)
}

func TestTMP102(t *testing.T) {
	sensor := platform.NewSimTMP102(25000)
	dev := &halcore.I2CDevice{Bus: platform.NewSimI2C().Attach(0x48, sensor), Address: 0x48}
	p := NewTMP102()

	require.NoError(t, p.Init(dev))
	v, err := p.Exec(dev, ReadTemperature{})
	require.NoError(t, err)
	assert.Equal(t, int32(25000), v.MilliC)

	sensor.Set(-5500)
	v, err = p.Exec(dev, ReadTemperature{})
	require.NoError(t, err)
	assert.Equal(t, int32(-5500), v.MilliC)
}

func TestTMP102InitFailsWithoutSensor(t *testing.T) {
	dev := &halcore.I2CDevice{Bus: platform.NewSimI2C(), Address: 0x48}
	err := NewTMP102().Init(dev)
	assert.True(t, errors.Is(err, errcode.ResourceUnavailable))
}

func TestAHT20(t *testing.T) {
	sensor := platform.NewSimAHT20(23000, 45000)
	dev := &halcore.I2CDevice{Bus: platform.NewSimI2C().Attach(0x38, sensor), Address: 0x38}
	var slept time.Duration
	p := NewAHT20().WithSleep(func(d time.Duration) { slept += d })

	require.NoError(t, p.Init(dev))
	v, err := p.Exec(dev, ReadClimate{})
	require.NoError(t, err)
	assert.Equal(t, types.ClimateValue{MilliC: 23000, MilliRH: 45000}, v)
	assert.Positive(t, slept)

	sensor.Set(-2500, 80000)
	v, err = p.Exec(dev, ReadClimate{})
	require.NoError(t, err)
	assert.Equal(t, types.ClimateValue{MilliC: -2500, MilliRH: 80000}, v)

	_, err = p.Decode(types.Command{Op: types.OpWrite})
	assert.True(t, errors.Is(err, errcode.UnsupportedOperation))
	_, err = p.Decode(types.Command{Op: types.OpClimate})
	assert.NoError(t, err)
}

func TestAHT20MissingSensor(t *testing.T) {
	dev := &halcore.I2CDevice{Bus: platform.NewSimI2C(), Address: 0x38}
	err := NewAHT20().Init(dev)
	assert.True(t, errors.Is(err, errcode.ResourceUnavailable))
}

func TestDS18B20ReadsEveryProbe(t *testing.T) {
	a := platform.NewSimDS18B20(0x01, 19250)
	b := platform.NewSimDS18B20(0x02, -1500)
	w1 := platform.NewSimOneWire(a, b)
	dev := &halcore.OneWireDevice{Master: w1, Family: DS18B20Family, ROMs: [][]uint8{a.ROM, b.ROM}}

	var slept time.Duration
	p := NewDS18B20(10).WithSleep(func(d time.Duration) { slept += d })
	require.NoError(t, p.Init(dev))
	assert.Equal(t, uint8(10), a.Resolution())
	assert.Equal(t, uint8(10), b.Resolution())

	got, err := p.Exec(dev, ReadTemperature{})
	require.NoError(t, err)
	assert.Equal(t, Temperatures{
		halcore.ROMString(a.ROM): {MilliC: 19250},
		halcore.ROMString(b.ROM): {MilliC: -1500},
	}, got)
	assert.Equal(t, 187500*time.Microsecond, slept, "one conversion wait for all probes")
	assert.GreaterOrEqual(t, p.Descriptor().Timeout, 2*p.ConversionTime())
}

func TestDS18B20CRCFailure(t *testing.T) {
	a := platform.NewSimDS18B20(0x01, 20000)
	w1 := platform.NewSimOneWire(a)
	w1.Corrupt(true)
	dev := &halcore.OneWireDevice{Master: w1, ROMs: [][]uint8{a.ROM}}
	_, err := NewDS18B20(12).WithSleep(func(time.Duration) {}).Exec(dev, ReadTemperature{})
	assert.Error(t, err)
}

func TestOneWireRawReadsScratchpads(t *testing.T) {
	a := platform.NewSimDS18B20(0x01, 20000)
	w1 := platform.NewSimOneWire(a)
	dev := &halcore.OneWireDevice{Master: w1, ROMs: [][]uint8{a.ROM}}
	p := NewOneWireRaw()

	_, err := p.Exec(dev, Write{Address: 0x44})
	require.NoError(t, err)
	got, err := p.Exec(dev, Read{Address: 0xBE, Length: 2})
	require.NoError(t, err)
	// 20°C = 320 sixteenths = 0x0140, LSB first.
	assert.Equal(t, Readings{halcore.ROMString(a.ROM): {0x40, 0x01}}, got)
}
