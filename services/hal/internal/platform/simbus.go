package platform

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/drivers"

	"github.com/riot-framework/riot-core/drivers/aht20"
	"github.com/riot-framework/riot-core/services/hal/halcore"
)

// ErrNack is returned by simulated buses when nothing answers an address.
var ErrNack = errors.New("nack")

// ----------------------------- I²C (host) ------------------------------------

// I2CTarget is a simulated device on a SimI2C bus.
type I2CTarget interface {
	Tx(w, r []byte) error
}

// SimI2C implements tinygo drivers.I2C over a set of simulated targets.
type SimI2C struct {
	mu      sync.Mutex
	targets map[uint16]I2CTarget
	fail    map[uint16]error
	LastTx  struct {
		Addr uint16
		W    []byte
		Rn   int
	}
}

var _ drivers.I2C = (*SimI2C)(nil)

func NewSimI2C() *SimI2C {
	return &SimI2C{targets: make(map[uint16]I2CTarget), fail: make(map[uint16]error)}
}

// Attach places t at addr.
func (b *SimI2C) Attach(addr uint16, t I2CTarget) *SimI2C {
	b.mu.Lock()
	b.targets[addr] = t
	b.mu.Unlock()
	return b
}

// Fail makes every transaction to addr fail with err (nil clears).
func (b *SimI2C) Fail(addr uint16, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, addr)
		return
	}
	b.fail[addr] = err
}

func (b *SimI2C) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	b.LastTx.Addr = addr
	b.LastTx.W = append([]byte(nil), w...)
	b.LastTx.Rn = len(r)
	t, ok := b.targets[addr]
	err := b.fail[addr]
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("i2c 0x%02x: %w", addr, ErrNack)
	}
	return t.Tx(w, r)
}

// RegisterMap is a byte-addressed register file with an auto-incrementing
// pointer: the first written byte selects the register, later bytes are
// stored from there, reads return from there. Writes read back unchanged.
type RegisterMap struct {
	mu  sync.Mutex
	mem [256]byte
}

func (m *RegisterMap) Tx(w, r []byte) error {
	if len(w) == 0 {
		return errors.New("register map: empty write")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ptr := w[0]
	for _, b := range w[1:] {
		m.mem[ptr] = b
		ptr++
	}
	for i := range r {
		r[i] = m.mem[ptr]
		ptr++
	}
	return nil
}

// Peek returns n bytes from reg without moving any pointer.
func (m *RegisterMap) Peek(reg uint8, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = m.mem[reg+uint8(i)]
	}
	return out
}

// SimTMP102 answers like a TMP102 temperature sensor.
type SimTMP102 struct {
	mu     sync.Mutex
	milliC int32
	ptr    byte
}

func NewSimTMP102(milliC int32) *SimTMP102 { return &SimTMP102{milliC: milliC} }

func (s *SimTMP102) Set(milliC int32) {
	s.mu.Lock()
	s.milliC = milliC
	s.mu.Unlock()
}

func (s *SimTMP102) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(w) > 0 {
		s.ptr = w[0]
	}
	if len(r) == 0 {
		return nil
	}
	var reg [2]byte
	switch s.ptr {
	case 0x00:
		// 12-bit two's complement in 1/16 °C, left aligned.
		raw := uint16(int16(s.milliC*16/1000) << 4)
		reg = [2]byte{byte(raw >> 8), byte(raw)}
	case 0x01:
		reg = [2]byte{0x60, 0xA0}
	}
	copy(r, reg[:])
	return nil
}

// SimAHT20 answers like an AHT20. It reports busy on the first read after
// each trigger.
type SimAHT20 struct {
	mu         sync.Mutex
	calibrated bool
	busy       bool
	sample     aht20.Sample
}

func NewSimAHT20(milliC, milliRH int32) *SimAHT20 {
	return &SimAHT20{sample: aht20.Encode(milliC, milliRH)}
}

func (s *SimAHT20) Set(milliC, milliRH int32) {
	s.mu.Lock()
	s.sample = aht20.Encode(milliC, milliRH)
	s.mu.Unlock()
}

func (s *SimAHT20) status() byte {
	var st byte
	if s.calibrated {
		st |= 0x08
	}
	if s.busy {
		st |= 0x80
	}
	return st
}

func (s *SimAHT20) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(w) > 0 {
		switch w[0] {
		case 0xBE:
			s.calibrated = true
		case 0xBA:
			s.calibrated, s.busy = false, false
		case 0xAC:
			s.busy = true
		case 0x71:
			if len(r) > 0 {
				r[0] = s.status()
			}
			return nil
		}
		return nil
	}
	if len(r) == 0 {
		return nil
	}
	r[0] = s.status()
	if s.busy {
		s.busy = false
		return nil
	}
	h, t := s.sample.RawHumidity, s.sample.RawTemp
	data := []byte{r[0], byte(h >> 12), byte(h >> 4), byte(h<<4) | byte(t>>16&0x0F), byte(t >> 8), byte(t), 0}
	copy(r, data)
	return nil
}

// ----------------------------- SPI (host) ------------------------------------

// SimSPI is a loopback SPI bus: every byte clocked out is clocked back in.
type SimSPI struct {
	mu   sync.Mutex
	fail error
	Sent [][]byte
}

var _ drivers.SPI = (*SimSPI)(nil)

func (s *SimSPI) Fail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *SimSPI) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.Sent = append(s.Sent, append([]byte(nil), w...))
	copy(r, w)
	return nil
}

func (s *SimSPI) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := s.Tx([]byte{b}, r[:])
	return r[0], err
}

// ----------------------------- 1-Wire (host) ---------------------------------

// DS18B20 function commands.
const (
	w1Convert        = 0x44
	w1ReadScratchpad = 0xBE
	w1WriteScratch   = 0x4E
)

// SimDS18B20 is one simulated thermometer.
type SimDS18B20 struct {
	ROM    []uint8
	MilliC int32

	scratch [9]uint8
}

// NewSimDS18B20 builds a device of family 0x28 with a valid ROM CRC.
func NewSimDS18B20(serial uint64, milliC int32) *SimDS18B20 {
	rom := make([]uint8, 8)
	rom[0] = 0x28
	for i := 1; i < 7; i++ {
		rom[i] = uint8(serial >> (8 * (i - 1)))
	}
	rom[7] = crc8(rom[:7])
	d := &SimDS18B20{ROM: rom, MilliC: milliC}
	d.scratch = [9]uint8{0x50, 0x05, 0xFF, 0x00, 0x7F, 0xFF, 0x0C, 0x10}
	d.scratch[8] = crc8(d.scratch[:8])
	return d
}

// Resolution is the configured resolution in bits.
func (d *SimDS18B20) Resolution() uint8 { return (d.scratch[4]>>5)&0x3 + 9 }

func (d *SimDS18B20) convert() {
	raw := int16(d.MilliC * 16 / 1000)
	d.scratch[0], d.scratch[1] = uint8(raw), uint8(uint16(raw)>>8)
	d.scratch[8] = crc8(d.scratch[:8])
}

// SimOneWire is a 1-Wire master with simulated devices attached.
type SimOneWire struct {
	mu      sync.Mutex
	devices []*SimDS18B20
	sel     *SimDS18B20
	cmd     uint8
	pos     int
	corrupt bool
}

var _ halcore.OneWire = (*SimOneWire)(nil)

func NewSimOneWire(devs ...*SimDS18B20) *SimOneWire { return &SimOneWire{devices: devs} }

// Corrupt flips a scratchpad bit on every later read, breaking the CRC.
func (m *SimOneWire) Corrupt(on bool) {
	m.mu.Lock()
	m.corrupt = on
	m.mu.Unlock()
}

func (m *SimOneWire) Reset() error {
	m.mu.Lock()
	m.sel, m.cmd, m.pos = nil, 0, 0
	m.mu.Unlock()
	return nil
}

func (m *SimOneWire) Select(rom []uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sel, m.cmd, m.pos = nil, 0, 0
	for _, d := range m.devices {
		if string(d.ROM) == string(rom) {
			m.sel = d
			return nil
		}
	}
	return fmt.Errorf("w1 %x: %w", rom, ErrNack)
}

func (m *SimOneWire) Write(b uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sel == nil {
		return
	}
	if m.cmd == w1WriteScratch && m.pos < 3 {
		m.sel.scratch[2+m.pos] = b
		m.pos++
		if m.pos == 3 {
			m.sel.scratch[8] = crc8(m.sel.scratch[:8])
		}
		return
	}
	m.cmd, m.pos = b, 0
	if b == w1Convert {
		m.sel.convert()
	}
}

func (m *SimOneWire) Read() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sel == nil || m.cmd != w1ReadScratchpad || m.pos >= len(m.sel.scratch) {
		return 0xFF
	}
	b := m.sel.scratch[m.pos]
	if m.corrupt && m.pos == 0 {
		b ^= 0x01
	}
	m.pos++
	return b
}

// Сrc8 is spelled with a Cyrillic С in the tinygo ds18b20 interface.
func (m *SimOneWire) Сrc8(data []uint8) uint8 { return crc8(data) }

func (m *SimOneWire) Search(family uint8) ([][]uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]uint8
	for _, d := range m.devices {
		if d.ROM[0] == family {
			out = append(out, append([]uint8(nil), d.ROM...))
		}
	}
	return out, nil
}

// crc8 is the Dallas/Maxim CRC (x^8 + x^5 + x^4 + 1, reflected).
func crc8(data []uint8) uint8 {
	var crc uint8
	for _, b := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ b) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			b >>= 1
		}
	}
	return crc
}
