package halcore

import (
	"fmt"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/ds18b20"
)

// RegisterBus is a byte-addressed device: the shape the raw protocol needs.
type RegisterBus interface {
	ReadRegister(reg uint16, buf []byte) error
	WriteRegister(reg uint16, data []byte) error
}

// regPrefix encodes a register address: one byte up to 0xFF, big-endian
// two bytes above.
func regPrefix(reg uint16, extra int) []byte {
	if reg <= 0xFF {
		b := make([]byte, 1, 1+extra)
		b[0] = byte(reg)
		return b
	}
	b := make([]byte, 2, 2+extra)
	b[0], b[1] = byte(reg>>8), byte(reg)
	return b
}

// ---- I²C ----

// I2CDevice is one address on an I²C bus.
type I2CDevice struct {
	Bus     drivers.I2C
	BusNum  int
	Address uint16
}

var _ RegisterBus = (*I2CDevice)(nil)

func (d *I2CDevice) ReadRegister(reg uint16, buf []byte) error {
	return d.Bus.Tx(d.Address, regPrefix(reg, 0), buf)
}

func (d *I2CDevice) WriteRegister(reg uint16, data []byte) error {
	return d.Bus.Tx(d.Address, append(regPrefix(reg, len(data)), data...), nil)
}

func (d *I2CDevice) String() string { return fmt.Sprintf("i2c%d/0x%02x", d.BusNum, d.Address) }

// ---- SPI ----

// SPIDevice is one chip-select channel.
type SPIDevice struct {
	Bus     drivers.SPI
	Channel int
	Mode    uint8
	SpeedHz uint32
}

var _ RegisterBus = (*SPIDevice)(nil)

// ReadRegister clocks out the register address followed by len(buf) zero
// bytes and keeps what came back after the address.
func (d *SPIDevice) ReadRegister(reg uint16, buf []byte) error {
	w := regPrefix(reg, len(buf))
	n := len(w)
	w = append(w, make([]byte, len(buf))...)
	r := make([]byte, len(w))
	if err := d.Bus.Tx(w, r); err != nil {
		return err
	}
	copy(buf, r[n:])
	return nil
}

func (d *SPIDevice) WriteRegister(reg uint16, data []byte) error {
	return d.Bus.Tx(append(regPrefix(reg, len(data)), data...), nil)
}

// Transfer is a full-duplex exchange of len(w) bytes.
func (d *SPIDevice) Transfer(w []byte) ([]byte, error) {
	r := make([]byte, len(w))
	if err := d.Bus.Tx(w, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *SPIDevice) String() string { return fmt.Sprintf("spi%d", d.Channel) }

// ---- 1-Wire ----

// OneWire is a 1-Wire bus master. It is a superset of what the tinygo
// ds18b20 driver needs.
type OneWire interface {
	ds18b20.OneWireDevice
	Reset() error
	// Search returns the ROM codes of every device of the family present.
	Search(family uint8) ([][]uint8, error)
}

// OneWireDevice is the set of devices of one family on a master.
type OneWireDevice struct {
	Master OneWire
	Family uint8
	ROMs   [][]uint8
}

func (d *OneWireDevice) String() string { return fmt.Sprintf("w1/%02x", d.Family) }

// ROMString formats a ROM code the way 1-Wire sysfs names devices: "28-0000075b3a1c".
func ROMString(rom []uint8) string {
	if len(rom) != 8 {
		return fmt.Sprintf("%x", rom)
	}
	// Family byte first, then the 48-bit serial most significant byte first.
	return fmt.Sprintf("%02x-%02x%02x%02x%02x%02x%02x", rom[0], rom[6], rom[5], rom[4], rom[3], rom[2], rom[1])
}
