// Package aht20 drives the AHT20 temperature/humidity sensor over I²C.
//
// A measurement has two phases:
//
//	d.Trigger()            // start a conversion
//	s, err := d.Collect()  // ErrNotReady while the sensor is busy
//
// Measure does both with bounded polling.
//
// NOTE: I2C.Tx must perform a write followed by a repeated-start read when
// both w and r are provided.
package aht20

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// Address is the fixed I²C address.
const Address = 0x38

const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdSoftReset  = 0xBA
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

var (
	ErrTimeout  = errors.New("aht20: timeout")
	ErrNotReady = errors.New("aht20: not ready")
	ErrNotFound = errors.New("aht20: not calibrated after initialisation")
)

// Config is optional; zero fields take defaults.
type Config struct {
	Address        uint16        // 0x38
	PollInterval   time.Duration // between Collect attempts in Measure, 15ms
	CollectTimeout time.Duration // bound on Measure, 250ms
	TriggerHint    time.Duration // nominal conversion time, 80ms
}

func (c Config) withDefaults() Config {
	if c.Address == 0 {
		c.Address = Address
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Millisecond
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = 250 * time.Millisecond
	}
	if c.TriggerHint <= 0 {
		c.TriggerHint = 80 * time.Millisecond
	}
	return c
}

type Device struct {
	bus   drivers.I2C
	cfg   Config
	sleep func(time.Duration)
	buf   [7]byte
}

// New does not touch the device.
func New(bus drivers.I2C, cfg Config) *Device {
	return &Device{bus: bus, cfg: cfg.withDefaults(), sleep: time.Sleep}
}

// WithSleep replaces the waits in Init and Measure.
func (d *Device) WithSleep(fn func(time.Duration)) *Device {
	d.sleep = fn
	return d
}

func (d *Device) Address() uint16 { return d.cfg.Address }

// Init calibrates the sensor unless it already reports calibrated.
func (d *Device) Init() error {
	st, err := d.Status()
	if err != nil {
		return err
	}
	if st&statusCalibrated != 0 {
		return nil
	}
	if err := d.bus.Tx(d.cfg.Address, []byte{cmdInitialize, 0x08, 0x00}, nil); err != nil {
		return err
	}
	d.sleep(10 * time.Millisecond)
	if st, err = d.Status(); err != nil {
		return err
	}
	if st&statusCalibrated == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset issues a soft reset. The sensor needs about 20ms afterwards.
func (d *Device) Reset() error {
	return d.bus.Tx(d.cfg.Address, []byte{cmdSoftReset}, nil)
}

func (d *Device) Status() (byte, error) {
	var st [1]byte
	if err := d.bus.Tx(d.cfg.Address, []byte{cmdStatus}, st[:]); err != nil {
		return 0, err
	}
	return st[0], nil
}

// Trigger starts a conversion without waiting.
func (d *Device) Trigger() error {
	return d.bus.Tx(d.cfg.Address, []byte{cmdTrigger, 0x33, 0x00}, nil)
}

// Collect reads the finished conversion.
func (d *Device) Collect() (Sample, error) {
	data := d.buf[:]
	if err := d.bus.Tx(d.cfg.Address, nil, data); err != nil {
		return Sample{}, err
	}
	if data[0]&statusCalibrated == 0 || data[0]&statusBusy != 0 {
		return Sample{}, ErrNotReady
	}
	return Sample{
		RawHumidity: uint32(data[1])<<12 | uint32(data[2])<<4 | uint32(data[3])>>4,
		RawTemp:     uint32(data[3]&0x0F)<<16 | uint32(data[4])<<8 | uint32(data[5]),
	}, nil
}

// Measure triggers, waits the nominal conversion time and polls until the
// sample is ready or CollectTimeout has been spent waiting.
func (d *Device) Measure() (Sample, error) {
	if err := d.Trigger(); err != nil {
		return Sample{}, err
	}
	d.sleep(d.cfg.TriggerHint)
	var waited time.Duration
	for {
		s, err := d.Collect()
		if !errors.Is(err, ErrNotReady) {
			return s, err
		}
		if waited >= d.cfg.CollectTimeout {
			return Sample{}, ErrTimeout
		}
		d.sleep(d.cfg.PollInterval)
		waited += d.cfg.PollInterval
	}
}

// Sample holds the 20-bit raw readings.
type Sample struct {
	RawHumidity uint32
	RawTemp     uint32
}

// MilliRelHumidity returns thousandths of %RH.
func (s Sample) MilliRelHumidity() int32 {
	return int32(int64(s.RawHumidity) * 100_000 >> 20)
}

// MilliCelsius returns thousandths of °C.
func (s Sample) MilliCelsius() int32 {
	return int32(int64(s.RawTemp)*200_000>>20) - 50_000
}

// Encode is the inverse of the conversions, for simulated sensors. It rounds
// up so that decoding returns the same values.
func Encode(milliC, milliRH int32) Sample {
	return Sample{
		RawHumidity: uint32(ceilDiv(int64(milliRH)<<20, 100_000)),
		RawTemp:     uint32(ceilDiv(int64(milliC+50_000)<<20, 200_000)),
	}
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }
