package halcore

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tinygo.org/x/drivers"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/types"
)

type recI2C struct {
	mu   sync.Mutex
	addr uint16
	w    []byte
	resp []byte
}

func (r *recI2C) Tx(addr uint16, w, rd []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr = addr
	r.w = append([]byte(nil), w...)
	copy(rd, r.resp)
	return nil
}

type loopSPI struct{ last []byte }

// Tx echoes w shifted by one byte, like a device that answers the previous byte.
func (l *loopSPI) Tx(w, r []byte) error {
	l.last = append([]byte(nil), w...)
	if r != nil {
		for i := 1; i < len(r) && i-1 < len(w); i++ {
			r[i] = w[i-1] ^ 0xFF
		}
	}
	return nil
}

func (l *loopSPI) Transfer(b byte) (byte, error) { return ^b, nil }

func TestI2CDeviceRegisterFraming(t *testing.T) {
	bus := &recI2C{resp: []byte{0xAB, 0xCD}}
	d := &I2CDevice{Bus: bus, Address: 0x48}

	buf := make([]byte, 2)
	if err := d.ReadRegister(0x01, buf); err != nil {
		t.Fatal(err)
	}
	if bus.addr != 0x48 || !bytes.Equal(bus.w, []byte{0x01}) || !bytes.Equal(buf, []byte{0xAB, 0xCD}) {
		t.Fatalf("read framing: addr=%#x w=%x buf=%x", bus.addr, bus.w, buf)
	}

	if err := d.WriteRegister(0x1234, []byte{0x55}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bus.w, []byte{0x12, 0x34, 0x55}) {
		t.Fatalf("16-bit register write framing: %x", bus.w)
	}
}

func TestSPIDeviceReadSkipsAddressByte(t *testing.T) {
	bus := &loopSPI{}
	d := &SPIDevice{Bus: bus}
	buf := make([]byte, 2)
	if err := d.ReadRegister(0x0F, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bus.last, []byte{0x0F, 0, 0}) {
		t.Fatalf("spi read clocked %x", bus.last)
	}
	if !bytes.Equal(buf, []byte{0xF0, 0xFF}) {
		t.Fatalf("spi read got %x", buf)
	}
}

func TestI2CProviderExclusiveClaims(t *testing.T) {
	p := NewI2CProvider(map[int]drivers.I2C{1: &recI2C{}})

	r := types.I2CDevice(1, 0x48)
	h, err := p.Acquire(r)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(r.Named("other")); !errors.Is(err, errcode.Busy) {
		t.Fatalf("second claim: %v", err)
	}
	if _, err := p.Acquire(types.I2CDevice(1, 0x49)); err != nil {
		t.Fatalf("different address on same bus should be free: %v", err)
	}
	if _, err := p.Acquire(types.I2CDevice(7, 0x48)); !errors.Is(err, errcode.UnknownBus) {
		t.Fatalf("unknown bus: %v", err)
	}
	if err := p.Release(h); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h); err == nil {
		t.Fatal("double release should fail")
	}
	if _, err := p.Acquire(r); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestProviderRejectsWrongBus(t *testing.T) {
	p := NewSPIProvider(map[int]drivers.SPI{0: &loopSPI{}})
	if _, err := p.Acquire(types.I2CDevice(0, 0x10)); !errors.Is(err, errcode.InvalidParams) {
		t.Fatalf("got %v", err)
	}
	h, err := p.Acquire(types.SPIDevice(0).WithSPIMode(2).WithSPISpeedKHz(4000))
	if err != nil {
		t.Fatal(err)
	}
	if h.Mode != 2 || h.SpeedHz != 4_000_000 {
		t.Fatalf("handle config: %+v", h)
	}
}

type slowI2C struct {
	active, maxActive int32
}

func (s *slowI2C) Tx(uint16, []byte, []byte) error {
	n := atomic.AddInt32(&s.active, 1)
	for {
		m := atomic.LoadInt32(&s.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&s.maxActive, m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&s.active, -1)
	return nil
}

func TestSharedI2CSerialisesTransactions(t *testing.T) {
	hw := &slowI2C{}
	bus := NewSharedI2C(hw, 0)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(a uint16) {
			defer wg.Done()
			if err := bus.Tx(a, []byte{0}, nil); err != nil {
				t.Error(err)
			}
		}(uint16(i))
	}
	wg.Wait()
	if hw.maxActive != 1 {
		t.Fatalf("transactions overlapped: max active %d", hw.maxActive)
	}
}

func TestSharedI2CTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	bus := NewSharedI2C(blockingI2C(block), 5*time.Millisecond)
	defer bus.Close()
	if err := bus.Tx(0x10, []byte{0}, nil); !errors.Is(err, errcode.Timeout) {
		t.Fatalf("want timeout, got %v", err)
	}
}

type blockingI2C chan struct{}

func (b blockingI2C) Tx(uint16, []byte, []byte) error { <-b; return nil }

func TestROMString(t *testing.T) {
	rom := []uint8{0x28, 0x1c, 0x3a, 0x5b, 0x07, 0x00, 0x00, 0xA2}
	if got := ROMString(rom); got != "28-0000075b3a1c" {
		t.Fatalf("ROMString = %q", got)
	}
}
