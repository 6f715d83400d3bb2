package platform

import (
	"errors"
	"testing"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/types"
)

func TestSimClaimsAndRelease(t *testing.T) {
	s := NewSim()
	h, err := s.ProvisionDigitalOutput(5, "led")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProvisionDigitalInput(5, "button"); !errors.Is(err, errcode.PinInUse) {
		t.Fatalf("want pin_in_use, got %v", err)
	}
	if o, _ := s.Owner(5); o != "led" {
		t.Fatalf("owner = %q", o)
	}
	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if !s.Pin(5).Released() {
		t.Fatal("pin not marked released")
	}
	if err := h.Release(); err == nil {
		t.Fatal("double release should fail")
	}
	if _, err := s.ProvisionDigitalInput(5, "button"); err != nil {
		t.Fatalf("reprovision: %v", err)
	}
}

func TestSimFailNextIsOneShot(t *testing.T) {
	s := NewSim()
	boom := errors.New("boom")
	s.FailNext(3, boom)
	if _, err := s.ProvisionPWMOutput(3, "fan"); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if _, err := s.ProvisionPWMOutput(3, "fan"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestSimCrashAppliesShutdownLevels(t *testing.T) {
	s := NewSim()
	h, _ := s.ProvisionDigitalOutput(1, "relay")
	_ = h.Set(false)
	_ = h.SetShutdown(true)
	s.Crash()
	if !s.Pin(1).Level() {
		t.Fatal("shutdown level not applied")
	}
}

func TestSimIRQEdges(t *testing.T) {
	s := NewSim()
	h, _ := s.ProvisionDigitalInput(2, "btn")
	var fired int
	_ = h.SetIRQ(types.EdgeRising, func() { fired++ })

	p := s.Pin(2)
	p.Drive(true)  // rising
	p.Drive(true)  // no edge
	p.Drive(false) // falling, filtered
	p.Drive(true)  // rising
	if fired != 2 {
		t.Fatalf("fired %d times, want 2", fired)
	}
	_ = h.ClearIRQ()
	p.Drive(false)
	p.Drive(true)
	if fired != 2 {
		t.Fatal("IRQ fired after ClearIRQ")
	}
}

func TestSimPullSetsIdleLevel(t *testing.T) {
	s := NewSim()
	h, _ := s.ProvisionDigitalInput(9, "in")
	_ = h.SetPull(types.PullUp)
	if v, _ := h.Get(); !v {
		t.Fatal("pull-up input should idle high")
	}
}

func TestRegisterMapEchoesWrites(t *testing.T) {
	m := &RegisterMap{}
	if err := m.Tx([]byte{0x10, 0xAA, 0xBB}, nil); err != nil {
		t.Fatal(err)
	}
	r := make([]byte, 2)
	if err := m.Tx([]byte{0x10}, r); err != nil {
		t.Fatal(err)
	}
	if r[0] != 0xAA || r[1] != 0xBB {
		t.Fatalf("read back %x", r)
	}
}

func TestSimDS18B20ScratchpadCRC(t *testing.T) {
	d := NewSimDS18B20(1, -10125)
	m := NewSimOneWire(d)
	if err := m.Select(d.ROM); err != nil {
		t.Fatal(err)
	}
	m.Write(w1Convert)
	_ = m.Select(d.ROM)
	m.Write(w1ReadScratchpad)
	sp := make([]uint8, 9)
	for i := range sp {
		sp[i] = m.Read()
	}
	if crc8(sp) != 0 {
		t.Fatalf("scratchpad CRC mismatch: %x", sp)
	}
	if raw := int16(uint16(sp[0]) | uint16(sp[1])<<8); raw != -162 {
		t.Fatalf("raw temperature %d, want -162", raw)
	}
	if crc8(d.ROM) != 0 {
		t.Fatal("ROM CRC mismatch")
	}
}
