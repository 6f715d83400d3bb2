package protocol

import (
	"fmt"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
)

// RawCommand is Read or Write.
type RawCommand interface{ raw() }

// Read fetches Length bytes starting at Address.
type Read struct {
	Address uint16
	Length  int
}

// Write stores Payload starting at Address.
type Write struct {
	Address uint16
	Payload []byte
}

func (Read) raw()  {}
func (Write) raw() {}

// Result carries the bytes read; it is empty for a Write.
type Result struct {
	Data []byte
}

// Raw is the byte-register protocol every I²C and SPI device falls back to.
type Raw[H halcore.RegisterBus] struct {
	desc Descriptor
}

func NewRaw[H halcore.RegisterBus](opts ...Option) *Raw[H] {
	return &Raw[H]{desc: build[RawCommand, Result](opts)}
}

func (p *Raw[H]) Descriptor() Descriptor { return p.desc }
func (p *Raw[H]) Init(H) error           { return nil }
func (p *Raw[H]) Shutdown(H) error       { return nil }

func (p *Raw[H]) Exec(h H, cmd RawCommand) (Result, error) {
	switch c := cmd.(type) {
	case Read:
		if c.Length < 0 {
			return Result{}, errcode.New(errcode.InvalidParams, "read", fmt.Sprintf("length %d", c.Length))
		}
		buf := make([]byte, c.Length)
		if err := h.ReadRegister(c.Address, buf); err != nil {
			return Result{}, err
		}
		return Result{Data: buf}, nil
	case Write:
		if err := h.WriteRegister(c.Address, c.Payload); err != nil {
			return Result{}, err
		}
		return Result{Data: []byte{}}, nil
	default:
		return Result{}, errcode.New(errcode.UnsupportedOperation, "raw", fmt.Sprintf("%T", cmd))
	}
}

// Decode maps the read/write ops.
func (p *Raw[H]) Decode(c types.Command) (RawCommand, error) {
	return decodeRaw(c)
}

func decodeRaw(c types.Command) (RawCommand, error) {
	switch c.Op {
	case types.OpRead:
		return Read{Address: c.Address, Length: c.Length}, nil
	case types.OpWrite:
		return Write{Address: c.Address, Payload: c.Data}, nil
	default:
		return nil, errcode.New(errcode.UnsupportedOperation, "raw", c.Op)
	}
}
