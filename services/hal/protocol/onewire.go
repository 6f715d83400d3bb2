package protocol

import (
	"fmt"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
)

// Readings maps ROM strings to the bytes each device returned.
type Readings map[string][]byte

// OneWireRaw addresses every device of the family in turn. Read selects a
// device, sends Address as the function command and reads Length bytes;
// Write sends Address followed by Payload.
type OneWireRaw struct {
	desc Descriptor
}

var _ Protocol[*halcore.OneWireDevice, RawCommand, Readings] = (*OneWireRaw)(nil)

func NewOneWireRaw(opts ...Option) *OneWireRaw {
	return &OneWireRaw{desc: build[RawCommand, Readings](opts)}
}

func (p *OneWireRaw) Descriptor() Descriptor                { return p.desc }
func (p *OneWireRaw) Init(*halcore.OneWireDevice) error     { return nil }
func (p *OneWireRaw) Shutdown(*halcore.OneWireDevice) error { return nil }

func (p *OneWireRaw) Exec(h *halcore.OneWireDevice, cmd RawCommand) (Readings, error) {
	out := make(Readings, len(h.ROMs))
	for _, rom := range h.ROMs {
		if err := h.Master.Select(rom); err != nil {
			return nil, err
		}
		switch c := cmd.(type) {
		case Read:
			h.Master.Write(uint8(c.Address))
			buf := make([]byte, c.Length)
			for i := range buf {
				buf[i] = h.Master.Read()
			}
			out[halcore.ROMString(rom)] = buf
		case Write:
			h.Master.Write(uint8(c.Address))
			for _, b := range c.Payload {
				h.Master.Write(b)
			}
			out[halcore.ROMString(rom)] = []byte{}
		default:
			return nil, errcode.New(errcode.UnsupportedOperation, "w1 raw", fmt.Sprintf("%T", cmd))
		}
	}
	return out, nil
}

func (p *OneWireRaw) Decode(c types.Command) (RawCommand, error) {
	return decodeRaw(c)
}
