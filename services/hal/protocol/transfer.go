package protocol

import (
	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/types"
)

// Transfer is a full-duplex SPI exchange: the response has as many bytes
// as were sent.
type Transfer struct {
	desc Descriptor
}

var _ Protocol[*halcore.SPIDevice, []byte, []byte] = (*Transfer)(nil)

func NewTransfer(opts ...Option) *Transfer {
	return &Transfer{desc: build[[]byte, []byte](opts)}
}

func (p *Transfer) Descriptor() Descriptor            { return p.desc }
func (p *Transfer) Init(*halcore.SPIDevice) error     { return nil }
func (p *Transfer) Shutdown(*halcore.SPIDevice) error { return nil }

func (p *Transfer) Exec(h *halcore.SPIDevice, w []byte) ([]byte, error) {
	return h.Transfer(w)
}

func (p *Transfer) Decode(c types.Command) ([]byte, error) {
	if c.Op != types.OpTransfer {
		return nil, errcode.New(errcode.UnsupportedOperation, "transfer", c.Op)
	}
	return c.Data, nil
}
