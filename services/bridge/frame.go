package bridge

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/riot-framework/riot-core/bus"
)

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	frameHello byte = 0x03
	framePub   byte = 0x10
	frameClose byte = 0x7f
)

const maxFrame = 0xFFFF

// Frame is a type byte and a 16-bit length prefixed body.
type Frame struct {
	Type    byte
	Payload []byte
}

// Pub is the body of a pub frame. Topic tokens travel as strings.
type Pub struct {
	Topic    []string        `cbor:"1,keyasint"`
	Payload  cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	ReplyTo  []string        `cbor:"3,keyasint,omitempty"`
	Retained bool            `cbor:"4,keyasint,omitempty"`
}

// Hello opens a link.
type Hello struct {
	Link string `cbor:"1,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnixMicro,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("bridge: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("bridge: cbor decoder mode: %v", err))
	}
}

func encodePub(m *bus.Message) (Frame, error) {
	raw, err := encMode.Marshal(m.Payload)
	if err != nil {
		return Frame{}, err
	}
	p := Pub{Topic: tokens(m.Topic), Payload: raw, ReplyTo: tokens(m.ReplyTo), Retained: m.Retained}
	return encodeFrame(framePub, p)
}

// decodePub returns the frame with its payload decoded.
func decodePub(b []byte) (Decoded, error) {
	var p Pub
	if err := decMode.Unmarshal(b, &p); err != nil {
		return Decoded{}, err
	}
	if len(p.Topic) == 0 {
		return Decoded{}, fmt.Errorf("pub frame without topic")
	}
	d := Decoded{Topic: p.Topic, ReplyTo: p.ReplyTo, Retained: p.Retained}
	if len(p.Payload) > 0 {
		if err := decMode.Unmarshal(p.Payload, &d.Payload); err != nil {
			return Decoded{}, err
		}
	}
	return d, nil
}

// Decoded is a pub frame with its payload unpacked.
type Decoded struct {
	Topic    []string
	Payload  any
	ReplyTo  []string
	Retained bool
}

func encodeHello(h Hello) (Frame, error) { return encodeFrame(frameHello, h) }

func decodeHello(b []byte) (Hello, error) {
	var h Hello
	err := decMode.Unmarshal(b, &h)
	return h, err
}

func encodeFrame(typ byte, v any) (Frame, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	if len(b) > maxFrame {
		return Frame{}, fmt.Errorf("frame too large: %d", len(b))
	}
	return Frame{Type: typ, Payload: b}, nil
}

func tokens(t bus.Topic) []string {
	if len(t) == 0 {
		return nil
	}
	out := make([]string, len(t))
	for i, tok := range t {
		if s, ok := tok.(string); ok {
			out[i] = s
			continue
		}
		out[i] = fmt.Sprint(tok)
	}
	return out
}

func topicOf(ss []string) bus.Topic {
	t := make(bus.Topic, len(ss))
	for i, s := range ss {
		t[i] = s
	}
	return t
}

type framedReader struct{ r io.Reader }
type framedWriter struct{ w io.Writer }

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := hdr[0]
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: buf}, nil
}

// WriteFrame writes header and body in one call.
func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > maxFrame {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	buf := make([]byte, 3, 3+len(f.Payload))
	buf[0], buf[1], buf[2] = f.Type, byte(len(f.Payload)>>8), byte(len(f.Payload))
	_, err := fw.w.Write(append(buf, f.Payload...))
	return err
}
