// Package protocol defines the Device Protocol strategy for bus resources
// and the built-in protocols.
package protocol

import (
	"reflect"
	"time"

	"github.com/riot-framework/riot-core/types"
)

// DefaultTimeout bounds how long a caller waits for a protocol response.
const DefaultTimeout = time.Second

// Descriptor tags a protocol's command and response types and carries the
// response timeout. Tags are fixed once the protocol is built.
type Descriptor struct {
	Command  string
	Response string
	Timeout  time.Duration
}

// NewDescriptor derives the tags from C and R.
func NewDescriptor[C, R any]() Descriptor {
	return Descriptor{
		Command:  reflect.TypeFor[C]().String(),
		Response: reflect.TypeFor[R]().String(),
		Timeout:  DefaultTimeout,
	}
}

// WithTimeout returns a copy with the response timeout replaced.
// Non-positive values restore DefaultTimeout.
func (d Descriptor) WithTimeout(t time.Duration) Descriptor {
	if t <= 0 {
		t = DefaultTimeout
	}
	d.Timeout = t
	return d
}

// Protocol translates commands of type C into bus traffic on handle H.
//
// The worker calls Init once right after acquiring the handle, Exec once per
// command (never concurrently), and Shutdown once before releasing it.
// Implementations must not keep H beyond the call they received it in.
type Protocol[H, C, R any] interface {
	Descriptor() Descriptor
	Init(h H) error
	Exec(h H, cmd C) (R, error)
	Shutdown(h H) error
}

// Decoder turns a serialised command into the protocol's command type.
type Decoder[C any] interface {
	Decode(c types.Command) (C, error)
}

// Option adjusts a protocol's descriptor.
type Option func(*Descriptor)

// Timeout overrides the protocol's response timeout.
func Timeout(t time.Duration) Option {
	return func(d *Descriptor) { *d = d.WithTimeout(t) }
}

func build[C, R any](opts []Option) Descriptor {
	d := NewDescriptor[C, R]()
	for _, o := range opts {
		o(&d)
	}
	return d
}
