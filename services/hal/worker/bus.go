package worker

import (
	"context"
	"errors"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/halcore"
	"github.com/riot-framework/riot-core/services/hal/protocol"
	"github.com/riot-framework/riot-core/types"
)

// Bus is a worker for a bus device driven by a Device Protocol. The bus
// handle is acquired from the provider on provisioning and the protocol's
// Init runs once on it.
type Bus[H, C, R any] struct {
	*Worker
	proto protocol.Protocol[H, C, R]
}

func NewBus[H, C, R any](p halcore.BusProvider[H], res types.Resource, proto protocol.Protocol[H, C, R], opts ...Option) *Bus[H, C, R] {
	o := buildOptions(opts)
	w := newWorker(res, o, func(func(rawEvent)) behaviour {
		return &busDevice[H, C, R]{provider: p, res: res, proto: proto}
	})
	return &Bus[H, C, R]{Worker: w, proto: proto}
}

// Descriptor reports the bound protocol's command/response tags.
func (b *Bus[H, C, R]) Descriptor() protocol.Descriptor { return b.proto.Descriptor() }

// Exec is the typed form of Do.
func (b *Bus[H, C, R]) Exec(ctx context.Context, cmd C) (R, error) {
	var zero R
	v, err := b.Do(ctx, cmd)
	if err != nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, errcode.New(errcode.Error, b.Name(), "unexpected response type")
	}
	return r, nil
}

type busDevice[H, C, R any] struct {
	provider halcore.BusProvider[H]
	res      types.Resource
	proto    protocol.Protocol[H, C, R]

	h    H
	held bool
}

func (b *busDevice[H, C, R]) provision() error {
	h, err := b.provider.Acquire(b.res)
	if err != nil {
		return err
	}
	if err := b.proto.Init(h); err != nil {
		_ = b.provider.Release(h)
		return err
	}
	b.h, b.held = h, true
	return nil
}

func (b *busDevice[H, C, R]) handle(cmd any) (any, error) {
	c, ok := cmd.(C)
	if !ok {
		return nil, errcode.New(errcode.UnsupportedOperation, b.res.Name(),
			"want "+b.proto.Descriptor().Command)
	}
	r, err := b.proto.Exec(b.h, c)
	if err != nil {
		switch errcode.Of(err) {
		case errcode.InvalidParams, errcode.UnsupportedOperation, errcode.TransferFailure:
			return nil, err
		}
		return nil, errcode.Wrap(errcode.TransferFailure, b.res.Name(), err)
	}
	return r, nil
}

func (b *busDevice[H, C, R]) shutdown() error {
	if !b.held {
		return nil
	}
	err := errors.Join(b.proto.Shutdown(b.h), b.provider.Release(b.h))
	var zero H
	b.h, b.held = zero, false
	return err
}
