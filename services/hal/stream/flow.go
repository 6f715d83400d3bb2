package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/protocol"
)

// Asker is the worker surface a Flow needs.
type Asker interface {
	Name() string
	Do(ctx context.Context, cmd any) (any, error)
}

// Result pairs a reply with its error for channel consumers.
type Result[R any] struct {
	Value R
	Err   error
}

// Flow sends typed commands to one worker and waits a bounded time for each
// reply.
type Flow[C, R any] struct {
	w       Asker
	timeout time.Duration
}

// NewFlow binds a flow to w. A non-positive timeout uses
// protocol.DefaultTimeout.
func NewFlow[C, R any](w Asker, timeout time.Duration) *Flow[C, R] {
	if timeout <= 0 {
		timeout = protocol.DefaultTimeout
	}
	return &Flow[C, R]{w: w, timeout: timeout}
}

func (f *Flow[C, R]) Timeout() time.Duration { return f.timeout }

// Ask submits cmd and waits for the reply. On errcode.Timeout the command
// may still run; callers must not assume it had no effect.
func (f *Flow[C, R]) Ask(ctx context.Context, cmd C) (R, error) {
	var zero R
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	v, err := f.w.Do(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && errcode.Of(err) != errcode.Timeout {
			err = errcode.Wrap(errcode.Timeout, f.w.Name(), err)
		}
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, errcode.New(errcode.Error, f.w.Name(), fmt.Sprintf("reply %T is not %T", v, zero))
	}
	return r, nil
}

// Run asks for every command read from in, one at a time, and emits the
// results in order. The output closes when in closes or ctx is done.
func (f *Flow[C, R]) Run(ctx context.Context, in <-chan C) <-chan Result[R] {
	out := make(chan Result[R])
	go func() {
		defer close(out)
		for {
			var cmd C
			var ok bool
			select {
			case cmd, ok = <-in:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
			v, err := f.Ask(ctx, cmd)
			select {
			case out <- Result[R]{Value: v, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Sink asks for every command from in and discards the replies. It returns
// when in closes or ctx is done. onErr may be nil.
func (f *Flow[C, R]) Sink(ctx context.Context, in <-chan C, onErr func(C, error)) {
	for {
		select {
		case cmd, ok := <-in:
			if !ok {
				return
			}
			if _, err := f.Ask(ctx, cmd); err != nil && onErr != nil {
				onErr(cmd, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Tick asks cmd every interval (the flow timeout if every is not positive)
// and buffers the results in a source.
// Cancelling (or ctx ending) stops new ticks; an ask already in flight
// completes and its result is still offered before the source closes.
func Tick[C, R any](ctx context.Context, f *Flow[C, R], every time.Duration, cmd C, size int, policy Overflow) (*Source[Result[R]], context.CancelFunc) {
	if every <= 0 {
		every = f.timeout
	}
	src := NewSource[Result[R]](size, policy)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer src.Close()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if ctx.Err() != nil {
				return
			}
			v, err := f.Ask(context.WithoutCancel(ctx), cmd)
			src.Offer(Result[R]{Value: v, Err: err})
		}
	}()
	return src, cancel
}
