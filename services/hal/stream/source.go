// Package stream bridges workers to channel-shaped consumers: asks with a
// bounded wait, bounded push sources with an overflow policy, and
// cancellable polling.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/types"
)

// Overflow selects what a full Source does with a new item.
type Overflow uint8

const (
	// DropTail replaces the newest buffered item with the new one.
	DropTail Overflow = iota
	// DropHead discards the oldest buffered item.
	DropHead
	// DropNew discards the incoming item.
	DropNew
	// DropBuffer discards everything buffered and keeps the new item.
	DropBuffer
	// Fail fails the source with errcode.Overflow.
	Fail
)

func (o Overflow) String() string {
	switch o {
	case DropTail:
		return "drop-tail"
	case DropHead:
		return "drop-head"
	case DropNew:
		return "drop-new"
	case DropBuffer:
		return "drop-buffer"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("overflow(%d)", uint8(o))
	}
}

// ParseOverflow accepts the String forms; "" is DropTail.
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "", "drop-tail":
		return DropTail, nil
	case "drop-head":
		return DropHead, nil
	case "drop-new":
		return DropNew, nil
	case "drop-buffer":
		return DropBuffer, nil
	case "fail":
		return Fail, nil
	}
	return DropTail, fmt.Errorf("unknown overflow policy %q", s)
}

// ErrClosed is returned by Next once a closed source has been drained.
var ErrClosed = errors.New("stream: source closed")

// Source is a bounded push buffer. Producers Offer without blocking;
// consumers pull with Next or Chan.
type Source[T any] struct {
	mu     sync.Mutex
	buf    []T
	size   int
	policy Overflow
	closed bool
	err    error
	wake   chan struct{} // closed and replaced on every state change

	dropped atomic.Uint64
}

// NewSource returns a source holding at most size items (minimum 1).
func NewSource[T any](size int, policy Overflow) *Source[T] {
	if size < 1 {
		size = 1
	}
	return &Source[T]{
		buf:    make([]T, 0, size),
		size:   size,
		policy: policy,
		wake:   make(chan struct{}),
	}
}

// signal must be called with mu held.
func (s *Source[T]) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Offer adds v, applying the overflow policy when full. It reports whether
// v was kept.
func (s *Source[T]) Offer(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return false
	}
	if len(s.buf) < s.size {
		s.buf = append(s.buf, v)
		s.signal()
		return true
	}

	switch s.policy {
	case DropNew:
		s.dropped.Add(1)
		return false
	case DropHead:
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = v
		s.dropped.Add(1)
	case DropBuffer:
		s.dropped.Add(uint64(len(s.buf)))
		clear(s.buf)
		s.buf = append(s.buf[:0], v)
	case Fail:
		s.dropped.Add(uint64(len(s.buf)) + 1)
		clear(s.buf)
		s.buf = s.buf[:0]
		s.err = errcode.New(errcode.Overflow, "stream", fmt.Sprintf("buffer of %d full", s.size))
		s.signal()
		return false
	default: // DropTail
		s.buf[len(s.buf)-1] = v
		s.dropped.Add(1)
	}
	s.signal()
	return true
}

// Next blocks for the next item. It returns ErrClosed once the source is
// closed and drained, the overflow error if the source failed, or ctx's
// error.
func (s *Source[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return zero, err
		}
		if len(s.buf) > 0 {
			v := s.buf[0]
			copy(s.buf, s.buf[1:])
			s.buf[len(s.buf)-1] = zero
			s.buf = s.buf[:len(s.buf)-1]
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Chan pumps the source into a channel that closes when the source ends or
// ctx is done. Use Err afterwards to tell a failure from a clean close.
func (s *Source[T]) Chan(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			v, err := s.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops accepting items; buffered items can still be read.
func (s *Source[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.signal()
}

// Err reports the overflow failure, if any.
func (s *Source[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len is the number of buffered items.
func (s *Source[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Dropped counts items lost to the overflow policy.
func (s *Source[T]) Dropped() uint64 { return s.dropped.Load() }

// Events returns a source and the listener that feeds it, for attaching to
// an input descriptor with WithListeners.
func Events(size int, policy Overflow) (*Source[types.Event], types.Listener) {
	src := NewSource[types.Event](size, policy)
	return src, types.ListenerFunc(func(ev types.Event) { src.Offer(ev) })
}
