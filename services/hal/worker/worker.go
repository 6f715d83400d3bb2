// Package worker implements the per-resource serialising owner of a
// hardware handle.
//
// Every Worker runs one goroutine. Commands, provisioning, shutdown and
// input interrupts all pass through it, so no two operations on the same
// handle ever overlap and replies leave in the order requests arrived.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/types"
)

// State is the worker lifecycle: Unprovisioned → Provisioned → Stopped.
type State uint32

const (
	Unprovisioned State = iota
	Provisioned
	Stopped
)

func (s State) String() string {
	switch s {
	case Provisioned:
		return "provisioned"
	case Stopped:
		return "stopped"
	default:
		return "unprovisioned"
	}
}

// Runner is the type-erased worker surface the HAL service and the stream
// bridge drive.
type Runner interface {
	Name() string
	Resource() types.Resource
	State() State
	Provision(ctx context.Context) error
	Do(ctx context.Context, cmd any) (any, error)
	Shutdown(ctx context.Context) error
}

// Defaults.
const (
	DefaultMailbox = 16
	irqQueue       = 64
)

type options struct {
	log     *slog.Logger
	mailbox int
	sleep   func(time.Duration)
	now     func() time.Time
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMailbox sets how many requests may queue before callers block.
func WithMailbox(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mailbox = n
		}
	}
}

// WithSleep replaces the wait used between pulse intervals.
func WithSleep(fn func(time.Duration)) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithClock replaces the clock used for event timestamps and debouncing.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:     slog.Default(),
		mailbox: DefaultMailbox,
		sleep:   time.Sleep,
		now:     time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// behaviour is the kind-specific part. All methods run on the worker goroutine.
type behaviour interface {
	provision() error
	handle(cmd any) (any, error)
	shutdown() error
}

// eventer is implemented by behaviours that receive driver callbacks.
type eventer interface {
	event(ev rawEvent)
}

// rawEvent is captured in the driver callback; it must stay cheap to build.
type rawEvent struct {
	level bool
	value float64
	ts    time.Time
}

type opKind uint8

const (
	opProvision opKind = iota
	opCommand
	opShutdown
)

type request struct {
	op    opKind
	cmd   any
	reply chan response // buffered(1); worker replies best-effort
}

type response struct {
	val any
	err error
}

// Worker owns one resource's handle.
type Worker struct {
	res  types.Resource
	b    behaviour
	log  *slog.Logger
	mbox chan request
	irq  chan rawEvent

	state atomic.Uint32
	drops atomic.Uint32

	done     chan struct{} // closed once the worker has stopped
	doneOnce sync.Once
}

func newWorker(res types.Resource, o options, mk func(post func(rawEvent)) behaviour) *Worker {
	w := &Worker{
		res:  res,
		mbox: make(chan request, o.mailbox),
		irq:  make(chan rawEvent, irqQueue),
		done: make(chan struct{}),
	}
	w.log = o.log.With("resource", res.Name(), "kind", res.Kind().String())
	w.b = mk(w.post)
	go w.loop()
	return w
}

func (w *Worker) Name() string             { return w.res.Name() }
func (w *Worker) Resource() types.Resource { return w.res }
func (w *Worker) State() State             { return State(w.state.Load()) }

// IRQDrops counts driver callbacks lost because the event queue was full.
func (w *Worker) IRQDrops() uint32 { return w.drops.Load() }

// Done is closed when the worker has stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Provision acquires the handle now instead of on the first command.
// It is a no-op when already provisioned.
func (w *Worker) Provision(ctx context.Context) error {
	_, err := w.submit(ctx, opProvision, nil)
	return err
}

// Do runs cmd on the worker and returns its reply. ctx bounds the wait only:
// a command that has been queued runs even if the caller gave up.
func (w *Worker) Do(ctx context.Context, cmd any) (any, error) {
	return w.submit(ctx, opCommand, cmd)
}

// Shutdown applies the shutdown state, releases the handle and stops the
// worker. Later calls return nil.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w.State() == Stopped {
		return nil
	}
	_, err := w.submit(ctx, opShutdown, nil)
	if errors.Is(err, errcode.Stopped) {
		return nil
	}
	return err
}

func (w *Worker) submit(ctx context.Context, op opKind, cmd any) (any, error) {
	if w.State() == Stopped {
		return nil, errcode.New(errcode.Stopped, w.res.Name(), "worker stopped")
	}
	req := request{op: op, cmd: cmd, reply: make(chan response, 1)}

	select {
	case w.mbox <- req:
	case <-w.done:
		return nil, errcode.New(errcode.Stopped, w.res.Name(), "worker stopped")
	case <-ctx.Done():
		return nil, w.waitErr(ctx)
	}

	select {
	case r := <-req.reply:
		return r.val, r.err
	case <-w.done:
		// The shutdown request itself replies before done closes.
		select {
		case r := <-req.reply:
			return r.val, r.err
		default:
			return nil, errcode.New(errcode.Stopped, w.res.Name(), "worker stopped")
		}
	case <-ctx.Done():
		return nil, w.waitErr(ctx)
	}
}

func (w *Worker) waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcode.Wrap(errcode.Timeout, w.res.Name(), ctx.Err())
	}
	return ctx.Err()
}

// post is handed to behaviours for driver callbacks. It never blocks.
func (w *Worker) post(ev rawEvent) {
	select {
	case w.irq <- ev:
	default:
		w.drops.Add(1)
	}
}

func (w *Worker) loop() {
	defer w.doneOnce.Do(func() { close(w.done) })
	for {
		select {
		case req := <-w.mbox:
			val, err, stop := w.serve(req)
			req.reply <- response{val: val, err: err}
			if stop {
				return
			}
		case ev := <-w.irq:
			if e, ok := w.b.(eventer); ok && w.State() == Provisioned {
				e.event(ev)
			}
		}
	}
}

func (w *Worker) serve(req request) (val any, err error, stop bool) {
	switch req.op {
	case opProvision:
		return nil, w.provision(), false

	case opCommand:
		if err := w.provision(); err != nil {
			return nil, err, false
		}
		val, err := w.b.handle(req.cmd)
		if err != nil {
			w.log.Debug("command failed", "cmd", cmdName(req.cmd), "err", err)
		}
		return val, err, false

	case opShutdown:
		return nil, w.shutdown(), true
	}
	return nil, errcode.New(errcode.Error, w.res.Name(), "unknown request"), false
}

func (w *Worker) provision() error {
	if w.State() == Provisioned {
		return nil
	}
	if err := w.b.provision(); err != nil {
		w.log.Warn("provision failed", "err", err)
		// A wrong kind is a configuration error; retrying cannot fix it.
		switch errcode.Of(err) {
		case errcode.ResourceUnavailable, errcode.UnsupportedOperation:
			return err
		}
		return errcode.Wrap(errcode.ResourceUnavailable, w.res.Name(), err)
	}
	w.state.Store(uint32(Provisioned))
	w.log.Debug("provisioned")
	return nil
}

func (w *Worker) shutdown() error {
	was := w.State()
	w.state.Store(uint32(Stopped))
	if was != Provisioned {
		return nil
	}
	err := w.b.shutdown()
	if err != nil {
		w.log.Warn("shutdown incomplete", "err", err)
	} else {
		w.log.Debug("stopped")
	}
	return err
}

func cmdName(cmd any) string {
	switch c := cmd.(type) {
	case types.State:
		return c.String()
	case types.Pulse:
		return "pulse"
	case types.Value:
		return "value"
	case types.Steps:
		return "steps"
	case types.Get:
		return "get"
	default:
		return "command"
	}
}

func unsupported(res types.Resource, cmd any) error {
	return errcode.New(errcode.UnsupportedOperation, res.Name(), cmdName(cmd)+" on "+res.Kind().String())
}
