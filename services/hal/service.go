// Package hal exposes hardware resources on the bus. It builds one worker
// per configured resource and maps the hal/res/<name>/... topics onto them.
package hal

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riot-framework/riot-core/bus"
	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/services/hal/stream"
	"github.com/riot-framework/riot-core/services/hal/worker"
	"github.com/riot-framework/riot-core/types"
)

const (
	eventQueueLen  = 32
	resultQueueLen = 32
	jobQueueLen    = 16
	pollQueueLen   = 16

	shutdownTimeout = 5 * time.Second
)

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// Service owns every worker it builds. Create with New and start with Run.
type Service struct {
	conn  *bus.Connection
	board *Board
	log   *slog.Logger

	entries  map[string]*entry
	removing map[string]*removal

	events  chan types.Event
	results chan outcome
	polls   chan pollReq
	poller  *poller

	eventDrops atomic.Uint32
}

// entry is one configured resource.
type entry struct {
	name    string
	cfg     types.ResourceConfig
	res     types.Resource
	b       binding
	flow    *stream.Flow[any, any]
	jobs    chan job
	poll    any // decoded poll command, nil when not polled
	state   string
	lastErr string
	done    chan struct{}
}

// removal tracks a resource whose worker is still shutting down. A re-add
// under the same name waits for it so the old worker cannot clear the new
// resource's topics or hold its pins.
type removal struct {
	done  chan struct{}
	readd *types.ResourceConfig
	wopts []worker.Option
}

type job struct {
	cmd any
	msg *bus.Message // nil for polls
}

// outcome is reported by dispatchers back to the service loop.
type outcome struct {
	name      string
	e         *entry
	removed   bool
	poll      bool
	provision bool
	value     any
	err       error
	state     worker.State
}

func New(conn *bus.Connection, board *Board, opts ...Option) *Service {
	s := &Service{
		conn:     conn,
		board:    board,
		log:      slog.Default(),
		entries:  make(map[string]*entry),
		removing: make(map[string]*removal),
		events:   make(chan types.Event, eventQueueLen),
		results:  make(chan outcome, resultQueueLen),
		polls:    make(chan pollReq, pollQueueLen),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("service", "hal")
	s.poller = newPoller(s.polls)
	return s
}

// Run serves until ctx is cancelled, then shuts every worker down.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfigHAL())
	cmdSub := s.conn.Subscribe(cmdWildcard())
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(cmdSub)

	go s.poller.run(ctx)
	s.publishState("idle", "awaiting_config")

	ready := false
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.publishState("stopped", "context_cancelled")
			return

		case msg := <-cfgSub.Channel():
			cfg, ok := msg.Payload.(types.HALConfig)
			if !ok {
				if p, isPtr := msg.Payload.(*types.HALConfig); isPtr && p != nil {
					cfg, ok = *p, true
				}
			}
			if !ok {
				s.log.Warn("ignoring config", "type", fmt.Sprintf("%T", msg.Payload))
				continue
			}
			s.applyConfig(ctx, cfg)
			ready = true
			s.publishState("ready", "")

		case m := <-cmdSub.Channel():
			if !ready {
				s.replyErr(m, errcode.New(errcode.HALNotReady, "hal", "no configuration yet"))
				continue
			}
			s.handleCommand(ctx, m)

		case ev := <-s.events:
			s.conn.Publish(s.conn.NewMessage(TopicEvent(ev.Resource), ev.Payload(), false))

		case pr := <-s.polls:
			s.handlePoll(pr)

		case o := <-s.results:
			s.handleOutcome(ctx, o)
		}
	}
}

// ---- configuration ----

func (s *Service) applyConfig(ctx context.Context, cfg types.HALConfig) {
	var wopts []worker.Option
	wopts = append(wopts, worker.WithLogger(s.log))
	if cfg.Mailbox > 0 {
		wopts = append(wopts, worker.WithMailbox(cfg.Mailbox))
	}

	want := make(map[string]bool, len(cfg.Resources))
	for _, rc := range cfg.Resources {
		want[rc.Name] = true
		if r, ok := s.removing[rc.Name]; ok {
			rc := rc
			r.readd, r.wopts = &rc, wopts
			continue
		}
		if cur, ok := s.entries[rc.Name]; ok {
			if !sameConfig(cur.cfg, rc) {
				s.log.Warn("resource already running; restart to apply changes", "resource", rc.Name)
			}
			continue
		}
		if err := s.add(ctx, rc, wopts); err != nil {
			s.log.Error("resource not built", "resource", rc.Name, "err", err)
			s.pubResourceState(rc.Name, "error", err.Error())
		}
	}
	for name := range s.entries {
		if !want[name] {
			s.remove(ctx, name)
		}
	}
	for name, r := range s.removing {
		if !want[name] {
			r.readd = nil
		}
	}
}

func (s *Service) add(ctx context.Context, rc types.ResourceConfig, wopts []worker.Option) error {
	if rc.Name == "" {
		return errcode.New(errcode.InvalidParams, "hal", "resource without a name")
	}
	res, err := rc.Descriptor()
	if err != nil {
		return errcode.Wrap(errcode.InvalidParams, rc.Name, err)
	}
	var listener types.Listener
	if res.SupportsListeners() {
		listener = types.ListenerFunc(s.emit)
	}
	b, err := bind(s.board, res, rc, listener, wopts)
	if err != nil {
		return err
	}

	e := &entry{
		name: rc.Name,
		cfg:  rc,
		res:  res,
		b:    b,
		flow: stream.NewFlow[any, any](b.w, b.timeout),
		jobs: make(chan job, jobQueueLen),
		done: make(chan struct{}),
	}
	if rc.Poll > 0 {
		if e.poll, err = pollCommand(rc, b); err != nil {
			_ = b.w.Shutdown(ctx)
			return err
		}
	}
	s.entries[e.name] = e
	go s.dispatch(ctx, e)

	info := types.InfoOf(res)
	info.Command, info.Response = b.desc.Command, b.desc.Response
	s.conn.Publish(s.conn.NewMessage(TopicInfo(e.name), info, true))
	s.publishResourceState(e, b.w.State().String(), "")

	if e.poll != nil {
		s.poller.upsert(e.name, rc.Poll, rc.PollJitter)
	}
	s.log.Info("resource added", "resource", e.name, "kind", res.Kind().String())
	return nil
}

func pollCommand(rc types.ResourceConfig, b binding) (any, error) {
	c := types.Command{Op: types.OpGet}
	if rc.PollCmd != nil {
		c = *rc.PollCmd
	}
	return b.decode(c)
}

// remove stops scheduling, closes the job queue and shuts the worker down in
// the background. The result comes back through the loop as a removed
// outcome.
func (s *Service) remove(ctx context.Context, name string) {
	e := s.entries[name]
	delete(s.entries, name)
	s.poller.stop(name)
	close(e.jobs)
	r := &removal{done: make(chan struct{})}
	s.removing[name] = r
	go func() {
		defer close(r.done)
		<-e.done
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.b.w.Shutdown(sctx)
		if err != nil {
			s.log.Warn("shutdown failed", "resource", name, "err", err)
		}
		o := outcome{name: name, e: e, removed: true, err: err}
		select {
		case s.results <- o:
		case <-ctx.Done():
			s.publishRemoved(o)
		}
	}()
	s.log.Info("resource removed", "resource", name)
}

// finishRemoval publishes the final state of a removed resource and builds
// its replacement if one was configured meanwhile.
func (s *Service) finishRemoval(ctx context.Context, o outcome) {
	r := s.removing[o.name]
	delete(s.removing, o.name)
	s.publishRemoved(o)
	if r == nil || r.readd == nil {
		return
	}
	if err := s.add(ctx, *r.readd, r.wopts); err != nil {
		s.log.Error("resource not built", "resource", o.name, "err", err)
		s.pubResourceState(o.name, "error", err.Error())
	}
}

func (s *Service) publishRemoved(o outcome) {
	s.pubResourceState(o.name, worker.Stopped.String(), errString(o.err))
	s.conn.Publish(s.conn.NewMessage(TopicInfo(o.name), nil, true))
}

func (s *Service) stopAll() {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, name := range names {
		e := s.entries[name]
		s.poller.stop(name)
		close(e.jobs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.b.w.Shutdown(ctx)
			if err != nil {
				s.log.Warn("shutdown failed", "resource", e.name, "err", err)
			}
			s.pubResourceState(e.name, worker.Stopped.String(), errString(err))
		}()
	}
	wg.Wait()
	s.entries = make(map[string]*entry)

	for _, r := range s.removing {
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}
	s.removing = make(map[string]*removal)
	for {
		select {
		case o := <-s.results:
			if o.removed {
				s.publishRemoved(o)
			}
		default:
			return
		}
	}
}

// ---- commands, polls, events ----

func (s *Service) handleCommand(ctx context.Context, m *bus.Message) {
	name, _ := m.Topic.At(2).(string)
	e, ok := s.entries[name]
	if !ok {
		s.replyErr(m, errcode.New(errcode.UnknownResource, "hal", name))
		return
	}
	cmd, err := commandOf(m.Payload, e.b.decode)
	if err != nil {
		s.replyErr(m, err)
		return
	}
	select {
	case e.jobs <- job{cmd: cmd, msg: m}:
	default:
		s.replyErr(m, errcode.New(errcode.Busy, name, "command queue full"))
	}
}

func (s *Service) handlePoll(pr pollReq) {
	e, ok := s.entries[pr.Name]
	if !ok || e.poll == nil {
		return
	}
	select {
	case e.jobs <- job{cmd: e.poll}:
	default:
		s.log.Debug("poll skipped; queue full", "resource", pr.Name)
	}
}

// dispatch provisions the worker, then feeds it the entry's jobs in
// arrival order. A failed provisioning is retried by the next command.
func (s *Service) dispatch(ctx context.Context, e *entry) {
	defer close(e.done)
	err := e.b.w.Provision(ctx)
	if err != nil {
		s.log.Debug("provision failed", "resource", e.name, "err", err)
	}
	s.report(ctx, outcome{name: e.name, e: e, provision: true, err: err, state: e.b.w.State()})

	for j := range e.jobs {
		v, err := e.flow.Ask(ctx, j.cmd)
		if j.msg != nil {
			if err != nil {
				s.replyErr(j.msg, err)
			} else if j.msg.CanReply() {
				s.conn.Reply(j.msg, types.Reply{OK: true, Value: wireValue(v)}, false)
			}
		}
		s.report(ctx, outcome{name: e.name, e: e, poll: j.msg == nil, value: v, err: err, state: e.b.w.State()})
	}
}

func (s *Service) report(ctx context.Context, o outcome) {
	select {
	case s.results <- o:
	case <-ctx.Done():
	}
}

func (s *Service) handleOutcome(ctx context.Context, o outcome) {
	if o.removed {
		s.finishRemoval(ctx, o)
		return
	}
	e, ok := s.entries[o.name]
	if !ok || e != o.e {
		return
	}
	if o.poll && o.err == nil {
		s.conn.Publish(s.conn.NewMessage(TopicValue(o.name), wireValue(o.value), true))
	}
	// Command errors belong to the caller; only poll failures mark the
	// resource degraded.
	errText := e.lastErr
	if o.poll || o.provision {
		errText = errString(o.err)
	}
	if st := o.state.String(); st != e.state || errText != e.lastErr {
		s.publishResourceState(e, st, errText)
	}
}

// emit is the listener attached to input resources. It runs on the worker
// goroutine and must not block.
func (s *Service) emit(ev types.Event) {
	select {
	case s.events <- ev:
	default:
		s.eventDrops.Add(1)
	}
}

// EventDrops counts input events lost because the service fell behind.
func (s *Service) EventDrops() uint32 { return s.eventDrops.Load() }

// ---- publication ----

func (s *Service) publishState(level, status string) {
	s.conn.Publish(s.conn.NewMessage(topicHALState(), types.HALState{
		Level:     level,
		Status:    status,
		Resources: len(s.entries),
		TS:        time.Now().UnixNano(),
	}, true))
}

// publishResourceState records and publishes; loop goroutine only.
func (s *Service) publishResourceState(e *entry, state, errText string) {
	e.state, e.lastErr = state, errText
	s.pubResourceState(e.name, state, errText)
}

func (s *Service) pubResourceState(name, state, errText string) {
	s.conn.Publish(s.conn.NewMessage(TopicState(name), types.ResourceState{
		Name: name, State: state, Error: errText, TS: time.Now().UnixNano(),
	}, true))
}

func (s *Service) replyErr(m *bus.Message, err error) {
	if !m.CanReply() {
		return
	}
	s.conn.Reply(m, types.Reply{OK: false, Error: string(errcode.Of(err))}, false)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sameConfig(a, b types.ResourceConfig) bool { return reflect.DeepEqual(a, b) }
