// Package bridge links the local bus to a peer over TCP. Messages on
// exported topic filters are forwarded to the peer, messages from the peer
// are published locally, and requests get their replies routed back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/riot-framework/riot-core/bus"
	"github.com/riot-framework/riot-core/types"
)

const (
	defaultPing  = 5 * time.Second
	replyTimeout = 10 * time.Second
	closeGrace   = 100 * time.Millisecond
	outQueueLen  = 64
)

var (
	topicConfigBridge = bus.T("config", "bridge")
	topicBridgeState  = bus.T("bridge", "state")

	errPeerClosed = errors.New("peer closed link")
	errPeerSilent = errors.New("peer stopped answering pings")
)

// State is published retained on bridge/state.
type State struct {
	Level  string `json:"level"`  // "idle", "up", "degraded", "error"
	Status string `json:"status"` // short machine string
	Link   string `json:"link,omitempty"`
	Peer   string `json:"peer,omitempty"`
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts_ns"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn *bus.Connection
	log  *slog.Logger

	mu     sync.Mutex
	curRun context.CancelFunc
	runs   sync.WaitGroup
}

func New(conn *bus.Connection, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{conn: conn, log: log}
}

// Run waits for config on config/bridge and supervises the configured
// links. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfigBridge)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState(State{Level: "idle", Status: "awaiting_config"})

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			s.runs.Wait()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState(State{Level: "error", Status: "config_subscription_closed"})
				return
			}
			if msg.Payload == nil {
				s.stopCurrent()
				s.publishState(State{Level: "idle", Status: "awaiting_config"})
				continue
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState(State{Level: "error", Status: "config_decode_failed", Error: err.Error()})
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg types.BridgeConfig) {
	s.stopCurrent()
	s.runs.Wait()

	var trs []Transport
	if cfg.Listen != "" {
		tr, err := listenTCP(cfg.Listen)
		if err != nil {
			s.publishState(State{Level: "error", Status: "transport_init_failed", Link: "listen", Error: err.Error()})
			return
		}
		trs = append(trs, tr)
	}
	if cfg.Dial != "" {
		trs = append(trs, dialTCP(cfg.Dial))
	}
	if len(trs) == 0 {
		s.publishState(State{Level: "idle", Status: "disabled"})
		return
	}

	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.curRun = cancel
	s.mu.Unlock()

	for _, tr := range trs {
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			s.runLink(ctx, cfg, tr)
		}()
	}
}

// -----------------------------------------------------------------------------
// Link supervision
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg types.BridgeConfig, tr Transport) {
	defer tr.Close()

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, peer, err := tr.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff()
			s.publishState(State{Level: "degraded", Status: "dial_failed_retrying", Link: tr.String(),
				Error: fmt.Sprintf("%v (retry in %s)", err, delay)})
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		err = s.handleLink(ctx, cfg, tr, peer, rwc)
		_ = rwc.Close()
		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			if tr.Persistent() {
				continue
			}
			s.publishState(State{Level: "idle", Status: "link_closed", Link: tr.String(), Peer: peer})
			return
		}
		delay := backoff()
		s.publishState(State{Level: "degraded", Status: "link_lost_retrying", Link: tr.String(), Peer: peer,
			Error: fmt.Sprintf("%v (retry in %s)", err, delay)})
		if !sleep(ctx, delay) {
			return
		}
	}
}

// link is one established connection.
type link struct {
	s    *Service
	id   string
	rd   *framedReader
	wr   *framedWriter
	out  chan Frame
	stop chan struct{}
	seen atomic.Int64 // unix ns of the last frame from the peer

	filters []bus.Topic

	mu   sync.Mutex
	echo map[*bus.Message]struct{} // published from the peer, not to be sent back
}

// handleLink owns the active link lifetime. It returns nil when the peer
// or ctx closed the link cleanly.
func (s *Service) handleLink(ctx context.Context, cfg types.BridgeConfig, tr Transport, peer string, rwc io.ReadWriteCloser) error {
	l := &link{
		s:    s,
		id:   uuid.NewString(),
		rd:   newFramedReader(rwc),
		wr:   newFramedWriter(rwc),
		out:  make(chan Frame, outQueueLen),
		stop: make(chan struct{}),
		echo: map[*bus.Message]struct{}{},
	}
	for _, f := range cfg.Export {
		l.filters = append(l.filters, bus.ParseTopic(f))
	}
	l.seen.Store(time.Now().UnixNano())

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	wdone := make(chan struct{})
	go l.readLoop(lctx, errCh)
	go func() {
		defer close(wdone)
		l.writeLoop(errCh)
	}()
	defer close(l.stop)

	hello, err := encodeHello(Hello{Link: l.id})
	if err != nil {
		return err
	}
	l.send(lctx, hello)

	for _, f := range l.filters {
		sub := s.conn.Subscribe(f)
		defer s.conn.Unsubscribe(sub)
		go l.forward(lctx, sub)
	}

	s.log.Info("bridge link up", "link", l.id, "transport", tr.String(), "peer", peer, "exports", cfg.Export)
	s.publishState(State{Level: "up", Status: "link_established", Link: tr.String(), Peer: peer})

	every := cfg.Ping
	if every <= 0 {
		every = defaultPing
	}
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			select {
			case l.out <- Frame{Type: frameClose}:
				t := time.NewTimer(closeGrace)
				select {
				case <-wdone:
				case <-t.C:
				}
				t.Stop()
			default:
			}
			return nil
		case err := <-errCh:
			if errors.Is(err, errPeerClosed) {
				s.log.Info("bridge link closed by peer", "link", l.id)
				return nil
			}
			s.log.Warn("bridge link lost", "link", l.id, "err", err)
			return err
		case <-tick.C:
			if time.Since(time.Unix(0, l.seen.Load())) > 3*every {
				return errPeerSilent
			}
			l.send(lctx, Frame{Type: framePing})
		}
	}
}

func (l *link) send(ctx context.Context, f Frame) bool {
	select {
	case l.out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *link) writeLoop(errCh chan<- error) {
	for {
		select {
		case <-l.stop:
			return
		case f := <-l.out:
			if err := l.wr.WriteFrame(f); err != nil {
				errCh <- err
				return
			}
			if f.Type == frameClose {
				return
			}
		}
	}
}

func (l *link) readLoop(ctx context.Context, errCh chan<- error) {
	for {
		f, err := l.rd.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		l.seen.Store(time.Now().UnixNano())
		switch f.Type {
		case framePing:
			l.send(ctx, Frame{Type: framePong})
		case framePong:
		case frameHello:
			if h, err := decodeHello(f.Payload); err == nil {
				l.s.log.Debug("bridge peer hello", "link", l.id, "peer_link", h.Link)
			}
		case framePub:
			p, err := decodePub(f.Payload)
			if err != nil {
				l.s.log.Warn("bridge dropped bad frame", "link", l.id, "err", err)
				continue
			}
			l.deliver(ctx, p)
		case frameClose:
			errCh <- errPeerClosed
			return
		default:
			l.s.log.Debug("bridge ignored frame", "link", l.id, "type", f.Type)
		}
	}
}

// forward sends local messages on one exported filter to the peer.
func (l *link) forward(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Channel():
			if !ok {
				return
			}
			if l.isEcho(m) {
				continue
			}
			f, err := encodePub(m)
			if err != nil {
				l.s.log.Warn("bridge cannot encode message", "topic", m.Topic.String(), "err", err)
				continue
			}
			if !l.send(ctx, f) {
				return
			}
		}
	}
}

// deliver publishes a peer message locally. A peer request is re-issued
// as a local request and its first reply is sent back.
func (l *link) deliver(ctx context.Context, p Decoded) {
	msg := l.s.conn.NewMessage(topicOf(p.Topic), p.Payload, p.Retained)
	l.markEcho(msg)
	if len(p.ReplyTo) == 0 {
		l.s.conn.Publish(msg)
		return
	}
	sub := l.s.conn.Request(msg)
	go func() {
		defer l.s.conn.Unsubscribe(sub)
		t := time.NewTimer(replyTimeout)
		defer t.Stop()
		select {
		case r, ok := <-sub.Channel():
			if !ok {
				return
			}
			f, err := encodePub(&bus.Message{Topic: topicOf(p.ReplyTo), Payload: r.Payload})
			if err != nil {
				l.s.log.Warn("bridge cannot encode reply", "topic", msg.Topic.String(), "err", err)
				return
			}
			l.send(ctx, f)
		case <-t.C:
			l.s.log.Debug("bridge request unanswered", "topic", msg.Topic.String())
		case <-ctx.Done():
		}
	}()
}

func (l *link) markEcho(m *bus.Message) {
	exported := false
	for _, f := range l.filters {
		if m.Topic.Matches(f) {
			exported = true
			break
		}
	}
	if !exported {
		return
	}
	l.mu.Lock()
	l.echo[m] = struct{}{}
	l.mu.Unlock()
}

func (l *link) isEcho(m *bus.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.echo[m]; ok {
		delete(l.echo, m)
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Transports
// -----------------------------------------------------------------------------

// Transport opens links to a peer.
type Transport interface {
	Open(ctx context.Context) (rwc io.ReadWriteCloser, peer string, err error)
	// Persistent transports accept a new link after a clean close.
	Persistent() bool
	Close() error
	String() string
}

type tcpDial struct {
	addr string
	d    net.Dialer
}

func dialTCP(addr string) *tcpDial { return &tcpDial{addr: addr} }

func (t *tcpDial) Open(ctx context.Context) (io.ReadWriteCloser, string, error) {
	c, err := t.d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, "", err
	}
	return c, c.RemoteAddr().String(), nil
}

func (t *tcpDial) Persistent() bool { return false }
func (t *tcpDial) Close() error     { return nil }
func (t *tcpDial) String() string   { return "dial " + t.addr }

type tcpListen struct {
	ln        net.Listener
	closeOnce sync.Once
}

func listenTCP(addr string) (*tcpListen, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListen{ln: ln}, nil
}

// Open accepts the next peer. Cancelling ctx closes the listener.
func (t *tcpListen) Open(ctx context.Context) (io.ReadWriteCloser, string, error) {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()
	c, err := t.ln.Accept()
	if err != nil {
		return nil, "", err
	}
	return c, c.RemoteAddr().String(), nil
}

func (t *tcpListen) Persistent() bool { return true }

func (t *tcpListen) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.ln.Close() })
	return err
}

func (t *tcpListen) String() string { return "listen " + t.ln.Addr().String() }

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (types.BridgeConfig, error) {
	switch v := p.(type) {
	case types.BridgeConfig:
		return v, nil
	case *types.BridgeConfig:
		if v != nil {
			return *v, nil
		}
	}
	return types.BridgeConfig{}, fmt.Errorf("unsupported config payload type: %T", p)
}

func (s *Service) publishState(st State) {
	st.TS = time.Now().UnixNano()
	s.conn.Publish(s.conn.NewMessage(topicBridgeState, st, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
