package heartbeat

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/riot-framework/riot-core/bus"
	"github.com/riot-framework/riot-core/types"
)

const defaultInterval = time.Second

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	topicResourceStates  = bus.T("hal", "res", bus.Single, "state")
	topicHeartbeat       = bus.T("heartbeat")
)

// Beat is the retained liveness record.
type Beat struct {
	Seq      uint64         `json:"seq" yaml:"seq" cbor:"seq"`
	Uptime   time.Duration  `json:"uptime" yaml:"uptime" cbor:"uptime"`
	Workers  map[string]int `json:"workers" yaml:"workers" cbor:"workers"` // per lifecycle state
	Failing  []string       `json:"failing,omitempty" yaml:"failing,omitempty" cbor:"failing,omitempty"`
	TS       int64          `json:"ts_ns" yaml:"ts_ns" cbor:"ts_ns"`
	Interval time.Duration  `json:"interval" yaml:"interval" cbor:"interval"`
}

type Service struct {
	log   *slog.Logger
	now   func() time.Time
	start time.Time
	seq   uint64
	res   map[string]types.ResourceState
}

func New(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, now: time.Now, res: map[string]types.ResourceState{}}
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)
	stSub := conn.Subscribe(topicResourceStates)
	defer conn.Unsubscribe(stSub)

	s.start = s.now()
	interval := defaultInterval
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat stopping", "seq", s.seq)
			return
		case <-tick.C:
			s.beat(conn, interval)
		case msg := <-stSub.Channel():
			s.track(msg)
		case msg := <-cfgSub.Channel():
			if iv := intervalOf(msg.Payload); iv > 0 && iv != interval {
				interval = iv
				tick.Reset(interval)
				s.log.Info("heartbeat interval set", "interval", interval)
			}
		}
	}
}

func intervalOf(p any) time.Duration {
	switch v := p.(type) {
	case types.HeartbeatConfig:
		return v.Interval
	case *types.HeartbeatConfig:
		if v != nil {
			return v.Interval
		}
	}
	return 0
}

func (s *Service) track(msg *bus.Message) {
	name, _ := msg.Topic.At(2).(string)
	if name == "" {
		return
	}
	if msg.Payload == nil {
		delete(s.res, name)
		return
	}
	st, ok := msg.Payload.(types.ResourceState)
	if !ok {
		return
	}
	s.res[name] = st
}

func (s *Service) beat(conn *bus.Connection, interval time.Duration) {
	s.seq++
	now := s.now()
	b := Beat{
		Seq:      s.seq,
		Uptime:   now.Sub(s.start),
		Workers:  map[string]int{},
		TS:       now.UnixNano(),
		Interval: interval,
	}
	for name, st := range s.res {
		b.Workers[st.State]++
		if st.Error != "" {
			b.Failing = append(b.Failing, name)
		}
	}
	sort.Strings(b.Failing)
	conn.Publish(conn.NewMessage(topicHeartbeat, b, true))
	s.log.Debug("heartbeat", "seq", b.Seq, "uptime", b.Uptime, "workers", b.Workers, "failing", len(b.Failing))
}
