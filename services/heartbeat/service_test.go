package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riot-framework/riot-core/bus"
	"github.com/riot-framework/riot-core/types"
)

func nextBeat(t *testing.T, sub *bus.Subscription, pred func(Beat) bool) Beat {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-sub.Channel():
			if b, ok := m.Payload.(Beat); ok && pred(b) {
				return b
			}
		case <-deadline:
			t.Fatal("no matching heartbeat")
		}
	}
}

func TestHeartbeatCountsWorkerStates(t *testing.T) {
	b := bus.NewBus(32)
	conn := b.NewConnection("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := func(name, st, errText string) {
		conn.Publish(conn.NewMessage(bus.T("hal", "res", name, "state"),
			types.ResourceState{Name: name, State: st, Error: errText}, true))
	}
	state("led", "provisioned", "")
	state("fan", "unprovisioned", "resource_unavailable: pin in use")
	state("old", "stopped", "")
	conn.Publish(conn.NewMessage(topicConfigHeartbeat, types.HeartbeatConfig{Interval: 10 * time.Millisecond}, true))

	go New(slog.New(slog.NewTextHandler(io.Discard, nil))).Run(ctx, conn)

	sub := conn.Subscribe(topicHeartbeat)
	beat := nextBeat(t, sub, func(b Beat) bool { return b.Interval == 10*time.Millisecond && len(b.Workers) == 3 })
	assert.Equal(t, map[string]int{"provisioned": 1, "unprovisioned": 1, "stopped": 1}, beat.Workers)
	assert.Equal(t, []string{"fan"}, beat.Failing)

	conn.Publish(conn.NewMessage(bus.T("hal", "res", "old", "state"), nil, true))
	beat = nextBeat(t, sub, func(b Beat) bool { return b.Workers["stopped"] == 0 })
	assert.Equal(t, 2, len(beat.Workers))

	next := nextBeat(t, sub, func(b Beat) bool { return b.Seq > beat.Seq })
	require.Greater(t, next.Uptime, time.Duration(0))
}

func TestIntervalOf(t *testing.T) {
	assert.Equal(t, time.Second, intervalOf(types.HeartbeatConfig{Interval: time.Second}))
	assert.Equal(t, 2*time.Second, intervalOf(&types.HeartbeatConfig{Interval: 2 * time.Second}))
	assert.Zero(t, intervalOf(map[string]any{"interval": 2}))
	assert.Zero(t, intervalOf((*types.HeartbeatConfig)(nil)))
}
