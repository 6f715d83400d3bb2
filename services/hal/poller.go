package hal

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"
)

// pollReq asks the service to sample one resource.
type pollReq struct {
	Name  string
	Every time.Duration
}

type pollItem struct {
	name   string
	due    int64
	every  time.Duration
	jitter time.Duration
	index  int
}

type pollHeap []*pollItem

func (h pollHeap) Len() int           { return len(h) }
func (h pollHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h pollHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pollHeap) Push(x any)        { it := x.(*pollItem); it.index = len(*h); *h = append(*h, it) }
func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	it.index = -1
	*h = old[:n-1]
	return it
}
func (h pollHeap) top() *pollItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// poller schedules periodic samples on a min-heap of due times and emits
// requests without blocking; a request the service cannot take is skipped.
type poller struct {
	mu    sync.Mutex
	wake  chan struct{}
	items map[string]*pollItem
	h     pollHeap
	rand  *rand.Rand
	out   chan<- pollReq
	now   func() time.Time
}

func newPoller(out chan<- pollReq) *poller {
	return &poller{
		wake:  make(chan struct{}, 1),
		items: make(map[string]*pollItem),
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		out:   out,
		now:   time.Now,
	}
}

// upsert adds or updates a schedule. The first sample is due after
// interval plus a random jitter in [0, jitter], re-drawn on every re-arm.
func (p *poller) upsert(name string, interval, jitter time.Duration) {
	if interval <= 0 || name == "" {
		return
	}
	if jitter < 0 {
		jitter = 0
	}
	p.mu.Lock()
	due := p.now().Add(p.jittered(interval, jitter)).UnixNano()
	if it := p.items[name]; it == nil {
		it = &pollItem{name: name, due: due, every: interval, jitter: jitter, index: -1}
		p.items[name] = it
		heap.Push(&p.h, it)
	} else {
		it.every, it.jitter, it.due = interval, jitter, due
		heap.Fix(&p.h, it.index)
	}
	p.mu.Unlock()
	p.wakeup()
}

func (p *poller) stop(name string) {
	p.mu.Lock()
	if it := p.items[name]; it != nil {
		heap.Remove(&p.h, it.index)
		delete(p.items, name)
	}
	p.mu.Unlock()
	p.wakeup()
}

func (p *poller) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := p.nextWait()
		if wait < 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		if wait == 0 {
			if req, ok := p.fire(); ok {
				select {
				case p.out <- req:
				default:
				}
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fire re-arms the earliest due item and returns its request.
func (p *poller) fire() (pollReq, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	top := p.h.top()
	if top == nil || top.due > p.now().UnixNano() {
		return pollReq{}, false
	}
	top.due = p.now().Add(p.jittered(top.every, top.jitter)).UnixNano()
	heap.Fix(&p.h, top.index)
	return pollReq{Name: top.name, Every: top.every}, true
}

// nextWait is -1 with nothing scheduled, 0 when something is due.
func (p *poller) nextWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	top := p.h.top()
	if top == nil {
		return -1
	}
	d := top.due - p.now().UnixNano()
	if d <= 0 {
		return 0
	}
	return time.Duration(d)
}

func (p *poller) wakeup() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *poller) jittered(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(p.rand.Int63n(int64(jitter)+1))
}
