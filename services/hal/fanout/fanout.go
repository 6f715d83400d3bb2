// Package fanout delivers input events to a fixed listener set.
package fanout

import "github.com/riot-framework/riot-core/types"

// Fanout is immutable after New; Deliver may be called from any goroutine.
type Fanout struct {
	listeners []types.Listener
}

// New copies ls; nil entries are dropped.
func New(ls []types.Listener) *Fanout {
	f := &Fanout{listeners: make([]types.Listener, 0, len(ls))}
	for _, l := range ls {
		if l != nil {
			f.listeners = append(f.listeners, l)
		}
	}
	return f
}

// Deliver hands ev to every listener once. With no listeners it is a no-op.
func (f *Fanout) Deliver(ev types.Event) {
	if f == nil {
		return
	}
	for _, l := range f.listeners {
		l.Notify(ev)
	}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.listeners)
}
