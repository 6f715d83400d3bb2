package types

import "time"

// Event is an input change reported by a worker. Digital inputs fill
// State and Edge, analog inputs fill Value.
type Event struct {
	Resource string
	Kind     Kind
	State    State
	Value    float64
	Edge     Edge
	TS       time.Time
}

// EventPayload is the bus/wire form of an Event.
type EventPayload struct {
	Resource string  `json:"resource" yaml:"resource"`
	Level    string  `json:"level,omitempty" yaml:"level,omitempty"`
	Edge     string  `json:"edge,omitempty" yaml:"edge,omitempty"`
	Value    float64 `json:"value,omitempty" yaml:"value,omitempty"`
	TS       int64   `json:"ts_ns" yaml:"ts_ns"`
}

func (e Event) Payload() EventPayload {
	p := EventPayload{Resource: e.Resource, TS: e.TS.UnixNano()}
	if e.Kind == KindAnalogIn {
		p.Value = e.Value
		return p
	}
	p.Level = e.State.String()
	p.Edge = e.Edge.String()
	return p
}

// Listener receives input events. Implementations must not block for long:
// they run on the worker's event path.
type Listener interface {
	Notify(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) Notify(ev Event) { f(ev) }
