// Package bus is the in-process topic bus: wildcard subscriptions,
// retained messages and request/reply.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Wildcards. "+" matches one level, "#" matches the remaining levels
// (zero or more) and must come last.
const (
	Single = "+"
	Multi  = "#"
)

// -----------------------------------------------------------------------------
// Tokens + Topics
// -----------------------------------------------------------------------------

// Token is one element of a topic. Any comparable value works; strings and
// ints are the norm.
type Token = any

// Topic is a sequence of tokens.
type Topic []Token

// T builds a topic. It panics on a non-comparable token.
func T(tokens ...Token) Topic {
	for _, tok := range tokens {
		if tok == nil || !reflect.TypeOf(tok).Comparable() {
			panic(fmt.Sprintf("bus: topic token %#v is not comparable", tok))
		}
	}
	return Topic(tokens)
}

// ParseTopic splits a "/"-separated string into string tokens.
func ParseTopic(s string) Topic {
	if s == "" {
		return Topic{}
	}
	parts := strings.Split(s, "/")
	t := make(Topic, len(parts))
	for i, p := range parts {
		t[i] = p
	}
	return t
}

func (t Topic) Len() int { return len(t) }

// At returns the token at i, or nil when out of range.
func (t Topic) At(i int) Token {
	if i < 0 || i >= len(t) {
		return nil
	}
	return t[i]
}

// Append returns a new topic; t is not modified.
func (t Topic) Append(tokens ...Token) Topic {
	out := make(Topic, 0, len(t)+len(tokens))
	out = append(out, t...)
	return append(out, T(tokens...)...)
}

func (t Topic) String() string {
	var sb strings.Builder
	for i, tok := range t {
		if i > 0 {
			sb.WriteByte('/')
		}
		fmt.Fprint(&sb, tok)
	}
	return sb.String()
}

// Equal compares token by token.
func (t Topic) Equal(o Topic) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// Matches reports whether the concrete topic t is matched by pattern.
func (t Topic) Matches(pattern Topic) bool {
	for i, p := range pattern {
		if p == Multi {
			return true
		}
		if i >= len(t) {
			return false
		}
		if p != Single && p != t[i] {
			return false
		}
	}
	return len(t) == len(pattern)
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

func (m *Message) CanReply() bool { return m != nil && len(m.ReplyTo) > 0 }

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
	once  sync.Once
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// deliver must be called with the bus lock held. A full queue loses its
// oldest message.
func (s *Subscription) deliver(m *Message) {
	select {
	case s.ch <- m:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- m:
	default:
	}
}

// -----------------------------------------------------------------------------
// Trie nodes
// -----------------------------------------------------------------------------

// subscription patterns
type node struct {
	children map[Token]*node
	subs     []*Subscription
}

// retained messages, keyed by concrete topic
type rnode struct {
	children map[Token]*rnode
	msg      *Message
}

func (n *node) collect(t Topic, i int, out []*Subscription) []*Subscription {
	if n.children != nil {
		if h := n.children[Multi]; h != nil {
			out = append(out, h.subs...)
		}
	}
	if i == len(t) {
		return append(out, n.subs...)
	}
	if n.children == nil {
		return out
	}
	if c := n.children[t[i]]; c != nil {
		out = c.collect(t, i+1, out)
	}
	if t[i] != Single {
		if c := n.children[Single]; c != nil {
			out = c.collect(t, i+1, out)
		}
	}
	return out
}

func (r *rnode) all(out []*Message) []*Message {
	if r.msg != nil {
		out = append(out, r.msg)
	}
	for _, c := range r.children {
		out = c.all(out)
	}
	return out
}

func (r *rnode) match(p Topic, i int, out []*Message) []*Message {
	if i == len(p) {
		if r.msg != nil {
			out = append(out, r.msg)
		}
		return out
	}
	switch p[i] {
	case Multi:
		return r.all(out)
	case Single:
		for _, c := range r.children {
			out = c.match(p, i+1, out)
		}
	default:
		if c := r.children[p[i]]; c != nil {
			out = c.match(p, i+1, out)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu       sync.Mutex
	root     *node
	retained *rnode
	qLen     int
}

// NewBus creates a bus whose subscriptions queue up to queueLen messages.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, retained: &rnode{}, qLen: queueLen}
}

func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range sub.topic {
		if n.children == nil {
			n.children = make(map[Token]*node)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &node{}
			n.children[tok] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)

	for _, m := range b.retained.match(sub.topic, 0, nil) {
		sub.deliver(m)
	}
}

// Publish delivers msg to every matching subscription. A retained message
// replaces the stored one; a retained nil payload clears it.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.root.collect(msg.Topic, 0, nil) {
		sub.deliver(msg)
	}
	if msg.Retained {
		b.retain(msg)
	}
}

func (b *Bus) retain(msg *Message) {
	drop := msg.Payload == nil
	r := b.retained
	path := make([]*rnode, 0, len(msg.Topic))
	for _, tok := range msg.Topic {
		child := r.children[tok]
		if child == nil {
			if drop {
				return
			}
			if r.children == nil {
				r.children = make(map[Token]*rnode)
			}
			child = &rnode{}
			r.children[tok] = child
		}
		path = append(path, r)
		r = child
	}
	if !drop {
		r.msg = msg
		return
	}
	r.msg = nil
	for i := len(msg.Topic) - 1; i >= 0; i-- {
		parent, key := path[i], msg.Topic[i]
		c := parent.children[key]
		if c.msg != nil || len(c.children) > 0 {
			break
		}
		delete(parent.children, key)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	stack := make([]*node, 0, len(sub.topic))
	for _, tok := range sub.topic {
		child := n.children[tok]
		if child == nil {
			return
		}
		stack = append(stack, n)
		n = child
	}
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	for i := len(sub.topic) - 1; i >= 0; i-- {
		parent, key := stack[i], sub.topic[i]
		child := parent.children[key]
		if len(child.subs) > 0 || len(child.children) > 0 {
			break
		}
		delete(parent.children, key)
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

// Connection groups the subscriptions of one client so they can be
// dropped together.
type Connection struct {
	bus  *Bus
	id   string
	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.bus.addSubscription(sub)
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (c *Connection) Unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		c.bus.unsubscribe(sub)
		c.mu.Lock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		close(sub.ch)
	})
}

// Disconnect drops every subscription of the connection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		c.Unsubscribe(sub)
	}
}

// -----------------------------------------------------------------------------
// Request / reply
// -----------------------------------------------------------------------------

// Request sets a unique ReplyTo on msg, subscribes to it and publishes msg.
// The caller owns the returned subscription.
func (c *Connection) Request(msg *Message) *Subscription {
	msg.ReplyTo = T("_reply", uuid.NewString())
	sub := c.Subscribe(msg.ReplyTo)
	c.Publish(msg)
	return sub
}

// RequestWait publishes msg and waits for the first reply.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)
	select {
	case m, ok := <-sub.Channel():
		if !ok {
			return nil, fmt.Errorf("bus: reply subscription for %s closed", msg.Topic)
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers req on its ReplyTo topic. It does nothing when req cannot
// be replied to.
func (c *Connection) Reply(req *Message, payload any, retained bool) {
	if !req.CanReply() {
		return
	}
	c.Publish(c.NewMessage(req.ReplyTo, payload, retained))
}
