package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Put after the terminal event and by Take once
// a closed channel has been fully drained.
var ErrChannelClosed = errors.New("event channel closed")

// EventKind names a stream event. It doubles as the SSE event name.
type EventKind string

const (
	KindStatus   EventKind = "status"
	KindThink    EventKind = "think"
	KindTool     EventKind = "tool"
	KindAct      EventKind = "act"
	KindRun      EventKind = "run"
	KindLog      EventKind = "log"
	KindResult   EventKind = "result"
	KindError    EventKind = "error"
	KindComplete EventKind = "complete"
)

// Terminal reports whether the kind ends a task's stream.
func (k EventKind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// StreamEvent is one entry of a task's event log. Payload is immutable once put.
type StreamEvent struct {
	Kind    EventKind
	Payload any
}

// Channel is an ordered, unbounded, append-only event log for one task.
// Writers never block. Each Subscriber reads the full log from the beginning
// at its own pace, so several viewers can follow the same task.
type Channel struct {
	mu     sync.Mutex
	events []StreamEvent
	closed bool
	notify chan struct{}
}

// NewChannel returns an open, empty channel.
func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{})}
}

// Put appends ev. A terminal event closes the channel; anything put after
// that is dropped with ErrChannelClosed.
func (c *Channel) Put(ev StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.events = append(c.events, ev)
	if ev.Kind.Terminal() {
		c.closed = true
	}
	c.wakeLocked()
	return nil
}

// Close marks the channel finished without a terminal event. Subscribers
// still drain what was already put.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wakeLocked()
}

func (c *Channel) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Events returns a copy of the log.
func (c *Channel) Events() []StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StreamEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Subscribe returns a reader positioned at the first event.
func (c *Channel) Subscribe() *Subscriber {
	return &Subscriber{ch: c}
}

// Subscriber is a cursor over a Channel. It must not be shared between goroutines.
type Subscriber struct {
	ch   *Channel
	next int
}

// Take returns the next event, waiting until one is put. It returns
// ErrChannelClosed when the channel is closed and nothing is left, or the
// context error if ctx ends first.
func (s *Subscriber) Take(ctx context.Context) (StreamEvent, error) {
	for {
		s.ch.mu.Lock()
		if s.next < len(s.ch.events) {
			ev := s.ch.events[s.next]
			s.next++
			s.ch.mu.Unlock()
			return ev, nil
		}
		if s.ch.closed {
			s.ch.mu.Unlock()
			return StreamEvent{}, ErrChannelClosed
		}
		wait := s.ch.notify
		s.ch.mu.Unlock()

		select {
		case <-ctx.Done():
			return StreamEvent{}, ctx.Err()
		case <-wait:
		}
	}
}
