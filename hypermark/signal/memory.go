package signal

import (
	"context"
	"sync"
)

// Hub is an in-process signaling hub. It is useful for tests, examples and
// same-process pairing demos; every MemoryChannel attached to a hub sees
// every envelope published to a topic, including its own.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]*memorySub
	next int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]*memorySub{}}
}

// Channel returns a new endpoint attached to the hub.
func (h *Hub) Channel() *MemoryChannel {
	return &MemoryChannel{hub: h}
}

type memorySub struct {
	handler  Handler
	queue    chan Envelope
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// stop halts delivery and waits until no handler call is in flight.
func (s *memorySub) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *memorySub) run() {
	defer close(s.done)
	for {
		select {
		case env := <-s.queue:
			s.handler(env)
		case <-s.quit:
			return
		}
	}
}

func (h *Hub) publish(topic string, env Envelope) {
	h.mu.Lock()
	targets := make([]*memorySub, 0, len(h.subs[topic]))
	for _, s := range h.subs[topic] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- env:
		case <-s.quit:
		}
	}
}

func (h *Hub) subscribe(topic string, handler Handler) Unsubscribe {
	s := &memorySub{
		handler: handler,
		queue:   make(chan Envelope, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = map[int]*memorySub{}
	}
	id := h.next
	h.next++
	h.subs[topic][id] = s
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], id)
			h.mu.Unlock()
			s.stop() // no handler runs after this returns
		})
	}
}

// MemoryChannel is one endpoint of a Hub.
type MemoryChannel struct {
	hub    *Hub
	mu     sync.Mutex
	closed bool
	unsubs []Unsubscribe
}

func (c *MemoryChannel) Connect(ctx context.Context) error {
	return ctx.Err()
}

func (c *MemoryChannel) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	un := c.hub.subscribe(topic, h)
	c.unsubs = append(c.unsubs, un)
	c.mu.Unlock()
	return un, nil
}

func (c *MemoryChannel) Publish(ctx context.Context, topic string, env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.publish(topic, env)
	return nil
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, un := range unsubs {
		un()
	}
	return nil
}
