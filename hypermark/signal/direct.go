package signal

import (
	"context"
	"encoding/json"
	"sync"

	q "github.com/quic-go/quic-go"
)

// DirectListener accepts relay-less signaling channels over QUIC. Two
// devices on the same network can run the pairing ceremony peer-to-peer:
// one listens, the other dials the address shown in the pairing descriptor.
//
// The self-signed TLS certificate only bootstraps the QUIC handshake; peer
// authenticity comes from the pairing verification phrase, exactly as it
// does when a relay sits in between.
type DirectListener struct {
	inner *q.Listener
}

func ListenDirect(addr string) (*DirectListener, error) {
	tlsConf, err := newDirectTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	return &DirectListener{inner: ln}, nil
}

func (l *DirectListener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *DirectListener) Close() error { return l.inner.Close() }

// Accept waits for a dialing device and returns the channel to it.
func (l *DirectListener) Accept(ctx context.Context) (*DirectChannel, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return newDirectChannel(conn, stream), nil
}

// DialDirect connects to a listening device.
func DialDirect(ctx context.Context, addr string) (*DirectChannel, error) {
	tlsConf, err := newDirectTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return newDirectChannel(conn, stream), nil
}

// DirectChannel is a Channel over a single bidirectional QUIC stream.
// Topics are multiplexed inside the stream as JSON frames.
type DirectChannel struct {
	conn   *q.Conn
	stream *q.Stream

	mu     sync.Mutex
	closed bool
	subs   map[string]map[int]*memorySub
	nextID int

	writeMu sync.Mutex
	enc     *json.Encoder
	done    chan struct{}
}

func newDirectChannel(conn *q.Conn, stream *q.Stream) *DirectChannel {
	c := &DirectChannel{
		conn:   conn,
		stream: stream,
		subs:   map[string]map[int]*memorySub{},
		enc:    json.NewEncoder(stream),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *DirectChannel) readLoop() {
	defer close(c.done)
	dec := json.NewDecoder(c.stream)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		c.mu.Lock()
		targets := make([]*memorySub, 0, len(c.subs[f.Topic]))
		for _, s := range c.subs[f.Topic] {
			targets = append(targets, s)
		}
		c.mu.Unlock()
		for _, s := range targets {
			select {
			case s.queue <- f.Envelope:
			case <-s.quit:
			}
		}
	}
}

// Connect is a no-op; a DirectChannel is connected on construction.
func (c *DirectChannel) Connect(ctx context.Context) error {
	return ctx.Err()
}

func (c *DirectChannel) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s := &memorySub{
		handler: h,
		queue:   make(chan Envelope, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	if c.subs[topic] == nil {
		c.subs[topic] = map[int]*memorySub{}
	}
	id := c.nextID
	c.nextID++
	c.subs[topic][id] = s
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[topic], id)
			c.mu.Unlock()
			s.stop()
		})
	}, nil
}

func (c *DirectChannel) Publish(ctx context.Context, topic string, env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(frame{Topic: topic, Envelope: env})
}

func (c *DirectChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var subs []*memorySub
	for _, byID := range c.subs {
		for _, s := range byID {
			subs = append(subs, s)
		}
	}
	c.subs = map[string]map[int]*memorySub{}
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	_ = c.stream.Close()
	err := c.conn.CloseWithError(0, "closed")
	<-c.done
	return err
}
