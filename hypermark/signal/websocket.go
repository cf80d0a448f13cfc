package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// frame is the websocket wire format: an envelope routed by topic.
type frame struct {
	Topic    string   `json:"topic"`
	Envelope Envelope `json:"envelope"`
}

// controlFrame tells the server which topics this socket wants to receive.
type controlFrame struct {
	Op    string `json:"op"` // "subscribe" | "unsubscribe"
	Topic string `json:"topic"`
}

// WebsocketChannel is a Channel backed by a websocket connection to a
// signaling server. The server is a dumb fan-out: it forwards every frame
// published on a topic to every socket subscribed to it.
type WebsocketChannel struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	subs   map[string]map[int]*memorySub
	nextID int

	writeMu sync.Mutex
	done    chan struct{}
}

// NewWebsocket creates a channel that will connect to the given ws:// or
// wss:// URL.
func NewWebsocket(url string) *WebsocketChannel {
	return &WebsocketChannel{
		url:    url,
		dialer: websocket.DefaultDialer,
		subs:   map[string]map[int]*memorySub{},
	}
}

func (c *WebsocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop(conn)
	return nil
}

func (c *WebsocketChannel) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // malformed frames are dropped, not fatal
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

func (c *WebsocketChannel) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
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
		// First subscriber for the topic registers it with the server.
		if err := c.send(c.conn, controlFrame{Op: "subscribe", Topic: topic}); err != nil {
			s.stop()
			delete(c.subs, topic)
			c.mu.Unlock()
			return nil, err
		}
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
			conn := c.conn
			last := len(c.subs[topic]) == 0
			if last {
				delete(c.subs, topic)
			}
			c.mu.Unlock()
			if last && conn != nil {
				_ = c.send(conn, controlFrame{Op: "unsubscribe", Topic: topic})
			}
			s.stop()
		})
	}, nil
}

func (c *WebsocketChannel) Publish(ctx context.Context, topic string, env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(conn, frame{Topic: topic, Envelope: env})
}

func (c *WebsocketChannel) send(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	var subs []*memorySub
	for _, byID := range c.subs {
		for _, s := range byID {
			subs = append(subs, s)
		}
	}
	c.subs = map[string]map[int]*memorySub{}
	done := c.done
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err := conn.Close()
		if done != nil {
			<-done
		}
		return err
	}
	return nil
}
