package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// State is the lifecycle of one relay connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of one relay connection. Status changes are
// reported per relay; one relay failing says nothing about the others.
type Status struct {
	URL       string
	State     State
	LastError error
}

var ErrConnClosed = errors.New("relay: connection closed")

// Conn is one relay connection as the transport sees it. Implementations
// must preserve delivery order for events received on the same connection;
// no ordering is guaranteed across relays.
type Conn interface {
	URL() string
	Connect(ctx context.Context)
	Publish(ev Event) error
	OnEvent(fn func(Event)) func()
	OnStateChange(fn func(Status)) func()
	Status() Status
	Close() error
}

// relay wire frames.
type relayFrame struct {
	Type  string `json:"type"` // "publish" | "subscribe" | "event"
	Event *Event `json:"event,omitempty"`
	Kinds []int  `json:"kinds,omitempty"`
}

const pendingCap = 256

// WebsocketConn is a Conn over a websocket relay. It reconnects with capped
// exponential backoff and queues outbound events while offline. The queue is
// bounded, oldest dropped first; a dropped update is recovered by the next
// edit or an initial-sync pass.
type WebsocketConn struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	state   State
	lastErr error
	ws      *websocket.Conn
	pending []Event
	evSubs  map[int]func(Event)
	stSubs  map[int]func(Status)
	nextID  int
	closed  bool
	cancel  context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewWebsocketConn(url string, logger *slog.Logger) *WebsocketConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketConn{
		url:    url,
		logger: logger.With("relay", url),
		dialer: websocket.DefaultDialer,
		evSubs: map[int]func(Event){},
		stSubs: map[int]func(Status){},
	}
}

func (c *WebsocketConn) URL() string { return c.url }

func (c *WebsocketConn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{URL: c.url, State: c.state, LastError: c.lastErr}
}

// Connect starts the connection manager. It returns immediately; state
// changes arrive via OnStateChange.
func (c *WebsocketConn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *WebsocketConn) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until closed

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, nil)
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.setState(StateError, err)
			c.logger.Warn("relay connect failed", "err", err)
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()

		c.mu.Lock()
		c.ws = ws
		queued := c.pending
		c.pending = nil
		c.mu.Unlock()

		if err := c.writeFrame(ws, relayFrame{Type: "subscribe", Kinds: []int{KindBookmark, KindDeletion}}); err != nil {
			c.dropSocket(ws, err)
			continue
		}
		flushed := true
		for _, ev := range queued {
			if err := c.writeFrame(ws, relayFrame{Type: "publish", Event: &ev}); err != nil {
				c.dropSocket(ws, err)
				flushed = false
				break
			}
		}
		if !flushed {
			continue
		}

		c.setState(StateConnected, nil)
		err = c.readLoop(ctx, ws)
		if ctx.Err() != nil {
			return
		}
		c.dropSocket(ws, err)
		c.logger.Warn("relay connection lost", "err", err)
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

func (c *WebsocketConn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var f relayFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != "event" || f.Event == nil {
			continue // unknown frames are ignored
		}
		c.mu.Lock()
		subs := make([]func(Event), 0, len(c.evSubs))
		for _, fn := range c.evSubs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(*f.Event)
		}
	}
}

// Publish sends an event, queueing it if the relay is currently down.
func (c *WebsocketConn) Publish(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	ws := c.ws
	if c.state != StateConnected || ws == nil {
		if len(c.pending) >= pendingCap {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.writeFrame(ws, relayFrame{Type: "publish", Event: &ev}); err != nil {
		c.dropSocket(ws, err)
		return err
	}
	return nil
}

func (c *WebsocketConn) OnEvent(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.evSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.evSubs, id)
		c.mu.Unlock()
	}
}

func (c *WebsocketConn) OnStateChange(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.stSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stSubs, id)
		c.mu.Unlock()
	}
}

func (c *WebsocketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
	c.wg.Wait()
	c.setState(StateDisconnected, nil)
	return nil
}

func (c *WebsocketConn) writeFrame(ws *websocket.Conn, f relayFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(f)
}

// dropSocket closes a failed socket and records the error, unless a newer
// socket already replaced it.
func (c *WebsocketConn) dropSocket(ws *websocket.Conn, err error) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	c.setState(StateError, err)
}

func (c *WebsocketConn) setState(s State, err error) {
	c.mu.Lock()
	if c.closed && s != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	status := Status{URL: c.url, State: s, LastError: c.lastErr}
	subs := make([]func(Status), 0, len(c.stSubs))
	for _, fn := range c.stSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}
