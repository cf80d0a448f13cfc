package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pheuberger/hypermark-sub001/hypermark/crypto"
	"github.com/pheuberger/hypermark-sub001/hypermark/ledger"
)

const (
	// DefaultDebounce coalesces rapid edits to the same bookmark into one
	// published event.
	DefaultDebounce = 300 * time.Millisecond

	defaultEventCache    = 1000
	defaultDeletionCache = 500

	applyQueue = 256
)

var ErrTransportClosed = errors.New("relay: transport closed")

// Config configures a Transport. Engine, LEK and DeviceID are required;
// everything else has defaults.
type Config struct {
	Engine   *ledger.Engine
	LEK      crypto.LEK
	DeviceID string

	// Relays are websocket URLs to connect to. Conns may carry additional
	// pre-built connections; tests use it to plug in fakes.
	Relays []string
	Conns  []Conn

	Debounce          time.Duration
	EventCacheSize    int
	DeletionCacheSize int
	Logger            *slog.Logger
}

type inbound struct {
	deletion  bool
	bookmark  ledger.Bookmark
	writer    string
	id        string // bookmark id for deletions
	deletedAt time.Time
}

// Transport replicates the ledger through relays. Outbound, it observes the
// engine and publishes local changes (debounced per bookmark; deletions go
// out immediately). Inbound, it decrypts, deduplicates and hands events to a
// single apply goroutine so relay read loops never block on the engine.
type Transport struct {
	engine   *ledger.Engine
	codec    *Codec
	deviceID string
	debounce time.Duration
	logger   *slog.Logger

	conns []Conn

	seen     *SeenCache // event ids, ours included
	seenDels *SeenCache // bookmark id + deletion timestamp

	mu        sync.Mutex
	timers    map[string]*time.Timer
	started   bool
	closed    bool
	unobserve func()

	applyCh chan inbound
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Engine == nil {
		return nil, errors.New("relay: config requires an engine")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("relay: config requires a device id")
	}
	codec, err := NewCodec(cfg.LEK, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("relay: derive transport key: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.EventCacheSize <= 0 {
		cfg.EventCacheSize = defaultEventCache
	}
	if cfg.DeletionCacheSize <= 0 {
		cfg.DeletionCacheSize = defaultDeletionCache
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conns := append([]Conn(nil), cfg.Conns...)
	for _, url := range cfg.Relays {
		conns = append(conns, NewWebsocketConn(url, logger))
	}

	return &Transport{
		engine:   cfg.Engine,
		codec:    codec,
		deviceID: cfg.DeviceID,
		debounce: cfg.Debounce,
		logger:   logger,
		conns:    conns,
		seen:     NewSeenCache(cfg.EventCacheSize),
		seenDels: NewSeenCache(cfg.DeletionCacheSize),
		timers:   map[string]*time.Timer{},
		applyCh:  make(chan inbound, applyQueue),
		done:     make(chan struct{}),
	}, nil
}

// Start connects every relay and begins replicating. Calling Start twice is
// a no-op.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	for _, c := range t.conns {
		c.OnEvent(t.handleEvent)
		c.Connect(ctx)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.applyLoop()
	}()

	t.mu.Lock()
	t.unobserve = t.engine.Observe(t.handleChange)
	t.mu.Unlock()
	return nil
}

// Statuses reports the state of every relay connection.
func (t *Transport) Statuses() []Status {
	out := make([]Status, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.Status())
	}
	return out
}

// OnStateChange registers fn with every relay connection and returns a
// single unsubscribe covering all of them.
func (t *Transport) OnStateChange(fn func(Status)) func() {
	unsubs := make([]func(), 0, len(t.conns))
	for _, c := range t.conns {
		unsubs = append(unsubs, c.OnStateChange(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close stops replication: the engine observer is removed, pending debounce
// timers are cancelled (their events are not published), relays are closed
// and the apply goroutine is stopped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	unobserve := t.unobserve
	t.unobserve = nil
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	if unobserve != nil {
		unobserve() // blocks until in-flight change delivery is done
	}
	for _, c := range t.conns {
		_ = c.Close() // after this no relay calls handleEvent
	}
	close(t.done)
	t.wg.Wait()
	return nil
}

// handleChange is the engine observer. Changes applied by this transport
// come back with Origin != OriginLocal and are not republished; that is the
// loop breaker.
func (t *Transport) handleChange(c ledger.Change) {
	if c.Origin != ledger.OriginLocal {
		return
	}
	if c.Deleted {
		t.cancelTimer(c.Bookmark.ID)
		t.publishDeletion(c.Bookmark.ID, c.Bookmark.UpdatedAt)
		return
	}
	t.scheduleFlush(c.Bookmark.ID)
}

func (t *Transport) scheduleFlush(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.timers[id]; ok {
		timer.Reset(t.debounce)
		return
	}
	t.timers[id] = time.AfterFunc(t.debounce, func() { t.flush(id) })
}

func (t *Transport) cancelTimer(id string) {
	t.mu.Lock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()
}

// flush publishes the current state of a bookmark. It reads the engine
// rather than the change that armed the timer, so coalesced edits publish
// once with the latest content.
func (t *Transport) flush(id string) {
	t.mu.Lock()
	delete(t.timers, id)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	b, err := t.engine.Get(id)
	if err != nil {
		return // deleted or gone while debouncing; the deletion path covers it
	}
	ev, err := t.codec.EncodeBookmark(b)
	if err != nil {
		t.logger.Error("encode bookmark event", "id", id, "err", err)
		return
	}
	t.publish(ev)
}

func (t *Transport) publishDeletion(id string, deletedAt time.Time) {
	ev, err := t.codec.EncodeDeletion(id, deletedAt)
	if err != nil {
		t.logger.Error("encode deletion event", "id", id, "err", err)
		return
	}
	t.seenDels.Add(deletionKey(id, deletedAt))
	t.publish(ev)
}

func (t *Transport) publish(ev Event) {
	// Remember our own id so the relay echoing it back is a cache hit, not a
	// decrypt-and-apply round trip.
	t.seen.Add(ev.ID)
	for _, c := range t.conns {
		if err := c.Publish(ev); err != nil {
			t.logger.Warn("publish failed", "relay", c.URL(), "err", err)
		}
	}
}

// handleEvent runs on a relay read loop. It does the cheap rejections inline
// (id check, dedup, decrypt) and defers the engine apply to the apply
// goroutine.
func (t *Transport) handleEvent(ev Event) {
	id, err := ComputeID(ev)
	if err != nil || id != ev.ID {
		t.logger.Debug("dropping event with bad id", "id", ev.ID)
		return
	}
	if !t.seen.Add(ev.ID) {
		return // duplicate across relays or a redelivery
	}

	var in inbound
	switch ev.Kind {
	case KindBookmark:
		b, err := t.codec.DecodeBookmark(ev)
		if err != nil {
			t.dropUndecodable(ev, err)
			return
		}
		in = inbound{bookmark: b, writer: ev.PubKey}
	case KindDeletion:
		d, err := t.codec.DecodeDeletion(ev)
		if err != nil {
			t.dropUndecodable(ev, err)
			return
		}
		if !t.seenDels.Add(deletionKey(d.BookmarkID, d.DeletedAt)) {
			return // same deletion under a different event id
		}
		in = inbound{deletion: true, id: d.BookmarkID, deletedAt: d.DeletedAt}
	default:
		return
	}

	select {
	case t.applyCh <- in:
	case <-t.done:
	}
}

func (t *Transport) dropUndecodable(ev Event, err error) {
	if errors.Is(err, ErrDecryptNoise) {
		// Not ours to read: different key epoch or transit corruption.
		t.logger.Debug("event does not decrypt, dropping", "id", ev.ID)
		return
	}
	t.logger.Warn("malformed event payload, dropping", "id", ev.ID, "err", err)
}

func (t *Transport) applyLoop() {
	for {
		select {
		case in := <-t.applyCh:
			if in.deletion {
				t.engine.ApplyRemoteDeletion(in.id, in.deletedAt, ledger.OriginTransport)
			} else {
				t.engine.ApplyRemoteSnapshot(in.bookmark, in.writer, ledger.OriginTransport)
			}
		case <-t.done:
			return
		}
	}
}

// deletionKey identifies one deletion across relays. Nanosecond precision
// matters: a delete, restore and second delete can all land within the same
// second, and the second delete must not collide with the first.
func deletionKey(id string, deletedAt time.Time) string {
	return fmt.Sprintf("%s@%d", id, deletedAt.UnixNano())
}
