package relay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pheuberger/hypermark-sub001/hypermark/crypto"
	"github.com/pheuberger/hypermark-sub001/hypermark/ledger"
)

func testLEK(t *testing.T) crypto.LEK {
	t.Helper()
	lek, err := crypto.GenerateLEK()
	if err != nil {
		t.Fatalf("GenerateLEK: %v", err)
	}
	return lek
}

func testCodec(t *testing.T, lek crypto.LEK, device string) *Codec {
	t.Helper()
	c, err := NewCodec(lek, device)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodecBookmarkRoundtrip(t *testing.T) {
	lek := testLEK(t)
	enc := testCodec(t, lek, "device-a")
	dec := testCodec(t, lek, "device-b")

	in := ledger.Bookmark{
		ID:        "bm-1",
		URL:       "https://example.com/article",
		Title:     "An article",
		Tags:      []string{"reading", "go"},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		UpdatedAt: time.Unix(1700000100, 0).UTC(),
	}
	ev, err := enc.EncodeBookmark(in)
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	if ev.Kind != KindBookmark {
		t.Fatalf("kind = %d, want %d", ev.Kind, KindBookmark)
	}
	if ev.PubKey != "device-a" {
		t.Fatalf("pubkey = %q", ev.PubKey)
	}
	if strings.Contains(ev.Content, in.URL) || strings.Contains(ev.Content, in.Title) {
		t.Fatal("plaintext leaked into event content")
	}

	out, err := dec.DecodeBookmark(ev)
	if err != nil {
		t.Fatalf("DecodeBookmark: %v", err)
	}
	if out.ID != in.ID || out.URL != in.URL || out.Title != in.Title {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
	if !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v, want %v", out.UpdatedAt, in.UpdatedAt)
	}
}

func TestCodecLargePayloadCompresses(t *testing.T) {
	lek := testLEK(t)
	c := testCodec(t, lek, "device-a")

	in := ledger.Bookmark{
		ID:        "bm-big",
		URL:       "https://example.com",
		Preview:   strings.Repeat("the same sentence over and over. ", 500),
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
	ev, err := c.EncodeBookmark(in)
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	out, err := c.DecodeBookmark(ev)
	if err != nil {
		t.Fatalf("DecodeBookmark: %v", err)
	}
	if out.Preview != in.Preview {
		t.Fatal("compressed payload did not roundtrip")
	}
}

func TestCodecWrongKeyIsNoise(t *testing.T) {
	enc := testCodec(t, testLEK(t), "device-a")
	dec := testCodec(t, testLEK(t), "device-b")

	ev, err := enc.EncodeBookmark(ledger.Bookmark{ID: "bm-1", URL: "https://example.com", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	if _, err := dec.DecodeBookmark(ev); !errors.Is(err, ErrDecryptNoise) {
		t.Fatalf("err = %v, want ErrDecryptNoise", err)
	}
}

func TestCodecKindBinding(t *testing.T) {
	lek := testLEK(t)
	c := testCodec(t, lek, "device-a")

	ev, err := c.EncodeDeletion("bm-1", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("EncodeDeletion: %v", err)
	}
	// A deletion ciphertext presented as a bookmark must not open.
	ev.Kind = KindBookmark
	if _, err := c.DecodeBookmark(ev); !errors.Is(err, ErrDecryptNoise) {
		t.Fatalf("err = %v, want ErrDecryptNoise", err)
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	ev := Event{PubKey: "device-a", CreatedAt: 1700000000, Kind: KindBookmark, Content: "abc"}
	a, err := ComputeID(ev)
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	b, err := ComputeID(ev)
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	if a != b {
		t.Fatal("id not deterministic")
	}
	ev.Content = "abd"
	c, err := ComputeID(ev)
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	if c == a {
		t.Fatal("different content produced the same id")
	}
}

func TestSeenCachePrunesOldestHalf(t *testing.T) {
	c := NewSeenCache(10)
	for i := 0; i < 11; i++ {
		if !c.Add(string(rune('a' + i))) {
			t.Fatalf("id %d reported as duplicate", i)
		}
	}
	// Exceeding the cap drops the oldest half.
	if c.Has("a") {
		t.Fatal("oldest entry survived the prune")
	}
	if !c.Has(string(rune('a' + 10))) {
		t.Fatal("newest entry was pruned")
	}
	if c.Add(string(rune('a' + 10))) {
		t.Fatal("retained entry reported as new")
	}
}

// fakeConn is an in-memory Conn for transport tests. Deliver pushes an event
// into the transport the way a relay read loop would.
type fakeConn struct {
	url string

	mu        sync.Mutex
	published []Event
	handlers  []func(Event)
	closed    bool
}

func newFakeConn(url string) *fakeConn { return &fakeConn{url: url} }

func (f *fakeConn) URL() string { return f.url }

func (f *fakeConn) Connect(ctx context.Context) {}

func (f *fakeConn) Status() Status { return Status{URL: f.url, State: StateConnected} }
func (f *fakeConn) OnStateChange(fn func(Status)) func() {
	return func() {}
}

func (f *fakeConn) Publish(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnClosed
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeConn) OnEvent(fn func(Event)) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.handlers = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Deliver(ev Event) {
	f.mu.Lock()
	handlers := make([]func(Event), len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (f *fakeConn) Published() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.published...)
}

func startTransport(t *testing.T, engine *ledger.Engine, lek crypto.LEK, conns ...Conn) *Transport {
	t.Helper()
	tr, err := NewTransport(Config{
		Engine:   engine,
		LEK:      lek,
		DeviceID: engine.DeviceID(),
		Conns:    conns,
		Debounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransportPublishesLocalPut(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	if _, err := engine.Put(ledger.Bookmark{ID: "bm-1", URL: "https://example.com"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, "published event", func() bool { return len(fake.Published()) == 1 })

	ev := fake.Published()[0]
	if ev.Kind != KindBookmark {
		t.Fatalf("kind = %d", ev.Kind)
	}
	dec := testCodec(t, lek, "other")
	b, err := dec.DecodeBookmark(ev)
	if err != nil {
		t.Fatalf("DecodeBookmark: %v", err)
	}
	if b.ID != "bm-1" || b.URL != "https://example.com" {
		t.Fatalf("decoded bookmark = %+v", b)
	}
}

func TestTransportCoalescesRapidEdits(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	for i := 0; i < 5; i++ {
		if _, err := engine.Put(ledger.Bookmark{ID: "bm-1", URL: "https://example.com", Title: strings.Repeat("v", i+1)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	waitFor(t, "published event", func() bool { return len(fake.Published()) >= 1 })
	time.Sleep(60 * time.Millisecond) // would catch a second publish

	pub := fake.Published()
	if len(pub) != 1 {
		t.Fatalf("published %d events, want 1", len(pub))
	}
	dec := testCodec(t, lek, "other")
	b, err := dec.DecodeBookmark(pub[0])
	if err != nil {
		t.Fatalf("DecodeBookmark: %v", err)
	}
	if b.Title != "vvvvv" {
		t.Fatalf("published title %q, want the final edit", b.Title)
	}
}

func TestTransportDeletionPublishesImmediately(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	if _, err := engine.Put(ledger.Bookmark{ID: "bm-1", URL: "https://example.com"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := engine.Delete("bm-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// The deletion is not debounced.
	waitFor(t, "deletion event", func() bool {
		for _, ev := range fake.Published() {
			if ev.Kind == KindDeletion {
				return true
			}
		}
		return false
	})
}

func TestTransportAppliesInboundOnceAcrossRelays(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	relay1 := newFakeConn("mem://relay1")
	relay2 := newFakeConn("mem://relay2")
	startTransport(t, engine, lek, relay1, relay2)

	remote := testCodec(t, lek, "device-b")
	ev, err := remote.EncodeBookmark(ledger.Bookmark{ID: "bm-r", URL: "https://remote.example", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	relay1.Deliver(ev)
	relay2.Deliver(ev)

	waitFor(t, "inbound apply", func() bool {
		_, err := engine.Get("bm-r")
		return err == nil
	})
	// The inbound change carries a transport origin, so it must not bounce
	// back out to the relays.
	time.Sleep(60 * time.Millisecond)
	if n := len(relay1.Published()) + len(relay2.Published()); n != 0 {
		t.Fatalf("inbound event was republished %d times", n)
	}
}

func TestTransportIgnoresOwnEcho(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	if _, err := engine.Put(ledger.Bookmark{ID: "bm-1", URL: "https://example.com"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, "published event", func() bool { return len(fake.Published()) == 1 })

	// Relay echoes our own event back; it must be a cache hit.
	fake.Deliver(fake.Published()[0])
	time.Sleep(60 * time.Millisecond)
	if len(fake.Published()) != 1 {
		t.Fatalf("echo triggered a republish: %d events", len(fake.Published()))
	}
}

func TestTransportDeletionReplayDoesNotUndoRestore(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	base := time.Now()
	remote := testCodec(t, lek, "device-b")
	del, err := remote.EncodeDeletion("bm-1", base)
	if err != nil {
		t.Fatalf("EncodeDeletion: %v", err)
	}
	fake.Deliver(del)
	waitFor(t, "tombstone", func() bool {
		_, err := engine.Get("bm-1")
		return errors.Is(err, ledger.ErrNotFound)
	})

	// Restore locally with a newer timestamp, then replay the old deletion.
	if _, err := engine.Put(ledger.Bookmark{ID: "bm-1", URL: "https://example.com", UpdatedAt: base.Add(time.Second)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fake.Deliver(del)
	time.Sleep(60 * time.Millisecond)
	if _, err := engine.Get("bm-1"); err != nil {
		t.Fatalf("restore was undone by a replayed deletion: %v", err)
	}
}

func TestTransportDistinguishesDeletionsWithinOneSecond(t *testing.T) {
	// Delete, restore and delete again, all inside the same wall-clock
	// second. The second deletion is a distinct operation and must not be
	// swallowed by the dedup cache.
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	remote := testCodec(t, lek, "device-b")
	base := time.Now().Truncate(time.Second).Add(100 * time.Millisecond)

	snap, err := remote.EncodeBookmark(ledger.Bookmark{ID: "bm-1", URL: "https://example.com", UpdatedAt: base})
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	fake.Deliver(snap)
	waitFor(t, "bookmark", func() bool {
		_, err := engine.Get("bm-1")
		return err == nil
	})

	del1, err := remote.EncodeDeletion("bm-1", base.Add(200*time.Millisecond))
	if err != nil {
		t.Fatalf("EncodeDeletion: %v", err)
	}
	fake.Deliver(del1)
	waitFor(t, "first tombstone", func() bool {
		_, err := engine.Get("bm-1")
		return errors.Is(err, ledger.ErrNotFound)
	})

	restore, err := remote.EncodeBookmark(ledger.Bookmark{ID: "bm-1", URL: "https://example.com", UpdatedAt: base.Add(400 * time.Millisecond)})
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	fake.Deliver(restore)
	waitFor(t, "restore", func() bool {
		_, err := engine.Get("bm-1")
		return err == nil
	})

	del2, err := remote.EncodeDeletion("bm-1", base.Add(600*time.Millisecond))
	if err != nil {
		t.Fatalf("EncodeDeletion: %v", err)
	}
	fake.Deliver(del2)
	waitFor(t, "second tombstone", func() bool {
		_, err := engine.Get("bm-1")
		return errors.Is(err, ledger.ErrNotFound)
	})
}

func TestTransportDropsNoiseEvents(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	stranger := testCodec(t, testLEK(t), "device-x")
	ev, err := stranger.EncodeBookmark(ledger.Bookmark{ID: "bm-x", URL: "https://other.example", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	fake.Deliver(ev)
	time.Sleep(60 * time.Millisecond)
	if engine.Len() != 0 {
		t.Fatal("noise event reached the ledger")
	}
}

func TestTransportCloseIdempotent(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	tr, err := NewTransport(Config{Engine: engine, LEK: lek, DeviceID: "device-a", Conns: []Conn{newFakeConn("mem://relay")}})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEventIDMismatchDropped(t *testing.T) {
	lek := testLEK(t)
	engine := ledger.NewEngine("device-a")
	fake := newFakeConn("mem://relay")
	startTransport(t, engine, lek, fake)

	remote := testCodec(t, lek, "device-b")
	ev, err := remote.EncodeBookmark(ledger.Bookmark{ID: "bm-r", URL: "https://remote.example", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("EncodeBookmark: %v", err)
	}
	ev.ID = strings.Repeat("0", 64) // forged id
	fake.Deliver(ev)
	time.Sleep(60 * time.Millisecond)
	if engine.Len() != 0 {
		t.Fatal("event with forged id was applied")
	}
}

func TestLZ4Roundtrip(t *testing.T) {
	data := bytes.Repeat([]byte("hypermark"), 1000)
	c, err := lz4Compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(c) >= len(data) {
		t.Fatalf("repetitive data did not compress: %d >= %d", len(c), len(data))
	}
	d, err := lz4Decompress(c)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(d, data) {
		t.Fatal("roundtrip mismatch")
	}
}
