package priming

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pheuberger/hypermark-sub001/hypermark/ledger"
)

var (
	ErrLoadInProgress = errors.New("priming: load already in progress")
	ErrCancelled      = errors.New("priming: load cancelled")
)

// MemoryGauge reports current memory use in bytes. The default reads the Go
// heap; platforms with better signals (OS memory warnings) plug in their own.
type MemoryGauge func() uint64

func heapGauge() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Options tune a Coordinator. Zero values pick the defaults below.
type Options struct {
	// Threshold is the collection size at which background paging kicks in;
	// smaller collections load synchronously in one go.
	Threshold int
	FirstPage int
	PageSize  int
	PageDelay time.Duration

	// MemoryLimit and MemoryHighWater gate background paging: above
	// highwater*limit paging pauses, resuming once usage drops below.
	// A zero limit disables the gate.
	MemoryLimit     uint64
	MemoryHighWater float64
	Gauge           MemoryGauge

	// LatencyThreshold drives the adaptive batch: a page slower than this
	// halves the next one (floor 10); a faster page grows it ~10% back
	// toward PageSize.
	LatencyThreshold time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Threshold:        1000,
		FirstPage:        50,
		PageSize:         100,
		PageDelay:        25 * time.Millisecond,
		MemoryHighWater:  0.8,
		LatencyThreshold: 200 * time.Millisecond,
	}
}

func (o *Options) defaults() {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.FirstPage <= 0 {
		o.FirstPage = d.FirstPage
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.PageDelay <= 0 {
		o.PageDelay = d.PageDelay
	}
	if o.MemoryHighWater <= 0 || o.MemoryHighWater >= 1 {
		o.MemoryHighWater = d.MemoryHighWater
	}
	if o.Gauge == nil {
		o.Gauge = heapGauge
	}
	if o.LatencyThreshold <= 0 {
		o.LatencyThreshold = d.LatencyThreshold
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Progress is a snapshot of a load for UI display.
type Progress struct {
	Total   int
	Applied int
	Paused  bool
	Done    bool
	Err     error
}

const batchFloor = 10

// Coordinator runs one progressive load at a time.
type Coordinator struct {
	opts Options

	mu        sync.Mutex
	running   bool
	cancelled bool
	paused    bool
	total     int
	applied   int
	err       error
	done      chan struct{}
}

func NewCoordinator(opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{opts: opts}
}

// Load primes a replica with records. Below the threshold everything is
// applied synchronously and returned. At or above it, the highest-priority
// first page is applied synchronously and returned while the remainder
// streams in the background; Wait blocks until that finishes.
func (c *Coordinator) Load(ctx context.Context, records []ledger.Bookmark, apply func(ledger.Bookmark) error) ([]ledger.Bookmark, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrLoadInProgress
	}
	c.running = true
	c.cancelled = false
	c.paused = false
	c.total = len(records)
	c.applied = 0
	c.err = nil
	c.done = make(chan struct{})
	c.mu.Unlock()

	ordered := Order(records, c.opts.Clock())

	if len(ordered) < c.opts.Threshold {
		for _, b := range ordered {
			if err := apply(b); err != nil {
				c.finish(err)
				return nil, err
			}
			c.bump(1)
		}
		c.finish(nil)
		return ordered, nil
	}

	// A threshold configured below the first-page size can leave fewer
	// records than one page.
	cut := c.opts.FirstPage
	if cut > len(ordered) {
		cut = len(ordered)
	}
	first := ordered[:cut]
	for _, b := range first {
		if err := apply(b); err != nil {
			c.finish(err)
			return nil, err
		}
		c.bump(1)
	}
	rest := ordered[cut:]
	go c.background(ctx, rest, apply)
	return first, nil
}

// Wait blocks until the current load finishes, is cancelled or ctx expires.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends background paging after the current page.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts a Pause. Memory-pressure pauses lift on their own.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Cancel stops the background load. Already-applied records stay applied.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// Progress returns a snapshot of the current (or last) load.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		Total:   c.total,
		Applied: c.applied,
		Paused:  c.paused,
		Done:    !c.running,
		Err:     c.err,
	}
}

func (c *Coordinator) background(ctx context.Context, rest []ledger.Bookmark, apply func(ledger.Bookmark) error) {
	batch := c.opts.PageSize
	for len(rest) > 0 {
		if err := c.waitReady(ctx); err != nil {
			c.finish(err)
			return
		}

		n := batch
		if n > len(rest) {
			n = len(rest)
		}
		page := rest[:n]
		rest = rest[n:]

		start := time.Now()
		for _, b := range page {
			if err := apply(b); err != nil {
				c.finish(err)
				return
			}
		}
		elapsed := time.Since(start)
		c.bump(n)

		// Adapt the page size to what the device keeps up with.
		if elapsed > c.opts.LatencyThreshold {
			batch = batch / 2
			if batch < batchFloor {
				batch = batchFloor
			}
			c.opts.Logger.Debug("priming batch shrunk", "batch", batch, "elapsed", elapsed)
		} else if batch < c.opts.PageSize {
			batch += batch / 10
			if batch > c.opts.PageSize {
				batch = c.opts.PageSize
			}
			if batch < batchFloor {
				batch = batchFloor
			}
		}

		if len(rest) > 0 {
			select {
			case <-time.After(c.opts.PageDelay):
			case <-ctx.Done():
				c.finish(ctx.Err())
				return
			}
		}
	}
	c.finish(nil)
}

// waitReady blocks while the load is paused, either explicitly or by the
// memory gate.
func (c *Coordinator) waitReady(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		cancelled := c.cancelled
		paused := c.paused
		c.mu.Unlock()
		if cancelled {
			return ErrCancelled
		}
		if !paused && !c.memoryPressed() {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) memoryPressed() bool {
	if c.opts.MemoryLimit == 0 {
		return false
	}
	return float64(c.opts.Gauge()) > c.opts.MemoryHighWater*float64(c.opts.MemoryLimit)
}

func (c *Coordinator) bump(n int) {
	c.mu.Lock()
	c.applied += n
	c.mu.Unlock()
}

func (c *Coordinator) finish(err error) {
	c.mu.Lock()
	if errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}
	c.err = err
	c.running = false
	done := c.done
	c.mu.Unlock()
	if err != nil && !errors.Is(err, ErrCancelled) {
		c.opts.Logger.Warn("priming load failed", "err", err)
	}
	close(done)
}
