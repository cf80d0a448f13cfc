package hypermark

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pheuberger/hypermark-sub001/hypermark/crypto"
	"github.com/pheuberger/hypermark-sub001/hypermark/keyvault"
	"github.com/pheuberger/hypermark-sub001/hypermark/ledger"
	"github.com/pheuberger/hypermark-sub001/hypermark/pairing"
	"github.com/pheuberger/hypermark-sub001/hypermark/relay"
	"github.com/pheuberger/hypermark-sub001/hypermark/signal"
)

var (
	ErrNotStarted = errors.New("hypermark: device not started")
	ErrNoSignal   = errors.New("hypermark: no signaling channel configured")
)

// DeviceOptions configure a Device. Vault is required; everything else is
// optional.
type DeviceOptions struct {
	Name     string
	Vault    keyvault.Vault
	Relays   []string
	Conns    []relay.Conn // pre-built relay connections, used by tests
	Signal   signal.Channel
	Logger   *slog.Logger
	Debounce time.Duration
}

// Device is the high-level composition: identity and ledger key in the
// vault, the bookmark ledger, and the relay transport replicating it. It
// intentionally stays small so applications control pairing UX and storage.
type Device struct {
	opts   DeviceOptions
	logger *slog.Logger

	mu        sync.Mutex
	id        string
	identity  crypto.KeyPair
	lek       *crypto.LEK
	engine    *ledger.Engine
	transport *relay.Transport
	started   bool
	startCh   chan struct{} // non-nil while a Start is in flight
	startErr  error
}

func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.Vault == nil {
		return nil, errors.New("hypermark: device requires a key vault")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{opts: opts, logger: logger}, nil
}

// Start loads (or creates) the device identity, builds the ledger and, if
// the vault already holds a ledger key, starts relay sync. Concurrent calls
// collapse into one: the second caller waits for the first and shares its
// result.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	if d.startCh != nil {
		ch := d.startCh
		d.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.startErr
	}
	ch := make(chan struct{})
	d.startCh = ch
	d.mu.Unlock()

	err := d.start(ctx)

	d.mu.Lock()
	d.startErr = err
	d.started = err == nil
	d.startCh = nil
	d.mu.Unlock()
	close(ch)
	return err
}

func (d *Device) start(ctx context.Context) error {
	ident, err := d.loadOrCreateIdentity()
	if err != nil {
		return err
	}
	id := hex.EncodeToString(ident.PublicKey[:])

	d.mu.Lock()
	d.identity = ident
	d.id = id
	d.engine = ledger.NewEngine(id)
	d.mu.Unlock()

	lek, ok, err := d.loadLEK()
	if err != nil {
		return err
	}
	if !ok {
		// Unpaired: the ledger works locally; sync begins after pairing.
		d.logger.Info("device started unpaired", "device", short(id))
		return nil
	}
	return d.startTransport(ctx, lek)
}

// Stop tears down sync. The device can be started again afterwards.
func (d *Device) Stop() error {
	d.mu.Lock()
	tr := d.transport
	d.transport = nil
	d.started = false
	d.mu.Unlock()
	if tr != nil {
		return tr.Close()
	}
	return nil
}

// ID returns the device id (hex of the identity public key). Empty before
// Start.
func (d *Device) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Engine returns the bookmark ledger, nil before Start.
func (d *Device) Engine() *ledger.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// Paired reports whether the device holds a ledger key.
func (d *Device) Paired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lek != nil
}

// RelayStatuses reports per-relay connection state, empty while unpaired.
func (d *Device) RelayStatuses() []relay.Status {
	d.mu.Lock()
	tr := d.transport
	d.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Statuses()
}

// PairAsInitiator begins a QR-variant ceremony with this device displaying
// the descriptor. The session is already started; the caller renders
// Descriptor(), shows Phrase() and calls ConfirmPhrase(). When the ceremony
// completes, the device adopts the resulting key and starts sync by itself.
func (d *Device) PairAsInitiator(ctx context.Context) (*pairing.Session, error) {
	cfg, err := d.pairingConfig()
	if err != nil {
		return nil, err
	}
	s, err := pairing.NewInitiator(cfg)
	if err != nil {
		return nil, err
	}
	return d.launchPairing(ctx, s)
}

// PairAsResponder joins a ceremony from a scanned descriptor.
func (d *Device) PairAsResponder(ctx context.Context, descriptor string) (*pairing.Session, error) {
	cfg, err := d.pairingConfig()
	if err != nil {
		return nil, err
	}
	s, err := pairing.NewResponder(cfg, descriptor)
	if err != nil {
		return nil, err
	}
	return d.launchPairing(ctx, s)
}

// NewPairingCode generates a pairing code, reads it out to the user and
// waits for the peer that types it.
func (d *Device) NewPairingCode(ctx context.Context) (string, *pairing.Session, error) {
	cfg, err := d.pairingConfig()
	if err != nil {
		return "", nil, err
	}
	code, err := pairing.GenerateCode()
	if err != nil {
		return "", nil, err
	}
	s, err := pairing.NewCodeInitiator(cfg, code)
	if err != nil {
		return "", nil, err
	}
	s, err = d.launchPairing(ctx, s)
	if err != nil {
		return "", nil, err
	}
	return code, s, nil
}

// PairWithCode joins a ceremony using a code read from the other device.
func (d *Device) PairWithCode(ctx context.Context, code string) (*pairing.Session, error) {
	cfg, err := d.pairingConfig()
	if err != nil {
		return nil, err
	}
	s, err := pairing.NewCodeResponder(cfg, code)
	if err != nil {
		return nil, err
	}
	return d.launchPairing(ctx, s)
}

func (d *Device) pairingConfig() (pairing.Config, error) {
	if d.opts.Signal == nil {
		return pairing.Config{}, ErrNoSignal
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.id == "" {
		return pairing.Config{}, ErrNotStarted
	}
	return pairing.Config{
		Channel:           d.opts.Signal,
		Vault:             d.opts.Vault,
		DeviceID:          d.id,
		DeviceName:        d.opts.Name,
		LEK:               d.lek,
		IdentityPublicKey: d.identity.PublicKey[:],
		Logger:            d.logger,
	}, nil
}

// launchPairing starts the session and adopts its result in the background.
func (d *Device) launchPairing(ctx context.Context, s *pairing.Session) (*pairing.Session, error) {
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	go func() {
		res, err := s.Wait(ctx)
		if err != nil {
			return // the session logged it; the UI sees StateError
		}
		if err := d.adopt(context.Background(), res.LEK); err != nil {
			d.logger.Error("adopting pairing result", "err", err)
		}
	}()
	return s, nil
}

// adopt takes a freshly agreed ledger key into use. The pairing session
// already persisted it to the vault.
func (d *Device) adopt(ctx context.Context, lek crypto.LEK) error {
	d.mu.Lock()
	if d.lek != nil && d.lek.Equal(lek) {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	d.logger.Info("device paired", "device", short(d.ID()))
	return d.startTransport(ctx, lek)
}

func (d *Device) startTransport(ctx context.Context, lek crypto.LEK) error {
	d.mu.Lock()
	if d.transport != nil {
		old := d.transport
		d.transport = nil
		d.mu.Unlock()
		_ = old.Close()
		d.mu.Lock()
	}
	engine := d.engine
	id := d.id
	d.mu.Unlock()

	tr, err := relay.NewTransport(relay.Config{
		Engine:   engine,
		LEK:      lek,
		DeviceID: id,
		Relays:   d.opts.Relays,
		Conns:    d.opts.Conns,
		Debounce: d.opts.Debounce,
		Logger:   d.logger,
	})
	if err != nil {
		return err
	}
	if err := tr.Start(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	k := lek
	d.lek = &k
	d.transport = tr
	d.mu.Unlock()
	return nil
}

// loadOrCreateIdentity reads the identity keypair from the vault, creating
// and persisting one on first run. Stored layout: private key then public
// key, 64 bytes.
func (d *Device) loadOrCreateIdentity() (crypto.KeyPair, error) {
	raw, err := d.opts.Vault.Retrieve(keyvault.NameDeviceIdentity)
	switch {
	case err == nil:
		if len(raw) != 64 {
			return crypto.KeyPair{}, fmt.Errorf("hypermark: corrupt identity entry (%d bytes)", len(raw))
		}
		var kp crypto.KeyPair
		copy(kp.PrivateKey[:], raw[:32])
		copy(kp.PublicKey[:], raw[32:])
		return kp, nil
	case errors.Is(err, keyvault.ErrNotFound):
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return crypto.KeyPair{}, err
		}
		raw := make([]byte, 0, 64)
		raw = append(raw, kp.PrivateKey[:]...)
		raw = append(raw, kp.PublicKey[:]...)
		if err := d.opts.Vault.Store(keyvault.NameDeviceIdentity, raw); err != nil {
			return crypto.KeyPair{}, err
		}
		return kp, nil
	default:
		return crypto.KeyPair{}, err
	}
}

func (d *Device) loadLEK() (crypto.LEK, bool, error) {
	raw, err := d.opts.Vault.Retrieve(keyvault.NameLEK)
	if errors.Is(err, keyvault.ErrNotFound) {
		return crypto.LEK{}, false, nil
	}
	if err != nil {
		return crypto.LEK{}, false, err
	}
	lek, err := crypto.ImportLEK(raw)
	if err != nil {
		return crypto.LEK{}, false, err
	}
	return lek, true, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
