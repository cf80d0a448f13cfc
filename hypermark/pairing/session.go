// Package pairing runs the ceremony that introduces a new device to a
// bookmark collection. Two devices meet on an untrusted signaling topic,
// agree on an ephemeral session key via X25519, verify it out of band (a
// 3-word phrase for the QR variant, a shared short code for the code
// variant) and transfer the ledger key sealed under the session key. The
// signaling service never sees anything it could use.
package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pheuberger/hypermark-sub001/hypermark/crypto"
	"github.com/pheuberger/hypermark-sub001/hypermark/keyvault"
	"github.com/pheuberger/hypermark-sub001/hypermark/signal"
)

var (
	ErrTimeout         = errors.New("pairing: timed out waiting for peer")
	ErrCancelled       = errors.New("pairing: cancelled")
	ErrSessionMismatch = errors.New("pairing: session id mismatch")
	ErrProtocol        = errors.New("pairing: protocol violation")
	ErrPeerAbort       = errors.New("pairing: aborted by peer")
	ErrBothHoldKey     = errors.New("pairing: both devices already hold a ledger key")
	ErrKeyMismatch     = errors.New("pairing: peer key does not match scanned descriptor")
	ErrNotVerifying    = errors.New("pairing: no phrase to confirm in this state")
	ErrNoPhrase        = errors.New("pairing: phrase not available before key agreement")
)

type role int

const (
	roleInitiator role = iota
	roleResponder
)

// Config configures one pairing session. Channel, Vault and DeviceID are
// required.
type Config struct {
	Channel    signal.Channel
	Vault      keyvault.Vault
	DeviceID   string
	DeviceName string

	// LEK is the ledger key this device already holds, nil on a fresh
	// device. Exactly one side of a ceremony may hold one; if neither does,
	// the initiator generates it.
	LEK *crypto.LEK

	// IdentityPublicKey, when set, is sent in the final acknowledgement so
	// the key holder can register the new device.
	IdentityPublicKey []byte

	TTL    time.Duration
	Logger *slog.Logger
	Clock  func() time.Time
}

func (c *Config) validate() error {
	if c.Channel == nil {
		return errors.New("pairing: config requires a signaling channel")
	}
	if c.Vault == nil {
		return errors.New("pairing: config requires a key vault")
	}
	if c.DeviceID == "" {
		return errors.New("pairing: config requires a device id")
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Result is what a completed ceremony yields. Both sides end up with the
// same LEK; PeerPublicKey is the key the peer registered (identity key if it
// sent one, its ephemeral key otherwise).
type Result struct {
	LEK           crypto.LEK
	PeerDeviceID  string
	PeerName      string
	PeerPublicKey []byte
}

// Session is one pairing ceremony, initiator or responder side. A Session is
// single-use: construct, Start (or Run), then discard.
type Session struct {
	cfg  Config
	role role

	mu           sync.Mutex
	state        State
	err          error
	started      bool
	sessionID    string
	topic        string
	descriptor   string // initiator QR payload
	eph          crypto.KeyPair
	expectedPeer *[32]byte // responder: key from the scanned descriptor
	peerPub      [32]byte
	sessionKey   *crypto.AEAD
	phrase       []string
	psk          *crypto.AEAD // code variant only
	autoConfirm  bool
	confirmed    bool
	sender       bool // this side transfers the LEK
	peerID       string
	peerName     string
	lek          crypto.LEK
	pendingLEK   *lekMsg
	result       Result
	unsub        signal.Unsubscribe
	timer        *time.Timer
	ctx          context.Context

	doneCh chan struct{}
}

func newSession(cfg Config, r role) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:    cfg,
		role:   r,
		eph:    eph,
		state:  StateInitial,
		doneCh: make(chan struct{}),
	}, nil
}

// NewInitiator creates the displaying side of the QR variant. The encoded
// descriptor is available via Descriptor() immediately.
func NewInitiator(cfg Config) (*Session, error) {
	s, err := newSession(cfg, roleInitiator)
	if err != nil {
		return nil, err
	}
	s.state = StateGenerating
	sid, err := crypto.RandomID()
	if err != nil {
		return nil, err
	}
	s.sessionID = sid
	d := Descriptor{
		SessionID: sid,
		PublicKey: s.eph.PublicKey[:],
		ExpiresAt: s.cfg.Clock().Add(s.cfg.TTL),
	}
	if s.descriptor, err = d.Encode(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewResponder creates the scanning side of the QR variant from an encoded
// descriptor.
func NewResponder(cfg Config, encoded string) (*Session, error) {
	s, err := newSession(cfg, roleResponder)
	if err != nil {
		return nil, err
	}
	s.state = StateScanning
	d, err := DecodeDescriptor(encoded, s.cfg.Clock())
	if err != nil {
		return nil, err
	}
	s.sessionID = d.SessionID
	var pub [32]byte
	copy(pub[:], d.PublicKey)
	s.expectedPeer = &pub
	return s, nil
}

// NewCodeInitiator creates the waiting side of the code variant: the device
// that generated (and reads out) the code. The manual transcription of the
// code is the out-of-band check, so there is no phrase confirmation step;
// every message on the topic is sealed under the code-derived key.
func NewCodeInitiator(cfg Config, code string) (*Session, error) {
	s, err := newSession(cfg, roleInitiator)
	if err != nil {
		return nil, err
	}
	room, psk, err := parseCode(code)
	if err != nil {
		return nil, err
	}
	s.state = StateGenerating
	s.sessionID = room
	s.psk = psk
	s.autoConfirm = true
	return s, nil
}

// NewCodeResponder creates the side that typed in the code.
func NewCodeResponder(cfg Config, code string) (*Session, error) {
	s, err := newSession(cfg, roleResponder)
	if err != nil {
		return nil, err
	}
	room, psk, err := parseCode(code)
	if err != nil {
		return nil, err
	}
	s.state = StateScanning
	s.sessionID = room
	s.psk = psk
	s.autoConfirm = true
	return s, nil
}

// Descriptor returns the encoded pairing offer (initiator, QR variant only).
func (s *Session) Descriptor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor
}

// SessionID returns the ceremony's session id.
func (s *Session) SessionID() string { return s.sessionID }

// State returns the current ceremony state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, nil unless State is StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Phrase returns the verification phrase once key agreement has happened.
func (s *Session) Phrase() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phrase == nil {
		return nil, ErrNoPhrase
	}
	return append([]string(nil), s.phrase...), nil
}

// Start connects the signaling channel and begins the ceremony. It returns
// once the session is underway; completion is observed via Wait.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.state.Terminal() {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.ctx = ctx
	s.topic = "pair/" + s.sessionID
	ttl := s.cfg.TTL
	s.mu.Unlock()

	if err := s.cfg.Channel.Connect(ctx); err != nil {
		s.fail(fmt.Errorf("pairing: signaling connect: %w", err), false)
		return err
	}
	unsub, err := s.cfg.Channel.Subscribe(s.topic, s.handle)
	if err != nil {
		s.fail(fmt.Errorf("pairing: signaling subscribe: %w", err), false)
		return err
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		go unsub()
		return s.Err()
	}
	s.unsub = unsub
	// The expiry timer covers only the waiting phases; once the peer shows
	// up the ceremony runs to completion or explicit failure.
	s.timer = time.AfterFunc(ttl, s.onTimeout)
	var hello *helloMsg
	if s.role == roleResponder {
		hello = &helloMsg{
			SessionID:  s.sessionID,
			DeviceID:   s.cfg.DeviceID,
			DeviceName: s.cfg.DeviceName,
			PublicKey:  s.eph.PublicKey[:],
			HasLEK:     s.cfg.LEK != nil,
		}
	}
	s.state = StateWaitingForPeer
	s.mu.Unlock()

	if hello != nil {
		if err := s.send(msgHello, *hello); err != nil {
			s.fail(err, false)
			return err
		}
	}
	return nil
}

// Wait blocks until the ceremony reaches a terminal state or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateComplete {
		return s.result, nil
	}
	return Result{}, s.err
}

// Run is Start followed by Wait.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if err := s.Start(ctx); err != nil {
		return Result{}, err
	}
	return s.Wait(ctx)
}

// ConfirmPhrase records that the user compared the phrases and they match.
// Only valid in StateVerifying. The code variant confirms automatically.
func (s *Session) ConfirmPhrase() error { return s.confirm() }

// Cancel aborts the ceremony. Safe to call any number of times, including
// after completion (then a no-op).
func (s *Session) Cancel() {
	s.fail(ErrCancelled, true)
}

func (s *Session) onTimeout() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateGenerating || st == StateWaitingForPeer {
		s.fail(ErrTimeout, true)
	}
}

// handle dispatches one signaling envelope. Messages from this device (the
// topic is shared) and stale messages after a terminal state are dropped.
func (s *Session) handle(env signal.Envelope) {
	if env.From == s.cfg.DeviceID {
		return
	}
	body, err := s.openEnvelope(env.Type, env.Payload)
	if err != nil {
		s.fail(err, false)
		return
	}
	switch env.Type {
	case msgHello:
		s.onHello(body)
	case msgHelloAck:
		s.onHelloAck(body)
	case msgLEK:
		var m lekMsg
		if err := json.Unmarshal(body, &m); err != nil {
			s.fail(fmt.Errorf("%w: bad key transfer message", ErrProtocol), true)
			return
		}
		s.onLEK(m)
	case msgAck:
		s.onAck(body)
	case msgError:
		var m errorMsg
		if json.Unmarshal(body, &m) == nil && m.SessionID == s.sessionID {
			s.fail(fmt.Errorf("%w: %s", ErrPeerAbort, m.Reason), false)
		}
	default:
		s.fail(fmt.Errorf("%w: unknown message type %q", ErrProtocol, env.Type), true)
	}
}

func (s *Session) onHello(body []byte) {
	var m helloMsg
	if err := json.Unmarshal(body, &m); err != nil {
		s.fail(fmt.Errorf("%w: bad hello", ErrProtocol), true)
		return
	}
	s.mu.Lock()
	if s.role != roleInitiator || s.state != StateWaitingForPeer {
		s.mu.Unlock()
		return
	}
	if m.SessionID != s.sessionID {
		s.mu.Unlock()
		s.fail(ErrSessionMismatch, true)
		return
	}
	ack, err := s.acceptPeerLocked(m.PublicKey, m.DeviceID, m.DeviceName, m.HasLEK)
	auto := s.autoConfirm
	s.mu.Unlock()
	if err != nil {
		s.fail(err, true)
		return
	}
	if err := s.send(msgHelloAck, ack); err != nil {
		s.fail(err, false)
		return
	}
	if auto {
		_ = s.confirm()
	}
}

func (s *Session) onHelloAck(body []byte) {
	var m helloAckMsg
	if err := json.Unmarshal(body, &m); err != nil {
		s.fail(fmt.Errorf("%w: bad hello ack", ErrProtocol), true)
		return
	}
	s.mu.Lock()
	if s.role != roleResponder || s.state != StateWaitingForPeer {
		s.mu.Unlock()
		return
	}
	if m.SessionID != s.sessionID {
		s.mu.Unlock()
		s.fail(ErrSessionMismatch, true)
		return
	}
	_, err := s.acceptPeerLocked(m.PublicKey, m.DeviceID, m.DeviceName, m.HasLEK)
	auto := s.autoConfirm
	s.mu.Unlock()
	if err != nil {
		s.fail(err, true)
		return
	}
	if auto {
		_ = s.confirm()
	}
}

// acceptPeerLocked runs key agreement once the peer's ephemeral key is
// known: ECDH, session key, phrase, LEK direction. Caller holds s.mu.
func (s *Session) acceptPeerLocked(peerKey []byte, peerID, peerName string, peerHasLEK bool) (helloAckMsg, error) {
	if len(peerKey) != 32 {
		return helloAckMsg{}, fmt.Errorf("%w: peer key must be 32 bytes", ErrProtocol)
	}
	var pub [32]byte
	copy(pub[:], peerKey)
	if s.expectedPeer != nil && pub != *s.expectedPeer {
		return helloAckMsg{}, ErrKeyMismatch
	}

	shared, err := crypto.ECDH(s.eph.PrivateKey, pub)
	if err != nil {
		return helloAckMsg{}, err
	}
	defer wipe(shared)
	key, err := crypto.DeriveSessionKey(shared, s.sessionID)
	if err != nil {
		return helloAckMsg{}, err
	}
	phrase, err := phraseFromShared(shared, s.sessionID)
	if err != nil {
		return helloAckMsg{}, err
	}

	iHave := s.cfg.LEK != nil
	if iHave && peerHasLEK {
		return helloAckMsg{}, ErrBothHoldKey
	}
	if s.role == roleInitiator {
		// The initiator sends when it holds the key, and also when neither
		// side does: it then creates the collection's key.
		s.sender = iHave || !peerHasLEK
	} else {
		s.sender = iHave
	}

	s.peerPub = pub
	s.sessionKey = key
	s.phrase = phrase
	s.peerID = peerID
	s.peerName = peerName
	s.stopTimerLocked()
	s.state = StateVerifying

	return helloAckMsg{
		SessionID:  s.sessionID,
		DeviceID:   s.cfg.DeviceID,
		DeviceName: s.cfg.DeviceName,
		PublicKey:  s.eph.PublicKey[:],
		HasLEK:     iHave,
	}, nil
}

func (s *Session) confirm() error {
	s.mu.Lock()
	if s.state != StateVerifying {
		s.mu.Unlock()
		return ErrNotVerifying
	}
	if s.confirmed {
		s.mu.Unlock()
		return nil
	}
	s.confirmed = true

	if !s.sender {
		pending := s.pendingLEK
		s.pendingLEK = nil
		s.state = StateTransferring
		s.mu.Unlock()
		if pending != nil {
			s.onLEK(*pending)
		}
		return nil
	}

	var lek crypto.LEK
	fresh := false
	if s.cfg.LEK != nil {
		lek = *s.cfg.LEK
	} else {
		var err error
		if lek, err = crypto.GenerateLEK(); err != nil {
			s.mu.Unlock()
			s.fail(err, true)
			return err
		}
		fresh = true
	}
	raw := lek.Bytes()
	sealed, err := s.sessionKey.Seal(raw, []byte(s.sessionID+":"+s.cfg.DeviceID))
	wipe(raw)
	if err != nil {
		s.mu.Unlock()
		s.fail(err, true)
		return err
	}
	s.lek = lek
	s.state = StateTransferring
	msg := lekMsg{SessionID: s.sessionID, Sealed: sealed}
	s.mu.Unlock()

	if fresh {
		if err := s.cfg.Vault.Store(keyvault.NameLEK, lek.Bytes()); err != nil {
			s.fail(fmt.Errorf("pairing: persist ledger key: %w", err), true)
			return err
		}
	}
	if err := s.send(msgLEK, msg); err != nil {
		s.fail(err, false)
		return err
	}
	return nil
}

func (s *Session) onLEK(m lekMsg) {
	s.mu.Lock()
	if m.SessionID != s.sessionID {
		s.mu.Unlock()
		s.fail(ErrSessionMismatch, true)
		return
	}
	if s.sender {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: unexpected key transfer", ErrProtocol), true)
		return
	}
	if !s.confirmed {
		// Peer confirmed before we did; hold the key until our side does.
		if s.state == StateVerifying {
			s.pendingLEK = &m
		}
		s.mu.Unlock()
		return
	}
	if s.state != StateTransferring {
		s.mu.Unlock()
		return
	}
	s.state = StateImporting
	raw, err := s.sessionKey.Open(m.Sealed, []byte(s.sessionID+":"+s.peerID))
	if err != nil {
		s.mu.Unlock()
		s.fail(fmt.Errorf("pairing: open key transfer: %w", err), true)
		return
	}
	lek, err := crypto.ImportLEK(raw)
	wipe(raw)
	if err != nil {
		s.mu.Unlock()
		s.fail(err, true)
		return
	}
	s.lek = lek
	ack := ackMsg{
		SessionID: s.sessionID,
		DeviceID:  s.cfg.DeviceID,
		PublicKey: s.identityKey(),
	}
	res := Result{
		LEK:           lek,
		PeerDeviceID:  s.peerID,
		PeerName:      s.peerName,
		PeerPublicKey: append([]byte(nil), s.peerPub[:]...),
	}
	s.mu.Unlock()

	if err := s.cfg.Vault.Store(keyvault.NameLEK, lek.Bytes()); err != nil {
		s.fail(fmt.Errorf("pairing: persist ledger key: %w", err), true)
		return
	}
	if err := s.send(msgAck, ack); err != nil {
		s.fail(err, false)
		return
	}
	s.complete(res)
}

func (s *Session) onAck(body []byte) {
	var m ackMsg
	if err := json.Unmarshal(body, &m); err != nil {
		s.fail(fmt.Errorf("%w: bad ack", ErrProtocol), true)
		return
	}
	s.mu.Lock()
	if !s.sender || s.state != StateTransferring {
		s.mu.Unlock()
		return
	}
	if m.SessionID != s.sessionID {
		s.mu.Unlock()
		s.fail(ErrSessionMismatch, true)
		return
	}
	peerKey := m.PublicKey
	if len(peerKey) == 0 {
		peerKey = append([]byte(nil), s.peerPub[:]...)
	}
	res := Result{
		LEK:           s.lek,
		PeerDeviceID:  s.peerID,
		PeerName:      s.peerName,
		PeerPublicKey: peerKey,
	}
	s.mu.Unlock()
	s.complete(res)
}

func (s *Session) identityKey() []byte {
	if len(s.cfg.IdentityPublicKey) > 0 {
		return append([]byte(nil), s.cfg.IdentityPublicKey...)
	}
	return append([]byte(nil), s.eph.PublicKey[:]...)
}

func (s *Session) complete(res Result) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateComplete
	s.result = res
	unsub := s.teardownLocked()
	s.mu.Unlock()
	if unsub != nil {
		// Unsubscribe blocks until in-flight delivery finishes; complete may
		// itself run inside a delivery, so detach.
		go unsub()
	}
}

func (s *Session) fail(err error, notifyPeer bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.err = err
	unsub := s.teardownLocked()
	s.mu.Unlock()

	s.cfg.Logger.Warn("pairing failed", "session", s.sessionID, "err", err)
	if notifyPeer {
		_ = s.send(msgError, errorMsg{SessionID: s.sessionID, Reason: err.Error()})
	}
	if unsub != nil {
		go unsub()
	}
}

// teardownLocked stops the timer, wipes ephemeral secrets and closes the
// done channel. Caller holds s.mu and dispatches the returned unsubscribe
// outside the lock.
func (s *Session) teardownLocked() signal.Unsubscribe {
	s.stopTimerLocked()
	s.eph.Zero()
	s.pendingLEK = nil
	unsub := s.unsub
	s.unsub = nil
	close(s.doneCh)
	return unsub
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) send(typ string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload, err := s.sealEnvelope(typ, body)
	if err != nil {
		return err
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return s.cfg.Channel.Publish(ctx, s.topic, signal.Envelope{
		Type:    typ,
		From:    s.cfg.DeviceID,
		Payload: payload,
	})
}

// sealEnvelope wraps a message body for the wire. The code variant seals it
// under the code-derived key, bound to the message type.
func (s *Session) sealEnvelope(typ string, body []byte) (json.RawMessage, error) {
	if s.psk == nil {
		return body, nil
	}
	ct, err := s.psk.Seal(body, []byte(typ))
	if err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(ct))
}

func (s *Session) openEnvelope(typ string, payload json.RawMessage) ([]byte, error) {
	if s.psk == nil {
		return payload, nil
	}
	var b64 string
	if err := json.Unmarshal(payload, &b64); err != nil {
		return nil, fmt.Errorf("%w: unsealed message on sealed session", ErrProtocol)
	}
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sealed message encoding", ErrProtocol)
	}
	body, err := s.psk.Open(ct, []byte(typ))
	if err != nil {
		// Wrong code on one side, or a tampering relay.
		return nil, fmt.Errorf("%w: cannot open sealed message", ErrProtocol)
	}
	return body, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
