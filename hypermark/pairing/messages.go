package pairing

// Envelope types used on the pairing topic. Every message carries the
// session id; a mismatch aborts the ceremony.
const (
	msgHello    = "pair/hello"
	msgHelloAck = "pair/hello-ack"
	msgLEK      = "pair/lek"
	msgAck      = "pair/ack"
	msgError    = "pair/error"
)

// helloMsg opens the ceremony: responder to initiator. PublicKey is the
// sender's ephemeral X25519 public key.
type helloMsg struct {
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	PublicKey  []byte `json:"public_key"`
	HasLEK     bool   `json:"has_lek"`
}

// helloAckMsg answers a hello: initiator to responder. After this exchange
// both sides know both ephemeral keys and which side holds the ledger key.
type helloAckMsg struct {
	SessionID  string `json:"session_id"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	PublicKey  []byte `json:"public_key"`
	HasLEK     bool   `json:"has_lek"`
}

// lekMsg carries the ledger key, sealed under the pairing session key with
// the session id and sender device id as associated data.
type lekMsg struct {
	SessionID string `json:"session_id"`
	Sealed    []byte `json:"sealed"`
}

// ackMsg confirms the key was imported; PublicKey is the receiver's identity
// public key so the sender can register the new device.
type ackMsg struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	PublicKey []byte `json:"public_key"`
}

// errorMsg aborts the ceremony from either side.
type errorMsg struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}
