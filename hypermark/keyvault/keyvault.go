// Package keyvault stores the device identity keypair and the Ledger
// Encryption Key behind a capability-scoped interface. The sync core never
// assumes a particular storage engine; platforms plug in the OS keychain, an
// encrypted file, or the in-memory vault used by tests.
package keyvault

import "errors"

// Well-known entry names used by the sync core.
const (
	NameDeviceIdentity = "device-identity"
	NameLEK            = "ledger-encryption-key"
)

var (
	ErrNotFound = errors.New("keyvault: entry not found")
)

// Vault is the key storage contract. Implementations must return stored
// bytes unchanged and must be safe for concurrent use; the sync core treats
// the LEK and identity entries as single-writer-at-a-time.
type Vault interface {
	Store(name string, data []byte) error
	Retrieve(name string) ([]byte, error)
	Has(name string) (bool, error)
	Delete(name string) error
	ClearAll() error
}
