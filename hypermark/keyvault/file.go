package keyvault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrVaultCorrupt  = errors.New("keyvault: vault file corrupt or wrong passphrase")
	ErrEmptyPassword = errors.New("keyvault: passphrase must not be empty")
)

const (
	fileMagic    = "HMKV1"
	fileSaltSize = 16

	// argon2id parameters; interactive-login tier.
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// FileVault is a passphrase-sealed vault stored as a single file. The whole
// entry map is serialized and sealed under an argon2id-derived
// XChaCha20-Poly1305 key, so entry names leak nothing either.
//
// File layout: magic (5) || salt (16) || nonce (24) || ciphertext.
type FileVault struct {
	mu   sync.Mutex
	path string
	pass []byte
}

// OpenFile opens (or prepares to create) a file vault at path. The file is
// written on first Store.
func OpenFile(path string, passphrase []byte) (*FileVault, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassword
	}
	v := &FileVault{path: path, pass: append([]byte(nil), passphrase...)}
	// Fail fast on a wrong passphrase instead of on the first Retrieve.
	if _, err := os.Stat(path); err == nil {
		if _, err := v.load(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *FileVault) Store(name string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.load()
	if err != nil {
		return err
	}
	entries[name] = append([]byte(nil), data...)
	return v.save(entries)
}

func (v *FileVault) Retrieve(name string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.load()
	if err != nil {
		return nil, err
	}
	data, ok := entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (v *FileVault) Has(name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.load()
	if err != nil {
		return false, err
	}
	_, ok := entries[name]
	return ok, nil
}

func (v *FileVault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.load()
	if err != nil {
		return err
	}
	delete(entries, name)
	return v.save(entries)
}

func (v *FileVault) ClearAll() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := os.Remove(v.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (v *FileVault) load() (map[string][]byte, error) {
	raw, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) < len(fileMagic)+fileSaltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrVaultCorrupt
	}
	if string(raw[:len(fileMagic)]) != fileMagic {
		return nil, ErrVaultCorrupt
	}
	raw = raw[len(fileMagic):]
	salt := raw[:fileSaltSize]
	nonce := raw[fileSaltSize : fileSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := raw[fileSaltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(v.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(fileMagic))
	if err != nil {
		return nil, ErrVaultCorrupt
	}
	var entries map[string][]byte
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, ErrVaultCorrupt
	}
	return entries, nil
}

func (v *FileVault) save(entries map[string][]byte) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	salt := make([]byte, fileSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(v.deriveKey(salt))
	if err != nil {
		return err
	}
	ciphertext := aead.Seal(nil, nonce, plain, []byte(fileMagic))

	out := make([]byte, 0, len(fileMagic)+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, fileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	// Write-then-rename so a crash mid-write cannot corrupt the vault.
	tmp := fmt.Sprintf("%s.tmp", v.path)
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

func (v *FileVault) deriveKey(salt []byte) []byte {
	return argon2.IDKey(v.pass, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}
