// Package vault stores provider credentials in the strongest tier the
// machine offers: the OS keychain, then an encrypted catalog row, then a
// plaintext row as the development fallback.
package vault

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/forgeml/imageforge/internal/catalog"
)

// SecurityLevel names the tier a secret was read from or written to.
type SecurityLevel string

const (
	LevelKeychain  SecurityLevel = "keychain"
	LevelEncrypted SecurityLevel = "encrypted"
	LevelPlaintext SecurityLevel = "plaintext"
)

// ErrNotFound is returned when no tier holds the secret.
var ErrNotFound = errors.New("vault: secret not found")

// Keychain is the OS credential store surface. The zalando/go-keyring
// package provides the real one; tests substitute an in-memory fake.
type Keychain interface {
	Set(service, account, value string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

type systemKeychain struct{}

func (systemKeychain) Set(service, account, value string) error { return keyring.Set(service, account, value) }
func (systemKeychain) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}
func (systemKeychain) Delete(service, account string) error { return keyring.Delete(service, account) }

// RowStore is the catalog surface the fallback tiers persist through.
type RowStore interface {
	PutSecret(service, account, value string, encrypted bool) error
	GetSecret(service, account string) (value string, encrypted bool, err error)
	DeleteSecret(service, account string) error
}

// Vault is the tiered secret store for one service namespace.
type Vault struct {
	service  string
	keychain Keychain
	rows     RowStore
	key      []byte // nil when no machine key could be derived
}

// Option adjusts Vault construction; used by tests to substitute tiers.
type Option func(*Vault)

func WithKeychain(k Keychain) Option { return func(v *Vault) { v.keychain = k } }

func WithMachineKey(key []byte) Option { return func(v *Vault) { v.key = key } }

func New(service string, rows RowStore, opts ...Option) *Vault {
	v := &Vault{
		service:  service,
		keychain: systemKeychain{},
		rows:     rows,
		key:      machineKey(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// machineKey derives a stable 32-byte key from host identity. Secrets
// encrypted with it do not survive moving the database to another
// machine, which is the point.
func machineKey() []byte {
	host, err := os.Hostname()
	if err != nil {
		return nil
	}
	sum := sha256.Sum256([]byte("imageforge:" + host + ":" + strconv.Itoa(os.Getuid())))
	return sum[:]
}

// Set writes value to the highest available tier. An empty or
// whitespace-only value deletes the secret from every tier.
func (v *Vault) Set(account, value string) (SecurityLevel, error) {
	if strings.TrimSpace(value) == "" {
		return "", v.Delete(account)
	}
	if err := v.keychain.Set(v.service, account, value); err == nil {
		// The row tiers must not keep a stale copy underneath.
		if err := v.rows.DeleteSecret(v.service, account); err != nil {
			return "", err
		}
		return LevelKeychain, nil
	}
	if v.key != nil {
		sealed, err := encrypt(v.key, value)
		if err == nil {
			return LevelEncrypted, v.rows.PutSecret(v.service, account, sealed, true)
		}
	}
	return LevelPlaintext, v.rows.PutSecret(v.service, account, value, false)
}

// Get walks the tiers in order and reports which one answered.
func (v *Vault) Get(account string) (string, SecurityLevel, error) {
	if value, err := v.keychain.Get(v.service, account); err == nil {
		return value, LevelKeychain, nil
	}
	value, encrypted, err := v.rows.GetSecret(v.service, account)
	if catalog.IsNotFound(err) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	if !encrypted {
		return value, LevelPlaintext, nil
	}
	if v.key != nil {
		if plain, ok := decrypt(v.key, value); ok {
			return plain, LevelEncrypted, nil
		}
	}
	// Failed decrypt: the row predates encryption (or the key changed).
	// Hand back the stored string rather than destroying the credential.
	return value, LevelPlaintext, nil
}

// SecurityLevel reports the tier a read would answer from.
func (v *Vault) SecurityLevel(account string) (SecurityLevel, error) {
	_, level, err := v.Get(account)
	return level, err
}

// Delete removes the secret from every tier. Missing entries are fine.
func (v *Vault) Delete(account string) error {
	if err := v.keychain.Delete(v.service, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		// Keychain backends disagree on their not-found error; a failed
		// delete of an absent entry is not worth failing the caller for.
		if _, getErr := v.keychain.Get(v.service, account); getErr == nil {
			return fmt.Errorf("vault: delete keychain entry: %w", err)
		}
	}
	return v.rows.DeleteSecret(v.service, account)
}
