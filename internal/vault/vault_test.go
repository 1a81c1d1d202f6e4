package vault

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/forgeml/imageforge/internal/catalog"
)

// fakeKeychain is an in-memory tier 1. failing makes every call error,
// simulating a machine without a usable credential store.
type fakeKeychain struct {
	entries map[string]string
	failing bool
}

func newFakeKeychain() *fakeKeychain {
	return &fakeKeychain{entries: map[string]string{}}
}

func (f *fakeKeychain) key(service, account string) string { return service + "/" + account }

func (f *fakeKeychain) Set(service, account, value string) error {
	if f.failing {
		return errors.New("keychain unavailable")
	}
	f.entries[f.key(service, account)] = value
	return nil
}

func (f *fakeKeychain) Get(service, account string) (string, error) {
	if f.failing {
		return "", errors.New("keychain unavailable")
	}
	v, ok := f.entries[f.key(service, account)]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (f *fakeKeychain) Delete(service, account string) error {
	if f.failing {
		return errors.New("keychain unavailable")
	}
	delete(f.entries, f.key(service, account))
	return nil
}

func testKey() []byte {
	sum := sha256.Sum256([]byte("test machine key"))
	return sum[:]
}

func openVault(t *testing.T, kc Keychain) *Vault {
	t.Helper()
	c, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.sqlite"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return New("imageforge-test", c, WithKeychain(kc), WithMachineKey(testKey()))
}

func TestKeychainTierPreferred(t *testing.T) {
	kc := newFakeKeychain()
	v := openVault(t, kc)

	level, err := v.Set("piapi", "sk-123")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if level != LevelKeychain {
		t.Fatalf("write level = %q, want keychain", level)
	}
	got, level, err := v.Get("piapi")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-123" || level != LevelKeychain {
		t.Fatalf("got %q at %q", got, level)
	}
}

func TestEncryptedTierWhenKeychainUnavailable(t *testing.T) {
	kc := newFakeKeychain()
	kc.failing = true
	v := openVault(t, kc)

	level, err := v.Set("runware", "rw-secret")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if level != LevelEncrypted {
		t.Fatalf("write level = %q, want encrypted", level)
	}
	got, level, err := v.Get("runware")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "rw-secret" || level != LevelEncrypted {
		t.Fatalf("got %q at %q", got, level)
	}
}

func TestPlaintextTierWithoutMachineKey(t *testing.T) {
	kc := newFakeKeychain()
	kc.failing = true
	c, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.sqlite"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	v := New("imageforge-test", c, WithKeychain(kc), WithMachineKey(nil))

	level, err := v.Set("openai", "sk-dev")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if level != LevelPlaintext {
		t.Fatalf("write level = %q, want plaintext", level)
	}
	got, level, err := v.Get("openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-dev" || level != LevelPlaintext {
		t.Fatalf("got %q at %q", got, level)
	}
}

func TestFailedDecryptReturnsStoredValue(t *testing.T) {
	kc := newFakeKeychain()
	kc.failing = true
	c, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.sqlite"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	v := New("imageforge-test", c, WithKeychain(kc), WithMachineKey(testKey()))

	// A legacy row flagged encrypted but holding a bare value must come
	// back untouched instead of being destroyed.
	if err := c.PutSecret("imageforge-test", "removeBg", "legacy-plain-key", true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, level, err := v.Get("removeBg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "legacy-plain-key" {
		t.Fatalf("got %q, want stored value unchanged", got)
	}
	if level != LevelPlaintext {
		t.Fatalf("level = %q, want plaintext", level)
	}
}

func TestBlankWriteDeletes(t *testing.T) {
	kc := newFakeKeychain()
	v := openVault(t, kc)

	if _, err := v.Set("piapi", "sk-123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := v.Set("piapi", "   \t"); err != nil {
		t.Fatalf("blank set: %v", err)
	}
	if _, _, err := v.Get("piapi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after blank write: %v, want ErrNotFound", err)
	}
}

func TestKeychainWriteClearsRowTiers(t *testing.T) {
	kc := newFakeKeychain()
	kc.failing = true
	v := openVault(t, kc)

	if _, err := v.Set("piapi", "old-row-value"); err != nil {
		t.Fatalf("row set: %v", err)
	}
	kc.failing = false
	if level, err := v.Set("piapi", "new-keychain-value"); err != nil || level != LevelKeychain {
		t.Fatalf("keychain set: level=%q err=%v", level, err)
	}
	// Simulate the keychain entry disappearing: the stale row must not
	// resurface the old value.
	delete(kc.entries, kc.key("imageforge-test", "piapi"))
	if _, _, err := v.Get("piapi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale row survived keychain write: %v", err)
	}
}

func TestSecurityLevel(t *testing.T) {
	kc := newFakeKeychain()
	v := openVault(t, kc)

	if _, err := v.Set("piapi", "sk"); err != nil {
		t.Fatalf("set: %v", err)
	}
	level, err := v.SecurityLevel("piapi")
	if err != nil {
		t.Fatalf("securityLevel: %v", err)
	}
	if level != LevelKeychain {
		t.Fatalf("level = %q", level)
	}
	if _, err := v.SecurityLevel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing account: %v", err)
	}
}

func TestSealedFormat(t *testing.T) {
	key := testKey()
	sealed, err := encrypt(key, "hello secrets")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if parts := strings.Split(sealed, ":"); len(parts) != 3 {
		t.Fatalf("sealed form %q, want IV:AuthTag:Ciphertext", sealed)
	}
	plain, ok := decrypt(key, sealed)
	if !ok || plain != "hello secrets" {
		t.Fatalf("round trip: %q ok=%v", plain, ok)
	}

	// Two seals of the same value must differ (fresh IV each time).
	sealed2, err := encrypt(key, "hello secrets")
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if sealed == sealed2 {
		t.Fatal("IV reuse: identical sealed outputs")
	}

	// Wrong key must fail authentication, not produce garbage.
	other := sha256.Sum256([]byte("other key"))
	if _, ok := decrypt(other[:], sealed); ok {
		t.Fatal("decrypt succeeded with the wrong key")
	}
	if _, ok := decrypt(key, "not-sealed"); ok {
		t.Fatal("decrypt accepted a non-sealed value")
	}
}

func TestMachineKeyStable(t *testing.T) {
	a, b := machineKey(), machineKey()
	if a == nil {
		t.Skip("no hostname on this machine")
	}
	if len(a) != 32 {
		t.Fatalf("key length = %d", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatal("machine key not stable")
	}
}
