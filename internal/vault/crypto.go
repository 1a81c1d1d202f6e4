package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Sealed values are stored as IV:AuthTag:Ciphertext, each component
// base64. The tag travels separately from the ciphertext so the stored
// form is self-describing; Go's GCM wants them rejoined to open.

const gcmTagSize = 16

func encrypt(key []byte, plain string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(plain), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	enc := base64.StdEncoding.EncodeToString
	return fmt.Sprintf("%s:%s:%s", enc(iv), enc(tag), enc(ct)), nil
}

// decrypt opens a sealed value. ok is false when the input is not in the
// sealed format or fails authentication; callers treat that as "this was
// never encrypted" and keep the input.
func decrypt(key []byte, stored string) (string, bool) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return "", false
	}
	dec := base64.StdEncoding.DecodeString
	iv, err := dec(parts[0])
	if err != nil {
		return "", false
	}
	tag, err := dec(parts[1])
	if err != nil || len(tag) != gcmTagSize {
		return "", false
	}
	ct, err := dec(parts[2])
	if err != nil {
		return "", false
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil || len(iv) != gcm.NonceSize() {
		return "", false
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}
