package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// AgeCryptor implements interfaces.Cryptor with an age X25519 identity.
// Ciphertext is base64 so it fits into exam attribute values.
type AgeCryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeCryptor parses an AGE-SECRET-KEY-1... identity
func NewAgeCryptor(privateKey string) (*AgeCryptor, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return &AgeCryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// LoadOrCreateIdentity reads the identity file, generating one with mode 0600
// when it does not exist yet
func LoadOrCreateIdentity(path string) (*AgeCryptor, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return NewAgeCryptor(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing identity file: %w", err)
	}
	c := &AgeCryptor{identity: identity, recipient: identity.Recipient()}
	log.Printf("Generated new secret identity: path=%s recipient=%s", path, c.PublicKey())

	return c, nil
}

// PublicKey returns the age1... recipient string
func (c *AgeCryptor) PublicKey() string {
	return c.recipient.String()
}

// Encrypt seals plaintext to the cryptor's own recipient
func (c *AgeCryptor) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens a base64 age ciphertext
func (c *AgeCryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), c.identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}
