// Package secrets decrypts stored provider and staging credentials.
//
// Credentials are persisted as ASCII-armored age ciphertext. Two other forms
// are accepted: "env:NAME" references an environment variable, and bare
// plaintext is allowed only when the keyring is built with AllowPlaintext.
package secrets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

const envPrefix = "env:"

// ErrNoIdentity is returned when age ciphertext is found but no identity is loaded.
var ErrNoIdentity = errors.New("no age identity configured")

// Keyring resolves stored credentials to plaintext.
type Keyring struct {
	identities     []age.Identity
	AllowPlaintext bool
}

// NewKeyring loads X25519 identities from keyPath. An empty keyPath yields a
// keyring that can only resolve env references and, if allowed, plaintext.
func NewKeyring(keyPath string, allowPlaintext bool) (*Keyring, error) {
	k := &Keyring{AllowPlaintext: allowPlaintext}
	if strings.TrimSpace(keyPath) == "" {
		return k, nil
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseIdentities(data)
	if err != nil {
		return nil, err
	}
	k.identities = identities
	return k, nil
}

// NewKeyringFromIdentities builds a keyring from already parsed identities.
func NewKeyringFromIdentities(identities ...age.Identity) *Keyring {
	return &Keyring{identities: identities}
}

// Decrypt returns the plaintext form of a stored credential.
func (k *Keyring) Decrypt(_ context.Context, stored string) (string, error) {
	trimmed := strings.TrimSpace(stored)
	switch {
	case trimmed == "":
		return "", nil
	case strings.HasPrefix(trimmed, armor.Header):
		return k.decryptArmored(trimmed)
	case strings.HasPrefix(trimmed, envPrefix):
		name := strings.TrimPrefix(trimmed, envPrefix)
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("credential env var %s is not set", name)
		}
		return val, nil
	case k.AllowPlaintext:
		return trimmed, nil
	default:
		return "", errors.New("credential is not encrypted and plaintext is not allowed")
	}
}

func (k *Keyring) decryptArmored(ciphertext string) (string, error) {
	if len(k.identities) == 0 {
		return "", ErrNoIdentity
	}
	reader, err := age.Decrypt(armor.NewReader(strings.NewReader(ciphertext)), k.identities...)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return string(payload), nil
}

// Encrypt seals plaintext for the given age recipient and returns armored text
// suitable for storing in a configuration.
func Encrypt(recipient, plaintext string) (string, error) {
	r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
	if err != nil {
		return "", fmt.Errorf("parse age recipient: %w", err)
	}
	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	w, err := age.Encrypt(armored, r)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close age writer: %w", err)
	}
	if err := armored.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}
	return buf.String(), nil
}

func parseIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found in key file")
	}
	return identities, nil
}
