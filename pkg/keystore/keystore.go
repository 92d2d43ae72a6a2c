// Package keystore keeps WireGuard private keys in the system keyring so
// they never have to sit in a config file.
package keystore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/irctrakz/vpnengine/pkg/logging"
	"github.com/irctrakz/vpnengine/pkg/wireguard"
)

// DefaultService is the keyring service name.
const DefaultService = "vpnengine"

// RefPrefix marks a config value as a keyring reference, e.g.
// "keyring:default".
const RefPrefix = "keyring:"

// ErrNotFound is returned when no key is stored for an account.
var ErrNotFound = errors.New("private key not found in keyring")

// Store reads and writes keys under one keyring service.
type Store struct {
	Service string
}

// New returns a store for service, or DefaultService when empty.
func New(service string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{Service: service}
}

// PrivateKey returns the base64 key stored for account.
func (s *Store) PrivateKey(account string) (string, error) {
	if account == "" {
		return "", errors.New("account cannot be empty")
	}
	key, err := keyring.Get(s.Service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("keyring get %s: %w", account, err)
	}
	return key, nil
}

// SetPrivateKey stores a base64 private key after checking it is a valid
// Curve25519 key.
func (s *Store) SetPrivateKey(account, key string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}
	if _, err := wireguard.PublicKey(key); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	if err := keyring.Set(s.Service, account, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("keyring set %s: %w", account, err)
	}
	return nil
}

// Generate creates and stores a new key for account, returning its public
// key.
func (s *Store) Generate(account string) (publicKey string, err error) {
	key, err := wireguard.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	if err := s.SetPrivateKey(account, key); err != nil {
		return "", err
	}
	pub, err := wireguard.PublicKey(key)
	if err != nil {
		return "", err
	}
	logging.WithComponent("keystore").Infof("generated key for %s (public %s)", account, pub)
	return pub, nil
}

// Delete removes the key for account. Deleting a missing key is not an
// error.
func (s *Store) Delete(account string) error {
	if err := keyring.Delete(s.Service, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", account, err)
	}
	return nil
}

// Resolve returns value unchanged unless it is a "keyring:<account>"
// reference, in which case the stored key is returned.
func (s *Store) Resolve(value string) (string, error) {
	account, ok := strings.CutPrefix(strings.TrimSpace(value), RefPrefix)
	if !ok {
		return value, nil
	}
	return s.PrivateKey(account)
}
