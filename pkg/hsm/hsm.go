// Package hsm provides the hardware-token facade the custody node stores
// its long-lived secrets in: the RSA identity key, DKG shares, and the
// nonce-derivation state (master seed, monotonic counter, audit records).
//
// Two backends implement the facade: a PKCS#11 token for real deployments
// and a file-backed soft token for tests and demos. Object lookups return
// explicit absence instead of errors so the nonce-reuse guard never
// confuses "not found" with a device failure.
package hsm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Mode selects the SENSITIVE/EXTRACTABLE policy for stored secrets.
type Mode string

const (
	// ModeProduction stores secrets sensitive and non-extractable. Signing
	// paths that need the raw share refuse to run.
	ModeProduction Mode = "production"

	// ModeDemo stores secrets extractable so the external-share signing
	// path can run against a soft token.
	ModeDemo Mode = "demo"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProduction, ModeDemo:
		return Mode(s), nil
	case "":
		return ModeProduction, nil
	}
	return "", fmt.Errorf("hsm: unknown mode %q", s)
}

var (
	// ErrSecurityViolation is returned when production mode is asked to
	// perform an operation requiring secret extraction.
	ErrSecurityViolation = errors.New("hsm: operation requires extractable secrets")

	// ErrObjectExists is returned when storing over an existing label that
	// must not be overwritten.
	ErrObjectExists = errors.New("hsm: object already exists")

	// ErrObjectNotFound is returned by read operations on absent labels.
	// FindObject reports absence as (nil, nil) instead.
	ErrObjectNotFound = errors.New("hsm: object not found")

	// ErrAuthentication is returned when the PIN is rejected.
	ErrAuthentication = errors.New("hsm: authentication failed")
)

// Object is a stored secret's metadata. Value is nil when the object is
// sensitive and the token will not release it.
type Object struct {
	Label     string
	Value     []byte
	Sensitive bool
}

// Token is the facade over a hardware or soft token. Implementations are
// safe for concurrent use; worker goroutines may call Decrypt and read
// operations in parallel.
type Token interface {
	// Mode reports the SENSITIVE/EXTRACTABLE policy in force.
	Mode() Mode

	// IdentityPublicKeyPEM exports the RSA identity public key.
	IdentityPublicKeyPEM() ([]byte, error)

	// DecryptIdentity decrypts an RSA PKCS#1 v1.5 ciphertext with the
	// identity private key. The key never leaves the token.
	DecryptIdentity(ciphertext []byte) ([]byte, error)

	// StoreSecret creates a named secret. It fails with ErrObjectExists
	// when the label is taken.
	StoreSecret(label string, value []byte) error

	// ReplaceSecret deletes any existing object under the label and
	// creates a new one. This is the delete-and-recreate pattern used for
	// the counter on simulated tokens.
	ReplaceSecret(label string, value []byte) error

	// FindObject returns the object under a label, or (nil, nil) when
	// absent. In production mode the Value field is nil.
	FindObject(label string) (*Object, error)

	// ReadSecret returns a secret's value. Sensitive objects fail with
	// ErrSecurityViolation; absent labels with ErrObjectNotFound.
	ReadSecret(label string) ([]byte, error)

	// DeleteObject removes the object under a label if present.
	DeleteObject(label string) error

	// Labels lists stored labels with the given prefix.
	Labels(prefix string) ([]string, error)

	// Close releases sessions and device handles.
	Close() error
}

// EncryptForRecipient encrypts a DKG share for another node under its
// posted RSA identity key, using PKCS#1 v1.5 to match the board's share
// ciphertext format.
func EncryptForRecipient(pubKeyPEM, plaintext []byte) ([]byte, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, errors.New("hsm: recipient key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("hsm: parsing recipient key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("hsm: recipient key is not RSA")
	}
	return rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
}
