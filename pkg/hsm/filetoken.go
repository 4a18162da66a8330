package hsm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// FileToken is a file-backed soft token implementing the Token facade.
// It exists so the ceremonies and tests run without a PKCS#11 module; it
// enforces the same mode policy and object semantics as a real token but
// offers no hardware protection. The token file is bound to the PIN by an
// HKDF-derived MAC, so a wrong PIN fails authentication instead of
// silently reading objects.
type FileToken struct {
	mu   sync.Mutex
	path string
	mode Mode
	key  []byte

	identity *rsa.PrivateKey
	objects  map[string]fileObject
	salt     []byte
}

type fileObject struct {
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

type tokenFile struct {
	Salt        string                `json:"kdf_salt"`
	Auth        string                `json:"auth"`
	IdentityKey string                `json:"identity_key"`
	Objects     map[string]fileObject `json:"objects"`
}

const tokenFileName = "token.json"

// NewFileToken opens or creates the soft token in dir. A new token gets a
// fresh RSA-2048 identity key.
func NewFileToken(dir, pin string, mode Mode) (*FileToken, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("hsm: creating token dir: %w", err)
	}
	t := &FileToken{
		path:    filepath.Join(dir, tokenFileName),
		mode:    mode,
		objects: make(map[string]fileObject),
	}
	data, err := os.ReadFile(t.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := t.create(pin); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("hsm: reading token file: %w", err)
	default:
		if err := t.open(pin, data); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func deriveKey(pin string, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(pin), salt, []byte("custodia soft token v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hsm: deriving token key: %w", err)
	}
	return key, nil
}

func authTag(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("auth"))
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *FileToken) create(pin string) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("hsm: sampling salt: %w", err)
	}
	key, err := deriveKey(pin, salt)
	if err != nil {
		return err
	}
	identity, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("hsm: generating identity key: %w", err)
	}
	t.salt = salt
	t.key = key
	t.identity = identity
	return t.persist()
}

func (t *FileToken) open(pin string, data []byte) error {
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("hsm: corrupt token file: %w", err)
	}
	salt, err := hex.DecodeString(f.Salt)
	if err != nil {
		return fmt.Errorf("hsm: corrupt token salt: %w", err)
	}
	key, err := deriveKey(pin, salt)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(authTag(key)), []byte(f.Auth)) {
		return ErrAuthentication
	}
	block, _ := pem.Decode([]byte(f.IdentityKey))
	if block == nil {
		return errors.New("hsm: corrupt identity key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("hsm: parsing identity key: %w", err)
	}
	identity, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return errors.New("hsm: identity key is not RSA")
	}
	t.salt = salt
	t.key = key
	t.identity = identity
	if f.Objects != nil {
		t.objects = f.Objects
	}
	return nil
}

// persist writes the token file atomically. Callers hold the mutex.
func (t *FileToken) persist() error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(t.identity)
	if err != nil {
		return fmt.Errorf("hsm: encoding identity key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	f := tokenFile{
		Salt:        hex.EncodeToString(t.salt),
		Auth:        authTag(t.key),
		IdentityKey: string(keyPEM),
		Objects:     t.objects,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("hsm: writing token file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

// Mode implements Token.
func (t *FileToken) Mode() Mode { return t.mode }

// IdentityPublicKeyPEM implements Token.
func (t *FileToken) IdentityPublicKeyPEM() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	der, err := x509.MarshalPKIXPublicKey(&t.identity.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("hsm: encoding identity public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecryptIdentity implements Token.
func (t *FileToken) DecryptIdentity(ciphertext []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	plaintext, err := rsa.DecryptPKCS1v15(nil, t.identity, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("hsm: identity decrypt: %w", err)
	}
	return plaintext, nil
}

// StoreSecret implements Token.
func (t *FileToken) StoreSecret(label string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objects[label]; ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, label)
	}
	t.objects[label] = fileObject{
		Value:     hex.EncodeToString(value),
		Sensitive: t.mode == ModeProduction,
	}
	return t.persist()
}

// ReplaceSecret implements Token.
func (t *FileToken) ReplaceSecret(label string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, label)
	t.objects[label] = fileObject{
		Value:     hex.EncodeToString(value),
		Sensitive: t.mode == ModeProduction,
	}
	return t.persist()
}

// FindObject implements Token.
func (t *FileToken) FindObject(label string) (*Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[label]
	if !ok {
		return nil, nil
	}
	out := &Object{Label: label, Sensitive: obj.Sensitive}
	if !obj.Sensitive {
		value, err := hex.DecodeString(obj.Value)
		if err != nil {
			return nil, fmt.Errorf("hsm: corrupt object %s: %w", label, err)
		}
		out.Value = value
	}
	return out, nil
}

// ReadSecret implements Token.
func (t *FileToken) ReadSecret(label string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, label)
	}
	if obj.Sensitive {
		return nil, fmt.Errorf("%w: %s", ErrSecurityViolation, label)
	}
	value, err := hex.DecodeString(obj.Value)
	if err != nil {
		return nil, fmt.Errorf("hsm: corrupt object %s: %w", label, err)
	}
	return value, nil
}

// DeleteObject implements Token.
func (t *FileToken) DeleteObject(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objects[label]; !ok {
		return nil
	}
	delete(t.objects, label)
	return t.persist()
}

// Labels implements Token.
func (t *FileToken) Labels(prefix string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for label := range t.objects {
		if strings.HasPrefix(label, prefix) {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Token.
func (t *FileToken) Close() error { return nil }
