package hsm

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Token drives a real token (SoftHSM or hardware) through PKCS#11.
// A single authenticated session serves metadata operations; decrypt calls
// open their own session under the same PIN so share decryption can run on
// worker goroutines, mirroring per-thread session ownership.
type PKCS11Token struct {
	ctx  *pkcs11.Ctx
	slot uint
	mode Mode

	mu      sync.Mutex
	pin     string
	session pkcs11.SessionHandle
}

// PKCS11Config locates the module and token.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	Mode       Mode
}

// NewPKCS11Token initializes the module, finds the token by label and
// opens an authenticated read-write session.
func NewPKCS11Token(cfg PKCS11Config) (*PKCS11Token, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("hsm: cannot load pkcs11 module %q", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("hsm: initializing pkcs11: %w", err)
	}
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("hsm: listing slots: %w", err)
	}
	slot, err := findSlot(ctx, slots, cfg.TokenLabel)
	if err != nil {
		return nil, err
	}
	t := &PKCS11Token{ctx: ctx, slot: slot, mode: cfg.Mode, pin: cfg.PIN}
	session, err := t.openSession()
	if err != nil {
		return nil, err
	}
	t.session = session
	return t, nil
}

func findSlot(ctx *pkcs11.Ctx, slots []uint, label string) (uint, error) {
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.TrimRight(info.Label, " \x00") == label {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("hsm: no token labelled %q", label)
}

func (t *PKCS11Token) openSession() (pkcs11.SessionHandle, error) {
	session, err := t.ctx.OpenSession(t.slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, fmt.Errorf("hsm: opening session: %w", err)
	}
	err = t.ctx.Login(session, pkcs11.CKU_USER, t.pin)
	if err != nil {
		var perr pkcs11.Error
		// A second login on the token is fine; anything else is fatal.
		if !errors.As(err, &perr) || perr != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
			t.ctx.CloseSession(session)
			if errors.As(err, &perr) && perr == pkcs11.CKR_PIN_INCORRECT {
				return 0, ErrAuthentication
			}
			return 0, fmt.Errorf("hsm: login: %w", err)
		}
	}
	return session, nil
}

func (t *PKCS11Token) sensitiveAttrs() (sensitive, extractable bool) {
	if t.mode == ModeProduction {
		return true, false
	}
	return false, true
}

func (t *PKCS11Token) findHandle(session pkcs11.SessionHandle, template []*pkcs11.Attribute) (pkcs11.ObjectHandle, bool, error) {
	if err := t.ctx.FindObjectsInit(session, template); err != nil {
		return 0, false, fmt.Errorf("hsm: find init: %w", err)
	}
	handles, _, err := t.ctx.FindObjects(session, 1)
	if ferr := t.ctx.FindObjectsFinal(session); err == nil {
		err = ferr
	}
	if err != nil {
		return 0, false, fmt.Errorf("hsm: find: %w", err)
	}
	if len(handles) == 0 {
		return 0, false, nil
	}
	return handles[0], true, nil
}

func secretTemplate(label string) []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
}

// Mode implements Token.
func (t *PKCS11Token) Mode() Mode { return t.mode }

// IdentityPublicKeyPEM implements Token.
func (t *PKCS11Token) IdentityPublicKeyPEM() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok, err := t.findHandle(t.session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, IdentityKeyLabel),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, IdentityKeyLabel)
	}
	attrs, err := t.ctx.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("hsm: reading identity key attributes: %w", err)
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("hsm: encoding identity public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecryptIdentity implements Token. Each call runs on its own session so
// workers can decrypt in parallel.
func (t *PKCS11Token) DecryptIdentity(ciphertext []byte) ([]byte, error) {
	session, err := t.openSession()
	if err != nil {
		return nil, err
	}
	defer t.ctx.CloseSession(session)

	handle, ok, err := t.findHandle(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, IdentityKeyLabel),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, IdentityKeyLabel)
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := t.ctx.DecryptInit(session, mech, handle); err != nil {
		return nil, fmt.Errorf("hsm: decrypt init: %w", err)
	}
	plaintext, err := t.ctx.Decrypt(session, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("hsm: identity decrypt: %w", err)
	}
	return plaintext, nil
}

// StoreSecret implements Token.
func (t *PKCS11Token) StoreSecret(label string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok, err := t.findHandle(t.session, secretTemplate(label)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, label)
	}
	return t.createSecret(label, value)
}

func (t *PKCS11Token) createSecret(label string, value []byte) error {
	sensitive, extractable := t.sensitiveAttrs()
	template := append(secretTemplate(label),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, value),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, sensitive),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, extractable),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
	)
	if _, err := t.ctx.CreateObject(t.session, template); err != nil {
		return fmt.Errorf("hsm: creating %s: %w", label, err)
	}
	return nil
}

// ReplaceSecret implements Token: the delete-and-recreate counter pattern.
func (t *PKCS11Token) ReplaceSecret(label string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handle, ok, err := t.findHandle(t.session, secretTemplate(label)); err != nil {
		return err
	} else if ok {
		if err := t.ctx.DestroyObject(t.session, handle); err != nil {
			return fmt.Errorf("hsm: destroying %s: %w", label, err)
		}
	}
	return t.createSecret(label, value)
}

// FindObject implements Token.
func (t *PKCS11Token) FindObject(label string) (*Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok, err := t.findHandle(t.session, secretTemplate(label))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	obj := &Object{Label: label, Sensitive: t.mode == ModeProduction}
	if !obj.Sensitive {
		attrs, err := t.ctx.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("hsm: reading %s: %w", label, err)
		}
		obj.Value = attrs[0].Value
	}
	return obj, nil
}

// ReadSecret implements Token.
func (t *PKCS11Token) ReadSecret(label string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok, err := t.findHandle(t.session, secretTemplate(label))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, label)
	}
	attrs, err := t.ctx.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		var perr pkcs11.Error
		if errors.As(err, &perr) && perr == pkcs11.CKR_ATTRIBUTE_SENSITIVE {
			return nil, fmt.Errorf("%w: %s", ErrSecurityViolation, label)
		}
		return nil, fmt.Errorf("hsm: reading %s: %w", label, err)
	}
	return attrs[0].Value, nil
}

// DeleteObject implements Token.
func (t *PKCS11Token) DeleteObject(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok, err := t.findHandle(t.session, secretTemplate(label))
	if err != nil || !ok {
		return err
	}
	if err := t.ctx.DestroyObject(t.session, handle); err != nil {
		return fmt.Errorf("hsm: destroying %s: %w", label, err)
	}
	return nil
}

// Labels implements Token.
func (t *PKCS11Token) Labels(prefix string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
	}
	if err := t.ctx.FindObjectsInit(t.session, template); err != nil {
		return nil, fmt.Errorf("hsm: find init: %w", err)
	}
	var labels []string
	for {
		handles, _, err := t.ctx.FindObjects(t.session, 32)
		if err != nil {
			t.ctx.FindObjectsFinal(t.session)
			return nil, fmt.Errorf("hsm: find: %w", err)
		}
		if len(handles) == 0 {
			break
		}
		for _, handle := range handles {
			attrs, err := t.ctx.GetAttributeValue(t.session, handle, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
			})
			if err != nil {
				continue
			}
			label := string(attrs[0].Value)
			if strings.HasPrefix(label, prefix) {
				labels = append(labels, label)
			}
		}
	}
	if err := t.ctx.FindObjectsFinal(t.session); err != nil {
		return nil, fmt.Errorf("hsm: find final: %w", err)
	}
	return labels, nil
}

// Close implements Token.
func (t *PKCS11Token) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx.Logout(t.session)
	t.ctx.CloseSession(t.session)
	t.ctx.Finalize()
	t.ctx.Destroy()
	return nil
}
