package hsm

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
)

var (
	// ErrDerivationZero is returned when the derived nonce reduces to
	// zero, which is statistically impossible.
	ErrDerivationZero = errors.New("hsm: derived nonce is zero")

	// ErrNotInitialized is returned when derivation runs before the master
	// seed exists.
	ErrNotInitialized = errors.New("hsm: nonce derivation not initialized")

	// ErrDerivationMismatch is returned when a re-derived nonce does not
	// reproduce the recorded commitment.
	ErrDerivationMismatch = errors.New("hsm: re-derived nonce does not match audit record")
)

// Derivation is the result of one counter-anchored nonce derivation. K is
// secret; callers must zero it when done.
type Derivation struct {
	Counter        uint64
	K              *curve.Scalar
	RHex           string
	RequestID      string
	MessageHashHex string
}

// Record is the persistent audit record stored per counter increment.
type Record struct {
	Counter        uint64 `json:"counter"`
	RequestID      string `json:"request_id"`
	RHex           string `json:"R_hex"`
	MessageHashHex string `json:"message_hash_hex"`
}

// Deriver produces deterministic per-signing nonces anchored in the
// token: a 32-byte master seed and a strictly monotone 64-bit counter.
// The counter advances before any derivation output exists, so a restored
// or replayed token can never produce a duplicate (counter, request_id,
// message_hash) triple.
type Deriver struct {
	tok Token
}

// NewDeriver wraps a token.
func NewDeriver(tok Token) *Deriver { return &Deriver{tok: tok} }

// Initialize creates the master seed and zero counter if absent. It is
// idempotent and reports whether anything was created.
func (d *Deriver) Initialize(rand io.Reader) (bool, error) {
	obj, err := d.tok.FindObject(MasterSeedLabel)
	if err != nil {
		return false, err
	}
	if obj != nil {
		return false, nil
	}
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return false, fmt.Errorf("hsm: sampling master seed: %w", err)
	}
	if err := d.tok.StoreSecret(MasterSeedLabel, seed); err != nil {
		return false, err
	}
	for i := range seed {
		seed[i] = 0
	}
	if err := d.tok.StoreSecret(CounterLabel, counterBytes(0)); err != nil {
		return false, err
	}
	return true, nil
}

// Initialized reports whether the master seed exists.
func (d *Deriver) Initialized() (bool, error) {
	obj, err := d.tok.FindObject(MasterSeedLabel)
	if err != nil {
		return false, err
	}
	return obj != nil, nil
}

// Counter returns the current counter value.
func (d *Deriver) Counter() (uint64, error) {
	b, err := d.tok.ReadSecret(CounterLabel)
	if err != nil {
		return 0, err
	}
	return counterFromBytes(b)
}

// increment atomically advances the counter and returns the
// post-increment value. It uses the delete-and-recreate pattern of
// ReplaceSecret on every backend, the PKCS#11 token included; no hardware
// monotonic counter is used.
func (d *Deriver) increment() (uint64, error) {
	b, err := d.tok.ReadSecret(CounterLabel)
	if err != nil {
		return 0, err
	}
	current, err := counterFromBytes(b)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := d.tok.ReplaceSecret(CounterLabel, counterBytes(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// preimage builds the derivation input:
//
//	0x00 || counter (8 bytes big-endian) || request_id || message_hash
func preimage(counter uint64, requestID string, messageHash []byte) []byte {
	input := make([]byte, 0, 9+len(requestID)+len(messageHash))
	input = append(input, 0x00)
	input = append(input, counterBytes(counter)...)
	input = append(input, requestID...)
	input = append(input, messageHash...)
	return input
}

func (d *Deriver) deriveScalar(counter uint64, requestID string, messageHash []byte) (*curve.Scalar, error) {
	seed, err := d.tok.ReadSecret(MasterSeedLabel)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	mac := hmac.New(sha512.New, seed)
	for i := range seed {
		seed[i] = 0
	}
	mac.Write(preimage(counter, requestID, messageHash))
	digest := mac.Sum(nil)
	k := curve.NewScalar().SetBytes(digest[:32])
	for i := range digest {
		digest[i] = 0
	}
	if k.IsZero() {
		return nil, ErrDerivationZero
	}
	return k, nil
}

// Derive advances the counter and produces the nonce for (request_id,
// message_hash), persisting the audit record before returning.
func (d *Deriver) Derive(requestID string, messageHash []byte) (*Derivation, error) {
	initialized, err := d.Initialized()
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, ErrNotInitialized
	}

	counter, err := d.increment()
	if err != nil {
		return nil, err
	}

	k, err := d.deriveScalar(counter, requestID, messageHash)
	if err != nil {
		return nil, err
	}
	rHex := k.ActOnBase().Hex()

	record, err := json.Marshal(Record{
		Counter:        counter,
		RequestID:      requestID,
		RHex:           rHex,
		MessageHashHex: hex.EncodeToString(messageHash),
	})
	if err != nil {
		return nil, err
	}
	if err := d.tok.StoreSecret(DerivationLabel(counter), record); err != nil {
		return nil, err
	}

	return &Derivation{
		Counter:        counter,
		K:              k,
		RHex:           rHex,
		RequestID:      requestID,
		MessageHashHex: hex.EncodeToString(messageHash),
	}, nil
}

// Rederive recomputes the nonce for an already-spent counter value without
// touching the counter, for resuming a signer session after restart. The
// result is checked against the expected commitment.
func (d *Deriver) Rederive(counter uint64, requestID string, messageHash []byte, expectedRHex string) (*curve.Scalar, error) {
	k, err := d.deriveScalar(counter, requestID, messageHash)
	if err != nil {
		return nil, err
	}
	if k.ActOnBase().Hex() != expectedRHex {
		k.Zero()
		return nil, ErrDerivationMismatch
	}
	return k, nil
}

// Records lists the derivation audit records in counter order. Requires
// extractable values (demo mode).
func (d *Deriver) Records() ([]Record, error) {
	labels, err := d.tok.Labels(derivationPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(labels))
	for _, label := range labels {
		if _, ok := IsDerivationLabel(label); !ok {
			continue
		}
		value, err := d.tok.ReadSecret(label)
		if err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(value, &record); err != nil {
			return nil, fmt.Errorf("hsm: corrupt derivation record %s: %w", label, err)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Counter < records[j].Counter })
	return records, nil
}

// HasDerivationFor reports whether any audit record binds the request ID.
// In production mode record values cannot be read; absence of evidence is
// reported as false and the other guard layers take over.
func (d *Deriver) HasDerivationFor(requestID string) (bool, error) {
	if d.tok.Mode() == ModeProduction {
		return false, nil
	}
	records, err := d.Records()
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if record.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}
