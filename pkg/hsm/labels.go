package hsm

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Object labels. These names are shared with deployed tokens; renaming
// them orphans existing secrets.
const (
	IdentityKeyLabel = "IDENTITY_KEY"
	MasterSeedLabel  = "NONCE_MASTER_SEED"
	CounterLabel     = "NONCE_COUNTER"

	noncePrefix      = "NONCE_"
	derivationPrefix = "NONCE_DERIV_"
	sharePrefix      = "DKG_SHARE_"
)

// ShareLabel names the stored DKG share for a round.
func ShareLabel(roundID string) string { return sharePrefix + roundID }

// NonceLabel names the per-request nonce-use witness object.
func NonceLabel(requestID string) string { return noncePrefix + requestID }

// DerivationLabel names the audit record for a counter value.
func DerivationLabel(counter uint64) string {
	return derivationPrefix + strconv.FormatUint(counter, 10)
}

// IsDerivationLabel reports whether a label is a derivation audit record
// and extracts its counter.
func IsDerivationLabel(label string) (uint64, bool) {
	rest, ok := strings.CutPrefix(label, derivationPrefix)
	if !ok {
		return 0, false
	}
	counter, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return counter, true
}

// UsedNonceRequestIDs filters a label list down to the request IDs that
// have nonce-use witnesses, excluding the derivation system's own objects.
func UsedNonceRequestIDs(labels []string) []string {
	var out []string
	for _, label := range labels {
		if label == MasterSeedLabel || label == CounterLabel {
			continue
		}
		if _, ok := IsDerivationLabel(label); ok {
			continue
		}
		if rest, ok := strings.CutPrefix(label, noncePrefix); ok {
			out = append(out, rest)
		}
	}
	return out
}

// counterBytes encodes the counter as 8 bytes big-endian.
func counterBytes(c uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, c)
	return b
}

func counterFromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("hsm: counter object has %d bytes, want 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
