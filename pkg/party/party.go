// Package party defines node identifiers and the index convention used by
// the custody ceremonies.
package party

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
)

// IDPrefix is the fixed prefix every node identifier carries. The
// remainder is the participant index.
const IDPrefix = "node"

// ErrInvalidID is returned when an identifier does not follow the
// node<positive-integer> convention.
var ErrInvalidID = errors.New("party: invalid node identifier")

// ID identifies a custody node, e.g. "node1".
type ID string

// Index derives the participant index by stripping IDPrefix and parsing
// the remainder. Indices are positive; zero is rejected because a share at
// x = 0 would be the secret itself.
func (id ID) Index() (uint32, error) {
	rest, ok := strings.CutPrefix(string(id), IDPrefix)
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return uint32(n), nil
}

// Scalar returns the index as a curve scalar.
func (id ID) Scalar() (*curve.Scalar, error) {
	idx, err := id.Index()
	if err != nil {
		return nil, err
	}
	return curve.NewScalar().SetUint64(uint64(idx)), nil
}

// IDSlice is a sorted set of node IDs.
type IDSlice []ID

// NewIDSlice returns a sorted copy of ids.
func NewIDSlice(ids []ID) IDSlice {
	out := make(IDSlice, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether id is in the slice.
func (ids IDSlice) Contains(id ID) bool {
	for _, other := range ids {
		if other == id {
			return true
		}
	}
	return false
}

// Indices maps every ID to its index. It fails if any ID is malformed or
// two IDs share an index.
func (ids IDSlice) Indices() (map[ID]uint32, error) {
	out := make(map[ID]uint32, len(ids))
	seen := make(map[uint32]ID, len(ids))
	for _, id := range ids {
		idx, err := id.Index()
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[idx]; ok {
			return nil, fmt.Errorf("%w: %q and %q share index %d", ErrInvalidID, prev, id, idx)
		}
		seen[idx] = id
		out[id] = idx
	}
	return out, nil
}

// Strings converts the slice for JSON documents.
func (ids IDSlice) Strings() []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// FromStrings converts and sorts a string list.
func FromStrings(ss []string) IDSlice {
	ids := make([]ID, len(ss))
	for i, s := range ss {
		ids[i] = ID(s)
	}
	return NewIDSlice(ids)
}

// Identity is a node's posted identity: its ID and RSA public key.
type Identity struct {
	NodeID       ID
	PublicKeyPEM []byte
}

// Fingerprint returns a short blake3 fingerprint of the identity key. The
// node logs it when loading peer identities; status output does not show
// it.
func (i Identity) Fingerprint() string {
	sum := blake3.Sum256(i.PublicKeyPEM)
	return hex.EncodeToString(sum[:8])
}
