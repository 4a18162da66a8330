// Package sign implements the threshold Schnorr signer engine: per-request
// sessions, nonce commitment intake, Lagrange-weighted partial signatures,
// combination and verification. The engine does no I/O; nonces are
// supplied by the HSM-anchored deriver and destroyed here after use.
package sign

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/math/polynomial"
	"github.com/custodia-mpc/custodia/pkg/party"
)

var (
	// ErrSessionExists is returned when Begin is called twice for the same
	// request.
	ErrSessionExists = errors.New("sign: session already exists")

	// ErrUnknownSession is returned for operations on a request with no
	// session.
	ErrUnknownSession = errors.New("sign: unknown session")

	// ErrParticipantMissing is returned when a participant in the locked
	// set has no recorded nonce commitment.
	ErrParticipantMissing = errors.New("sign: participant nonce commitment missing")

	// ErrSelfNotInSet is returned when the local node is not in the
	// participant set it was asked to sign for.
	ErrSelfNotInSet = errors.New("sign: self not in participant set")

	// ErrNonInvertibleDenominator is returned when two participant indices
	// collide mod n, a configuration error.
	ErrNonInvertibleDenominator = errors.New("sign: non-invertible Lagrange denominator")

	// ErrMissingPartial is returned by Combine when any participant's
	// partial signature is absent.
	ErrMissingPartial = errors.New("sign: missing partial signature")

	// ErrNoNonce is returned when a partial is requested but the session
	// nonce was never supplied or was already consumed.
	ErrNoNonce = errors.New("sign: session has no nonce")
)

// Session is the per-request signing state. The nonce k exists only
// between Begin and ComputePartial and is never serialized.
type Session struct {
	RequestID   string
	MessageHash []byte

	k *curve.Scalar
	// R is this node's own nonce commitment k * G.
	R *curve.Point

	Commitments  map[party.ID]*curve.Point
	Partials     map[party.ID]*curve.Scalar
	Participants party.IDSlice
}

// Signer produces partial signatures for one node across signing requests.
type Signer struct {
	selfID    party.ID
	selfIndex uint32
	share     *curve.Scalar
	groupKey  *curve.Point
	sessions  map[string]*Session
}

// NewSigner creates a signer from the node's DKG share and group key.
func NewSigner(self party.ID, share *curve.Scalar, groupKey *curve.Point) (*Signer, error) {
	selfIndex, err := self.Index()
	if err != nil {
		return nil, err
	}
	return &Signer{
		selfID:    self,
		selfIndex: selfIndex,
		share:     share,
		groupKey:  groupKey,
		sessions:  make(map[string]*Session),
	}, nil
}

// GroupKey returns the group public key the signer verifies against.
func (s *Signer) GroupKey() *curve.Point { return s.groupKey }

// Session returns the session for a request, or nil.
func (s *Signer) Session(requestID string) *Session { return s.sessions[requestID] }

// Begin opens a session with an externally derived nonce k and its
// commitment R = k * G. The signer takes ownership of k.
func (s *Signer) Begin(requestID string, messageHash []byte, k *curve.Scalar, R *curve.Point) error {
	if _, ok := s.sessions[requestID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, requestID)
	}
	session := &Session{
		RequestID:   requestID,
		MessageHash: messageHash,
		k:           k,
		R:           R,
		Commitments: map[party.ID]*curve.Point{s.selfID: R},
		Partials:    make(map[party.ID]*curve.Scalar),
	}
	s.sessions[requestID] = session
	return nil
}

// ResumeNonce re-attaches a deterministically re-derived nonce to a
// session restored from disk, where k is deliberately absent.
func (s *Signer) ResumeNonce(requestID string, k *curve.Scalar) error {
	session, ok := s.sessions[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, requestID)
	}
	if !k.ActOnBase().Equal(session.R) {
		return fmt.Errorf("sign: resumed nonce does not match recorded commitment for %s", requestID)
	}
	session.k = k
	return nil
}

// ReceiveNonceCommitment records a peer's R point for a request.
func (s *Signer) ReceiveNonceCommitment(requestID string, from party.ID, rHex string) error {
	session, ok := s.sessions[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, requestID)
	}
	R, err := curve.PointFromHex(rHex)
	if err != nil {
		return fmt.Errorf("sign: nonce commitment from %s: %w", from, err)
	}
	session.Commitments[from] = R
	return nil
}

// Challenge derives the Schnorr challenge e = SHA256(hex(R) || hex(P) ||
// message_hash) mod n. The preimage concatenates the compressed-hex
// encodings as ASCII bytes followed by the raw 32-byte hash; this exact
// preimage is a compatibility contract with deployed boards and must not
// be replaced by a raw-bytes or tagged-hash variant.
func Challenge(R, P *curve.Point, messageHash []byte) *curve.Scalar {
	h := sha256.New()
	h.Write([]byte(R.Hex()))
	h.Write([]byte(P.Hex()))
	h.Write(messageHash)
	return curve.NewScalar().SetBytes(h.Sum(nil))
}

// ComputePartial produces this node's partial signature over the locked
// participant set:
//
//	s_i = k + e * lambda_i * x_i mod n
//
// The aggregate R is the sum of every participant's commitment. The nonce
// k is zeroed and discarded before returning.
func (s *Signer) ComputePartial(requestID string, participants party.IDSlice) (*curve.Scalar, error) {
	session, ok := s.sessions[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, requestID)
	}
	if session.k == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoNonce, requestID)
	}
	if !participants.Contains(s.selfID) {
		return nil, ErrSelfNotInSet
	}
	// Colliding indices are left for Lagrange to reject, so they surface
	// as ErrNonInvertibleDenominator.
	indices := make(map[party.ID]uint32, len(participants))
	for _, id := range participants {
		index, err := id.Index()
		if err != nil {
			return nil, err
		}
		indices[id] = index
	}

	R := curve.NewPoint()
	set := make([]uint32, 0, len(participants))
	for _, id := range participants {
		commitment, ok := session.Commitments[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrParticipantMissing, id)
		}
		R = R.Add(commitment)
		set = append(set, indices[id])
	}

	e := Challenge(R, s.groupKey, session.MessageHash)
	lambda, err := polynomial.Lagrange(s.selfIndex, set)
	if err != nil {
		if errors.Is(err, curve.ErrNotInvertible) {
			return nil, ErrNonInvertibleDenominator
		}
		return nil, err
	}

	partial := curve.NewScalar().Set(e)
	partial.Mul(lambda)
	partial.Mul(s.share)
	partial.Add(session.k)

	session.k.Zero()
	session.k = nil

	session.Participants = participants
	session.Partials[s.selfID] = partial
	return partial, nil
}

// Combine sums the participants' partial signatures and nonce commitments
// into the final signature, returned in compressed-hex form.
func Combine(partials map[party.ID]*curve.Scalar, commitments map[party.ID]*curve.Point, participants party.IDSlice) (rHex, sHex string, err error) {
	R := curve.NewPoint()
	sum := curve.NewScalar()
	for _, id := range participants {
		commitment, ok := commitments[id]
		if !ok {
			return "", "", fmt.Errorf("%w: no nonce commitment from %s", ErrMissingPartial, id)
		}
		partial, ok := partials[id]
		if !ok {
			return "", "", fmt.Errorf("%w: %s", ErrMissingPartial, id)
		}
		R = R.Add(commitment)
		sum.Add(partial)
	}
	return R.Hex(), sum.Hex(), nil
}

// Verify checks a combined signature: s*G == R + e*P.
func Verify(rHex, sHex string, groupKey *curve.Point, messageHash []byte) (bool, error) {
	R, err := curve.PointFromHex(rHex)
	if err != nil {
		return false, err
	}
	sv, err := curve.ScalarFromHex(sHex)
	if err != nil {
		return false, err
	}
	e := Challenge(R, groupKey, messageHash)
	lhs := sv.ActOnBase()
	rhs := R.Add(e.Act(groupKey))
	return lhs.Equal(rhs), nil
}
