// Package dkg implements one participant's side of a Feldman VSS
// distributed key generation. The engine is pure protocol state: it does
// no I/O, and a failed share verification is reported to the caller as the
// dishonest-dealer signal rather than retried.
package dkg

import (
	"errors"
	"fmt"
	"io"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/math/polynomial"
	"github.com/custodia-mpc/custodia/pkg/party"
)

var (
	// ErrWrongPhase is returned when an operation is attempted out of
	// order on the ceremony.
	ErrWrongPhase = errors.New("dkg: wrong phase")

	// ErrDuplicateCommitment is returned on a second commitment submission
	// from the same node.
	ErrDuplicateCommitment = errors.New("dkg: duplicate commitment")

	// ErrWrongCommitmentCount is returned when a peer's commitment list
	// does not have exactly threshold entries.
	ErrWrongCommitmentCount = errors.New("dkg: wrong commitment count")

	// ErrUnknownSender is returned when a share arrives from a node whose
	// commitments were never received.
	ErrUnknownSender = errors.New("dkg: share from unknown sender")

	// ErrMissingShares is returned by Finalize when any peer's share is
	// absent.
	ErrMissingShares = errors.New("dkg: missing shares")
)

// Phase tracks the ceremony state machine. Transitions are monotone:
// none -> committed -> distributed -> finalized.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseCommitted
	PhaseDistributed
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseCommitted:
		return "committed"
	case PhaseDistributed:
		return "distributed"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// PhaseFromString parses the persisted form of a phase.
func PhaseFromString(s string) (Phase, error) {
	switch s {
	case "", "none":
		return PhaseNone, nil
	case "committed":
		return PhaseCommitted, nil
	case "distributed":
		return PhaseDistributed, nil
	case "finalized":
		return PhaseFinalized, nil
	}
	return PhaseNone, fmt.Errorf("dkg: unknown phase %q", s)
}

// Session carries one participant through a (t, n) Feldman VSS ceremony.
type Session struct {
	RoundID   string
	SelfID    party.ID
	Threshold int
	Total     int

	selfIndex uint32
	poly      *polynomial.Polynomial
	// commitments are this node's own Feldman commitments C_k = a_k * G.
	commitments []*curve.Point
	// received holds peer commitment lists, keyed by sender.
	received map[party.ID][]*curve.Point
	// shares holds verified incoming shares only.
	shares map[party.ID]*curve.Scalar
}

// NewSession creates a fresh ceremony session for this node.
func NewSession(roundID string, self party.ID, threshold, total int) (*Session, error) {
	if threshold < 1 || threshold > total {
		return nil, fmt.Errorf("dkg: invalid parameters t=%d n=%d", threshold, total)
	}
	selfIndex, err := self.Index()
	if err != nil {
		return nil, err
	}
	return &Session{
		RoundID:   roundID,
		SelfID:    self,
		Threshold: threshold,
		Total:     total,
		selfIndex: selfIndex,
		received:  make(map[party.ID][]*curve.Point),
		shares:    make(map[party.ID]*curve.Scalar),
	}, nil
}

// GeneratePolynomial samples the secret polynomial a_0 .. a_{t-1} and
// returns the Feldman commitments in coefficient order. It may be called
// exactly once per session; a second call fails with ErrWrongPhase.
func (s *Session) GeneratePolynomial(rand io.Reader) ([]*curve.Point, error) {
	if s.poly != nil {
		return nil, ErrWrongPhase
	}
	poly, err := polynomial.Random(rand, s.Threshold)
	if err != nil {
		return nil, err
	}
	s.poly = poly
	s.commitments = poly.Commitments()
	return s.commitments, nil
}

// Commitments returns this node's own commitments, or nil before
// GeneratePolynomial.
func (s *Session) Commitments() []*curve.Point { return s.commitments }

// ShareFor evaluates this node's polynomial at the target index. The own
// index is permitted and yields the self-share.
func (s *Session) ShareFor(index uint32) (*curve.Scalar, error) {
	if s.poly == nil {
		return nil, ErrWrongPhase
	}
	return s.poly.EvaluateIndex(index)
}

// ReceiveCommitment stores a peer's commitment list.
func (s *Session) ReceiveCommitment(from party.ID, commitments []*curve.Point) error {
	if _, ok := s.received[from]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommitment, from)
	}
	if len(commitments) != s.Threshold {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongCommitmentCount, len(commitments), s.Threshold)
	}
	s.received[from] = commitments
	return nil
}

// ReceiveShare verifies an incoming share against the sender's previously
// received commitments:
//
//	share * G == sum over k of (selfIndex^k) * C_k
//
// On success the share is stored and true is returned. On verification
// failure nothing is stored and false is returned; that is the protocol's
// dishonest-dealer signal. A share from a node with no stored commitments
// fails with ErrUnknownSender.
func (s *Session) ReceiveShare(from party.ID, share *curve.Scalar) (bool, error) {
	commitments, ok := s.received[from]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSender, from)
	}
	expected := polynomial.EvaluateExponent(commitments, s.selfIndex)
	if !share.ActOnBase().Equal(expected) {
		return false, nil
	}
	s.shares[from] = share
	return true, nil
}

// Result is the outcome of a completed ceremony.
type Result struct {
	RoundID    string
	FinalShare *curve.Scalar
	GroupKey   *curve.Point
}

// Finalize sums the self-share with every verified incoming share and
// assembles the group public key from the constant-term commitments. It
// requires a verified share from every other participant and destroys the
// polynomial coefficients on success.
func (s *Session) Finalize() (*Result, error) {
	if s.poly == nil {
		return nil, ErrWrongPhase
	}
	if len(s.shares) != s.Total-1 {
		return nil, fmt.Errorf("%w: have %d of %d", ErrMissingShares, len(s.shares), s.Total-1)
	}

	selfShare, err := s.poly.EvaluateIndex(s.selfIndex)
	if err != nil {
		return nil, err
	}
	finalShare := curve.NewScalar().Set(selfShare)
	selfShare.Zero()
	for _, share := range s.shares {
		finalShare.Add(share)
	}

	groupKey := curve.NewPoint()
	groupKey = groupKey.Add(s.commitments[0])
	for _, commitments := range s.received {
		groupKey = groupKey.Add(commitments[0])
	}

	s.poly.Zero()
	s.poly = nil

	return &Result{
		RoundID:    s.RoundID,
		FinalShare: finalShare,
		GroupKey:   groupKey,
	}, nil
}
