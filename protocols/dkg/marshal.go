package dkg

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/math/polynomial"
	"github.com/custodia-mpc/custodia/pkg/party"
)

// sessionCBOR is the private on-disk form of a mid-ceremony session. It
// carries the secret coefficients between the commit, distribute and
// finalize invocations; peer material is reloaded from the board instead.
type sessionCBOR struct {
	RoundID      string   `cbor:"round_id"`
	SelfID       string   `cbor:"self_id"`
	Threshold    int      `cbor:"threshold"`
	Total        int      `cbor:"total"`
	Coefficients [][]byte `cbor:"coefficients"`
	Commitments  []string `cbor:"commitments"`
}

// MarshalBinary encodes the session for local persistence. It must only be
// written to node-private storage: the coefficients are secret.
func (s *Session) MarshalBinary() ([]byte, error) {
	if s.poly == nil {
		return nil, ErrWrongPhase
	}
	coefficients := s.poly.Coefficients()
	out := sessionCBOR{
		RoundID:      s.RoundID,
		SelfID:       string(s.SelfID),
		Threshold:    s.Threshold,
		Total:        s.Total,
		Coefficients: make([][]byte, len(coefficients)),
		Commitments:  make([]string, len(s.commitments)),
	}
	for i, c := range coefficients {
		b := c.Bytes()
		out.Coefficients[i] = b[:]
	}
	for i, c := range s.commitments {
		out.Commitments[i] = c.Hex()
	}
	return cbor.Marshal(out)
}

// RestoreSession rebuilds a session from its persisted form.
func RestoreSession(data []byte) (*Session, error) {
	var in sessionCBOR
	if err := cbor.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("dkg: decoding session: %w", err)
	}
	s, err := NewSession(in.RoundID, party.ID(in.SelfID), in.Threshold, in.Total)
	if err != nil {
		return nil, err
	}
	coefficients := make([]*curve.Scalar, len(in.Coefficients))
	for i, b := range in.Coefficients {
		coefficients[i] = curve.NewScalar().SetBytes(b)
	}
	if err := s.restore(coefficients, in.Commitments); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) restore(coefficients []*curve.Scalar, commitments []string) error {
	if len(coefficients) != s.Threshold || len(commitments) != s.Threshold {
		return fmt.Errorf("dkg: corrupt session: %d coefficients, %d commitments, threshold %d",
			len(coefficients), len(commitments), s.Threshold)
	}
	s.poly = polynomial.FromScalars(coefficients)
	s.commitments = make([]*curve.Point, len(commitments))
	for i, h := range commitments {
		p, err := curve.PointFromHex(h)
		if err != nil {
			return fmt.Errorf("dkg: corrupt session commitment %d: %w", i, err)
		}
		s.commitments[i] = p
	}
	return nil
}
