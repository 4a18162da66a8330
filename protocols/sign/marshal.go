package sign

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/party"
)

// The persisted signer state deliberately omits the nonce k. A restarted
// node re-derives k in the HSM from the counter kept in its local
// derivation record and re-attaches it with ResumeNonce; emitting k to
// disk would defeat the nonce-reuse guard.

type signerJSON struct {
	NodeID   string                  `json:"node_id"`
	Index    uint32                  `json:"index"`
	Share    string                  `json:"share"`
	GroupKey string                  `json:"group_public_key"`
	Sessions map[string]*sessionJSON `json:"sessions"`
}

type sessionJSON struct {
	RequestID    string            `json:"request_id"`
	MessageHash  string            `json:"message_hash"`
	R            string            `json:"R"`
	Commitments  map[string]string `json:"nonce_commitments"`
	Partials     map[string]string `json:"partial_signatures"`
	Participants []string          `json:"participants,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *Signer) MarshalJSON() ([]byte, error) {
	out := &signerJSON{
		NodeID:   string(s.selfID),
		Index:    s.selfIndex,
		Share:    s.share.Hex(),
		GroupKey: s.groupKey.Hex(),
		Sessions: make(map[string]*sessionJSON, len(s.sessions)),
	}
	for id, session := range s.sessions {
		sj := &sessionJSON{
			RequestID:   session.RequestID,
			MessageHash: hex.EncodeToString(session.MessageHash),
			R:           session.R.Hex(),
			Commitments: make(map[string]string, len(session.Commitments)),
			Partials:    make(map[string]string, len(session.Partials)),
		}
		for from, commitment := range session.Commitments {
			sj.Commitments[string(from)] = commitment.Hex()
		}
		for from, partial := range session.Partials {
			sj.Partials[string(from)] = partial.Hex()
		}
		if session.Participants != nil {
			sj.Participants = session.Participants.Strings()
		}
		out.Sessions[id] = sj
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Restored sessions have no
// nonce; ResumeNonce must run before ComputePartial.
func (s *Signer) UnmarshalJSON(data []byte) error {
	var in signerJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("sign: decoding signer state: %w", err)
	}
	share, err := curve.ScalarFromHex(in.Share)
	if err != nil {
		return fmt.Errorf("sign: decoding share: %w", err)
	}
	groupKey, err := curve.PointFromHex(in.GroupKey)
	if err != nil {
		return fmt.Errorf("sign: decoding group key: %w", err)
	}
	restored, err := NewSigner(party.ID(in.NodeID), share, groupKey)
	if err != nil {
		return err
	}
	for id, sj := range in.Sessions {
		messageHash, err := hex.DecodeString(sj.MessageHash)
		if err != nil {
			return fmt.Errorf("sign: decoding message hash for %s: %w", id, err)
		}
		R, err := curve.PointFromHex(sj.R)
		if err != nil {
			return fmt.Errorf("sign: decoding R for %s: %w", id, err)
		}
		session := &Session{
			RequestID:   sj.RequestID,
			MessageHash: messageHash,
			R:           R,
			Commitments: make(map[party.ID]*curve.Point, len(sj.Commitments)),
			Partials:    make(map[party.ID]*curve.Scalar, len(sj.Partials)),
		}
		for from, h := range sj.Commitments {
			commitment, err := curve.PointFromHex(h)
			if err != nil {
				return fmt.Errorf("sign: decoding commitment from %s: %w", from, err)
			}
			session.Commitments[party.ID(from)] = commitment
		}
		for from, h := range sj.Partials {
			partial, err := curve.ScalarFromHex(h)
			if err != nil {
				return fmt.Errorf("sign: decoding partial from %s: %w", from, err)
			}
			session.Partials[party.ID(from)] = partial
		}
		if len(sj.Participants) > 0 {
			session.Participants = party.FromStrings(sj.Participants)
		}
		restored.sessions[id] = session
	}
	*s = *restored
	return nil
}
