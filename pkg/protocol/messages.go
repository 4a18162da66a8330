// Package protocol defines the typed bulletin-board message schemas and
// the board path layout. Field names and paths are a wire contract shared
// with existing deployments and must not change.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned when a board document is missing required
// fields or carries unknown ones.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// IdentityMessage is posted to identity/<node>.json.
type IdentityMessage struct {
	NodeID    string  `json:"node_id"`
	PubKeyPEM string  `json:"pubkey_pem"`
	Timestamp float64 `json:"timestamp"`
}

func (m *IdentityMessage) validate() error {
	if m.NodeID == "" || m.PubKeyPEM == "" {
		return fmt.Errorf("%w: identity missing fields", ErrInvalidMessage)
	}
	return nil
}

// DKGCommitment is posted to dkg/<round>/commitments/<node>.json.
type DKGCommitment struct {
	NodeID      string   `json:"node_id"`
	RoundID     string   `json:"round_id"`
	Threshold   int      `json:"threshold"`
	TotalNodes  int      `json:"total_nodes"`
	Commitments []string `json:"commitments"`
	Timestamp   float64  `json:"timestamp"`
}

func (m *DKGCommitment) validate() error {
	if m.NodeID == "" || m.RoundID == "" || m.Threshold < 1 || m.TotalNodes < m.Threshold || len(m.Commitments) == 0 {
		return fmt.Errorf("%w: dkg commitment missing fields", ErrInvalidMessage)
	}
	return nil
}

// SigningRequest is posted to signing/<id>/request.json.
type SigningRequest struct {
	RequestID      string  `json:"request_id"`
	MessageHash    string  `json:"message_hash"`
	MessagePreview string  `json:"message_preview"`
	Requester      string  `json:"requester"`
	Timestamp      float64 `json:"timestamp"`
}

func (m *SigningRequest) validate() error {
	if m.RequestID == "" || len(m.MessageHash) != 64 {
		return fmt.Errorf("%w: signing request missing fields", ErrInvalidMessage)
	}
	return nil
}

// NonceCommitment is posted to signing/<id>/commitments/<node>.json.
type NonceCommitment struct {
	NodeID      string  `json:"node_id"`
	RequestID   string  `json:"request_id"`
	RCommitment string  `json:"R_commitment"`
	Timestamp   float64 `json:"timestamp"`
}

func (m *NonceCommitment) validate() error {
	if m.NodeID == "" || m.RequestID == "" || m.RCommitment == "" {
		return fmt.Errorf("%w: nonce commitment missing fields", ErrInvalidMessage)
	}
	return nil
}

// SessionLock is posted to signing/<id>/session.json and freezes the
// participant set for a signing session.
type SessionLock struct {
	Participants []string `json:"participants"`
	LockedBy     string   `json:"locked_by"`
	Timestamp    float64  `json:"timestamp"`
}

func (m *SessionLock) validate() error {
	if len(m.Participants) == 0 || m.LockedBy == "" {
		return fmt.Errorf("%w: session lock missing fields", ErrInvalidMessage)
	}
	return nil
}

// PartialSignature is posted to signing/<id>/partials/<node>.json.
type PartialSignature struct {
	NodeID    string  `json:"node_id"`
	RequestID string  `json:"request_id"`
	PartialS  string  `json:"partial_s"`
	Timestamp float64 `json:"timestamp"`
}

func (m *PartialSignature) validate() error {
	if m.NodeID == "" || m.RequestID == "" || m.PartialS == "" {
		return fmt.Errorf("%w: partial signature missing fields", ErrInvalidMessage)
	}
	return nil
}

// FinalSignature is posted to signing/<id>/result.json.
type FinalSignature struct {
	RequestID    string   `json:"request_id"`
	R            string   `json:"R"`
	S            string   `json:"s"`
	Participants []string `json:"participants"`
	Timestamp    float64  `json:"timestamp"`
}

func (m *FinalSignature) validate() error {
	if m.RequestID == "" || m.R == "" || m.S == "" || len(m.Participants) == 0 {
		return fmt.Errorf("%w: final signature missing fields", ErrInvalidMessage)
	}
	return nil
}

type validator interface{ validate() error }

// Marshal encodes a board message as UTF-8 JSON after validation.
func Marshal(m validator) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Unmarshal decodes a board document strictly: unknown fields and missing
// required fields are rejected.
func Unmarshal(data []byte, m validator) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m.validate()
}
