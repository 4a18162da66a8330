// Package state persists the node-state document: DKG phase and the
// nonce-use records that form the local layer of the reuse guard. Updates
// are read-modify-write inside an exclusive advisory lock; writes are
// atomic via temp-file-plus-rename with an fsync on the temp file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DKGState is the persisted DKG participation state.
type DKGState struct {
	RoundID        string `json:"round_id"`
	Phase          string `json:"phase"`
	Threshold      int    `json:"threshold"`
	TotalNodes     int    `json:"total_nodes"`
	MyShareStored  bool   `json:"my_share_stored"`
	GroupPubKeyHex string `json:"group_pubkey_hex"`
}

// DerivationRecord is the local copy of a nonce derivation's metadata.
type DerivationRecord struct {
	Counter        uint64 `json:"counter"`
	RHex           string `json:"R_hex"`
	MessageHashHex string `json:"message_hash_hex"`
}

// SigningState tracks nonce use: request_id -> R hex, plus per-request
// derivation metadata.
type SigningState struct {
	UsedNonces       map[string]string           `json:"used_nonces"`
	NonceDerivations map[string]DerivationRecord `json:"nonce_derivations"`
}

// NodeState is the complete node-state document.
type NodeState struct {
	NodeID            string       `json:"node_id"`
	Initialized       bool         `json:"initialized"`
	IdentityKeyPosted bool         `json:"identity_key_posted"`
	DKG               DKGState     `json:"dkg"`
	Signing           SigningState `json:"signing"`
}

func newNodeState(nodeID string) *NodeState {
	return &NodeState{
		NodeID: nodeID,
		Signing: SigningState{
			UsedNonces:       make(map[string]string),
			NonceDerivations: make(map[string]DerivationRecord),
		},
	}
}

// Store manages the state document under an advisory file lock.
type Store struct {
	stateFile string
	lockFile  string
	nodeID    string
}

// NewStore creates the directory and an initial document if absent.
func NewStore(dir, nodeID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("state: creating dir: %w", err)
	}
	s := &Store{
		stateFile: filepath.Join(dir, "state.json"),
		lockFile:  filepath.Join(dir, "state.lock"),
		nodeID:    nodeID,
	}
	if _, err := os.Stat(s.stateFile); errors.Is(err, os.ErrNotExist) {
		if err := s.save(newNodeState(nodeID)); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("state: checking state file: %w", err)
	}
	return s, nil
}

func (s *Store) save(state *NodeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	tmp := s.stateFile + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("state: writing: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("state: writing: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: writing: %w", err)
	}
	return os.Rename(tmp, s.stateFile)
}

func (s *Store) load() (*NodeState, error) {
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		return nil, fmt.Errorf("state: reading: %w", err)
	}
	state := newNodeState(s.nodeID)
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("state: decoding: %w", err)
	}
	if state.Signing.UsedNonces == nil {
		state.Signing.UsedNonces = make(map[string]string)
	}
	if state.Signing.NonceDerivations == nil {
		state.Signing.NonceDerivations = make(map[string]DerivationRecord)
	}
	return state, nil
}

// Load reads the document under a shared lock.
func (s *Store) Load() (*NodeState, error) {
	lock := flock.New(s.lockFile)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("state: acquiring read lock: %w", err)
	}
	defer lock.Unlock()
	return s.load()
}

// Update applies fn to the document inside an exclusive lock and persists
// the result atomically.
func (s *Store) Update(fn func(*NodeState) error) error {
	lock := flock.New(s.lockFile)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("state: acquiring write lock: %w", err)
	}
	defer lock.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.save(state)
}

// NonceUnused reports whether no nonce-use record exists for the request.
func (s *Store) NonceUnused(requestID string) (bool, error) {
	state, err := s.Load()
	if err != nil {
		return false, err
	}
	_, used := state.Signing.UsedNonces[requestID]
	return !used, nil
}

// RecordNonceUse records request_id -> R without derivation metadata,
// used on the recovery path for a board-only commitment.
func (s *Store) RecordNonceUse(requestID, rHex string) error {
	return s.Update(func(state *NodeState) error {
		state.Signing.UsedNonces[requestID] = rHex
		return nil
	})
}

// RecordNonceDerivation records a derivation and marks the nonce used in
// one atomic update.
func (s *Store) RecordNonceDerivation(requestID string, record DerivationRecord) error {
	return s.Update(func(state *NodeState) error {
		state.Signing.UsedNonces[requestID] = record.RHex
		state.Signing.NonceDerivations[requestID] = record
		return nil
	})
}

// Derivation returns the local derivation record for a request, if any.
func (s *Store) Derivation(requestID string) (DerivationRecord, bool, error) {
	state, err := s.Load()
	if err != nil {
		return DerivationRecord{}, false, err
	}
	record, ok := state.Signing.NonceDerivations[requestID]
	return record, ok, nil
}
