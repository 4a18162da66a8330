// Package node implements the ceremony orchestrator: it sequences the DKG
// and signer engines against the bulletin board, the hardware token and
// the node-state document, enforcing phase ordering and the triple-layer
// nonce-reuse guard.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-mpc/custodia/pkg/hsm"
	"github.com/custodia-mpc/custodia/pkg/mailbox"
	"github.com/custodia-mpc/custodia/pkg/party"
	"github.com/custodia-mpc/custodia/pkg/protocol"
	"github.com/custodia-mpc/custodia/pkg/state"
)

var (
	// ErrDKGNotComplete is returned when signing is attempted before the
	// node holds a finalized share.
	ErrDKGNotComplete = errors.New("node: DKG not complete")

	// ErrInsufficientShares is returned by DKG finalize while incoming
	// shares are still missing. Retriable: wait for peers.
	ErrInsufficientShares = errors.New("node: insufficient shares")

	// ErrNonceReuse is returned when any layer of the triple guard
	// witnesses a prior nonce for the request.
	ErrNonceReuse = errors.New("node: nonce already used")

	// ErrAlreadyCommitted is returned when the board already holds our
	// commitment while the local and HSM layers are clean; the recovery
	// step records the board's commitment before failing.
	ErrAlreadyCommitted = errors.New("node: commitment already on board")

	// ErrBelowThreshold is returned while fewer than t nonce commitments
	// are posted. Retriable: wait for peers.
	ErrBelowThreshold = errors.New("node: below threshold")

	// ErrNotApproved is returned by sign finalize when this node never
	// posted a commitment for the request.
	ErrNotApproved = errors.New("node: request not approved by this node")

	// ErrNotInLockedSet is returned when the locked participant set does
	// not include this node.
	ErrNotInLockedSet = errors.New("node: not in locked participant set")

	// ErrBadCombination is returned when the combined signature fails
	// verification, indicating a byzantine peer or a bug.
	ErrBadCombination = errors.New("node: combined signature failed verification")

	// ErrRequestNotFound is returned when the signing request is absent
	// from the board.
	ErrRequestNotFound = errors.New("node: signing request not found")

	// ErrNoSession is returned by sign finalize with no persisted signer
	// session for the request.
	ErrNoSession = errors.New("node: no signer session")
)

// Config is the explicit configuration record passed to the orchestrator
// at construction. Nothing in the cryptographic code consults the
// environment.
type Config struct {
	NodeID     party.ID
	DataDir    string
	MailboxURL string
	PIN        string
	Mode       hsm.Mode
}

// Validate enforces the configuration contract: a parseable node ID and a
// PIN of at least 8 characters.
func (c Config) Validate() error {
	if _, err := c.NodeID.Index(); err != nil {
		return err
	}
	if c.DataDir == "" {
		return errors.New("node: data directory is required")
	}
	if len(c.PIN) < 8 {
		return errors.New("node: PIN must be at least 8 characters")
	}
	if _, err := hsm.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	return nil
}

// Node drives one custody participant.
type Node struct {
	cfg     Config
	self    party.ID
	state   *state.Store
	box     mailbox.Mailbox
	tok     hsm.Token
	deriver *hsm.Deriver
	log     *zap.Logger
}

// New wires the orchestrator to its collaborators.
func New(cfg Config, box mailbox.Mailbox, tok hsm.Token, log *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := state.NewStore(cfg.DataDir, string(cfg.NodeID))
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		cfg:     cfg,
		self:    cfg.NodeID,
		state:   store,
		box:     box,
		tok:     tok,
		deriver: hsm.NewDeriver(tok),
		log:     log.With(zap.String("node", string(cfg.NodeID))),
	}, nil
}

// Self returns this node's ID.
func (n *Node) Self() party.ID { return n.self }

// State exposes the node-state store for status reporting.
func (n *Node) State() *state.Store { return n.state }

func timestamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (n *Node) dkgSessionPath(roundID string) string {
	return filepath.Join(n.cfg.DataDir, "dkg_"+roundID+".cbor")
}

func (n *Node) signerPath(requestID string) string {
	return filepath.Join(n.cfg.DataDir, "signer_"+requestID+".json")
}

// Init verifies the token, posts the identity key, and idempotently sets
// up the nonce-derivation state. It reports whether the node was already
// initialized.
func (n *Node) Init() (already bool, err error) {
	current, err := n.state.Load()
	if err != nil {
		return false, err
	}
	if current.IdentityKeyPosted {
		return true, nil
	}

	pubPEM, err := n.tok.IdentityPublicKeyPEM()
	if err != nil {
		return false, fmt.Errorf("node: exporting identity key: %w", err)
	}
	created, err := n.deriver.Initialize(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("node: initializing nonce derivation: %w", err)
	}
	if created {
		n.log.Info("nonce derivation initialized", zap.Uint64("counter", 0))
	}

	msg, err := protocol.Marshal(&protocol.IdentityMessage{
		NodeID:    string(n.self),
		PubKeyPEM: string(pubPEM),
		Timestamp: timestamp(),
	})
	if err != nil {
		return false, err
	}
	// A node re-initializing after losing local state finds its identity
	// already posted; the original document stands.
	if err := n.box.Post(protocol.IdentityPath(string(n.self)), msg); err != nil && !errors.Is(err, mailbox.ErrConflict) {
		return false, fmt.Errorf("node: posting identity: %w", err)
	}

	err = n.state.Update(func(s *state.NodeState) error {
		s.Initialized = true
		s.IdentityKeyPosted = true
		return nil
	})
	return false, err
}

// Identities loads every posted identity from the board and validates
// that indices are distinct and non-zero.
func (n *Node) Identities() ([]party.Identity, error) {
	if err := n.box.Sync(); err != nil {
		return nil, err
	}
	files, err := n.box.List(protocol.IdentityDir())
	if err != nil {
		return nil, err
	}
	var identities []party.Identity
	var ids []party.ID
	for _, name := range files {
		nodeID, ok := trimJSON(name)
		if !ok {
			continue
		}
		data, err := n.box.Read(protocol.IdentityPath(nodeID))
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var msg protocol.IdentityMessage
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("node: identity %s: %w", nodeID, err)
		}
		identity := party.Identity{
			NodeID:       party.ID(msg.NodeID),
			PublicKeyPEM: []byte(msg.PubKeyPEM),
		}
		identities = append(identities, identity)
		ids = append(ids, identity.NodeID)
		n.log.Debug("loaded identity",
			zap.String("peer", msg.NodeID),
			zap.String("fingerprint", identity.Fingerprint()))
	}
	if _, err := party.NewIDSlice(ids).Indices(); err != nil {
		return nil, err
	}
	return identities, nil
}

// Identity returns one node's posted identity, or nil when absent.
func (n *Node) Identity(id party.ID) (*party.Identity, error) {
	data, err := n.box.Read(protocol.IdentityPath(string(id)))
	if err != nil || data == nil {
		return nil, err
	}
	var msg protocol.IdentityMessage
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("node: identity %s: %w", id, err)
	}
	return &party.Identity{NodeID: party.ID(msg.NodeID), PublicKeyPEM: []byte(msg.PubKeyPEM)}, nil
}

func trimJSON(name string) (string, bool) {
	const suffix = ".json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}
