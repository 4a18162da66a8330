package node

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/custodia-mpc/custodia/pkg/hsm"
	"github.com/custodia-mpc/custodia/pkg/mailbox"
	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/party"
	"github.com/custodia-mpc/custodia/pkg/protocol"
	"github.com/custodia-mpc/custodia/pkg/state"
	"github.com/custodia-mpc/custodia/protocols/sign"
)

// SignRequest posts a new signing request and returns its ID.
func (n *Node) SignRequest(message string) (requestID, messageHash string, err error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", "", err
	}
	requestID = "tx_" + hex.EncodeToString(suffix[:])
	digest := sha256.Sum256([]byte(message))
	messageHash = hex.EncodeToString(digest[:])

	preview := message
	if len(preview) > 50 {
		preview = preview[:50]
	}
	msg, err := protocol.Marshal(&protocol.SigningRequest{
		RequestID:      requestID,
		MessageHash:    messageHash,
		MessagePreview: preview,
		Requester:      string(n.self),
		Timestamp:      timestamp(),
	})
	if err != nil {
		return "", "", err
	}
	if err := n.box.Post(protocol.SigningRequestPath(requestID), msg); err != nil {
		return "", "", fmt.Errorf("node: posting request: %w", err)
	}
	n.log.Info("signing request posted", zap.String("request", requestID))
	return requestID, messageHash, nil
}

// RequestSummary describes a signing request's board state.
type RequestSummary struct {
	Request     protocol.SigningRequest
	Commitments int
	Partials    int
	Signed      bool
}

// Requests lists every signing request on the board.
func (n *Node) Requests() ([]RequestSummary, error) {
	if err := n.box.Sync(); err != nil {
		return nil, err
	}
	dirs, err := n.box.List(protocol.SigningDir())
	if err != nil {
		return nil, err
	}
	var out []RequestSummary
	for _, requestID := range dirs {
		data, err := n.box.Read(protocol.SigningRequestPath(requestID))
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var req protocol.SigningRequest
		if err := protocol.Unmarshal(data, &req); err != nil {
			continue
		}
		commitments, err := n.box.List(protocol.NonceCommitmentDir(requestID))
		if err != nil {
			return nil, err
		}
		partials, err := n.box.List(protocol.PartialDir(requestID))
		if err != nil {
			return nil, err
		}
		result, err := n.box.Read(protocol.ResultPath(requestID))
		if err != nil {
			return nil, err
		}
		out = append(out, RequestSummary{
			Request:     req,
			Commitments: len(commitments),
			Partials:    len(partials),
			Signed:      result != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.RequestID < out[j].Request.RequestID })
	return out, nil
}

// ApproveResult reports a successful approval.
type ApproveResult struct {
	RequestID   string
	Counter     uint64
	RHex        string
	Requester   string
	Preview     string
	MessageHash string
}

// SignApprove approves a signing request: after the triple-layer guard
// passes, it derives the nonce (advancing the token counter), records the
// use locally, posts the commitment, and persists the signer session
// without the nonce.
//
// Ordering is the safety argument: the counter advances before anything
// is published, the local record is written before the board post, and a
// crash at any point leaves a state the guard recognizes.
func (n *Node) SignApprove(requestID string) (*ApproveResult, error) {
	current, err := n.state.Load()
	if err != nil {
		return nil, err
	}
	if !current.DKG.MyShareStored {
		return nil, ErrDKGNotComplete
	}

	reqData, err := n.box.Read(protocol.SigningRequestPath(requestID))
	if err != nil {
		return nil, err
	}
	if reqData == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	var req protocol.SigningRequest
	if err := protocol.Unmarshal(reqData, &req); err != nil {
		return nil, err
	}
	messageHash, err := hex.DecodeString(req.MessageHash)
	if err != nil || len(messageHash) != 32 {
		return nil, fmt.Errorf("node: request %s has malformed message hash", requestID)
	}

	if err := n.nonceGuard(requestID); err != nil {
		return nil, err
	}

	shareBytes, err := n.tok.ReadSecret(hsm.ShareLabel(current.DKG.RoundID))
	if err != nil {
		return nil, fmt.Errorf("node: loading share: %w", err)
	}
	share := curve.NewScalar().SetBytes(shareBytes)
	for i := range shareBytes {
		shareBytes[i] = 0
	}
	groupKey, err := curve.PointFromHex(current.DKG.GroupPubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("node: corrupt group key in state: %w", err)
	}

	derivation, err := n.deriver.Derive(requestID, messageHash)
	if err != nil {
		return nil, fmt.Errorf("node: deriving nonce: %w", err)
	}
	n.log.Info("nonce derived",
		zap.String("request", requestID),
		zap.Uint64("counter", derivation.Counter))

	R, err := curve.PointFromHex(derivation.RHex)
	if err != nil {
		return nil, err
	}
	signer, err := sign.NewSigner(n.self, share, groupKey)
	if err != nil {
		return nil, err
	}
	if err := signer.Begin(requestID, messageHash, derivation.K, R); err != nil {
		return nil, err
	}

	// Witness order: token first, then local state, then the board. A
	// crash between steps leaves earlier witnesses in place, which is
	// exactly what the guard checks.
	err = n.tok.StoreSecret(hsm.NonceLabel(requestID), []byte(derivation.RHex))
	if err != nil && !errors.Is(err, hsm.ErrObjectExists) {
		return nil, fmt.Errorf("node: recording nonce witness: %w", err)
	}
	err = n.state.RecordNonceDerivation(requestID, state.DerivationRecord{
		Counter:        derivation.Counter,
		RHex:           derivation.RHex,
		MessageHashHex: derivation.MessageHashHex,
	})
	if err != nil {
		return nil, err
	}

	msg, err := protocol.Marshal(&protocol.NonceCommitment{
		NodeID:      string(n.self),
		RequestID:   requestID,
		RCommitment: derivation.RHex,
		Timestamp:   timestamp(),
	})
	if err != nil {
		return nil, err
	}
	if err := n.box.Post(protocol.NonceCommitmentPath(requestID, string(n.self)), msg); err != nil {
		return nil, fmt.Errorf("node: posting commitment: %w", err)
	}

	if err := n.saveSigner(requestID, signer); err != nil {
		return nil, err
	}
	derivation.K.Zero()

	return &ApproveResult{
		RequestID:   requestID,
		Counter:     derivation.Counter,
		RHex:        derivation.RHex,
		Requester:   req.Requester,
		Preview:     req.MessagePreview,
		MessageHash: req.MessageHash,
	}, nil
}

// nonceGuard is the triple-layer nonce-reuse check. All three witnesses
// must be clean: local state, token, board. A board-only commitment is
// recovered into the other two witnesses and reported as
// ErrAlreadyCommitted; any other dirty layer is ErrNonceReuse.
func (n *Node) nonceGuard(requestID string) error {
	unused, err := n.state.NonceUnused(requestID)
	if err != nil {
		return err
	}
	if !unused {
		return fmt.Errorf("%w: local state witnesses %s", ErrNonceReuse, requestID)
	}

	obj, err := n.tok.FindObject(hsm.NonceLabel(requestID))
	if err != nil {
		return err
	}
	if obj != nil {
		return fmt.Errorf("%w: token witnesses %s", ErrNonceReuse, requestID)
	}
	derived, err := n.deriver.HasDerivationFor(requestID)
	if err != nil {
		return err
	}
	if derived {
		return fmt.Errorf("%w: token derivation record witnesses %s", ErrNonceReuse, requestID)
	}

	data, err := n.box.Read(protocol.NonceCommitmentPath(requestID, string(n.self)))
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	// Local and token layers are clean but the board already has our
	// commitment: local state was lost or restored. Re-record the
	// board's commitment so the other witnesses agree again.
	var msg protocol.NonceCommitment
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: and board commitment is unparseable: %v", ErrAlreadyCommitted, err)
	}
	if err := n.tok.StoreSecret(hsm.NonceLabel(requestID), []byte(msg.RCommitment)); err != nil && !errors.Is(err, hsm.ErrObjectExists) {
		n.log.Warn("nonce witness recovery: token", zap.Error(err))
	}
	if err := n.state.RecordNonceUse(requestID, msg.RCommitment); err != nil {
		n.log.Warn("nonce witness recovery: local state", zap.Error(err))
	}
	n.log.Warn("recovered board commitment into local and token witnesses",
		zap.String("request", requestID))
	return fmt.Errorf("%w: %s", ErrAlreadyCommitted, requestID)
}

// SignStatus is the outcome class of a finalize attempt.
type SignStatus string

const (
	// StatusPartialPosted means our partial is on the board but fewer
	// than t partials exist yet.
	StatusPartialPosted SignStatus = "partial_posted"

	// StatusCompleted means a verified final signature was posted.
	StatusCompleted SignStatus = "completed"
)

// SignOutcome reports a finalize attempt.
type SignOutcome struct {
	Status       SignStatus
	Participants party.IDSlice
	Partials     int
	Threshold    int
	RHex         string
	SHex         string
}

// SignFinalize drives the finalize phase: participant-set locking,
// partial signature computation and, once t partials exist, combination
// and verification. It is re-entrant; call it again as peers catch up.
func (n *Node) SignFinalize(requestID string) (*SignOutcome, error) {
	current, err := n.state.Load()
	if err != nil {
		return nil, err
	}
	threshold := current.DKG.Threshold

	signer, err := n.loadSigner(requestID)
	if err != nil {
		return nil, err
	}
	session := signer.Session(requestID)
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, requestID)
	}

	commitFiles, err := n.box.List(protocol.NonceCommitmentDir(requestID))
	if err != nil {
		return nil, err
	}
	var committed []party.ID
	selfCommitted := false
	for _, name := range commitFiles {
		nodeID, ok := trimJSON(name)
		if !ok {
			continue
		}
		committed = append(committed, party.ID(nodeID))
		if nodeID == string(n.self) {
			selfCommitted = true
		}
	}
	if len(committed) < threshold {
		return nil, fmt.Errorf("%w: %d of %d commitments", ErrBelowThreshold, len(committed), threshold)
	}
	if !selfCommitted {
		return nil, fmt.Errorf("%w: %s", ErrNotApproved, requestID)
	}

	participants, err := n.lockParticipants(requestID, committed, threshold)
	if err != nil {
		return nil, err
	}

	for _, id := range participants {
		if id == n.self {
			continue
		}
		data, err := n.box.Read(protocol.NonceCommitmentPath(requestID, string(id)))
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("%w: commitment from %s vanished", sign.ErrParticipantMissing, id)
		}
		var msg protocol.NonceCommitment
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if err := signer.ReceiveNonceCommitment(requestID, id, msg.RCommitment); err != nil {
			return nil, err
		}
	}

	partial := session.Partials[n.self]
	if partial == nil {
		// First finalize attempt for this node: re-derive the nonce in the
		// token from the counter in the local derivation record and
		// compute the partial.
		record, ok, err := n.state.Derivation(requestID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no local derivation record for %s", ErrNoSession, requestID)
		}
		k, err := n.deriver.Rederive(record.Counter, requestID, session.MessageHash, record.RHex)
		if err != nil {
			return nil, err
		}
		if err := signer.ResumeNonce(requestID, k); err != nil {
			return nil, err
		}
		partial, err = signer.ComputePartial(requestID, participants)
		if err != nil {
			return nil, err
		}
	}

	msg, err := protocol.Marshal(&protocol.PartialSignature{
		NodeID:    string(n.self),
		RequestID: requestID,
		PartialS:  partial.Hex(),
		Timestamp: timestamp(),
	})
	if err != nil {
		return nil, err
	}
	// A re-entrant finalize re-posts the partial with a fresh timestamp;
	// the first posted document stands.
	if err := n.box.Post(protocol.PartialPath(requestID, string(n.self)), msg); err != nil && !errors.Is(err, mailbox.ErrConflict) {
		return nil, fmt.Errorf("node: posting partial: %w", err)
	}
	if err := n.saveSigner(requestID, signer); err != nil {
		return nil, err
	}

	partialFiles, err := n.box.List(protocol.PartialDir(requestID))
	if err != nil {
		return nil, err
	}
	outcome := &SignOutcome{
		Status:       StatusPartialPosted,
		Participants: participants,
		Partials:     len(partialFiles),
		Threshold:    threshold,
	}
	if len(partialFiles) < threshold {
		return outcome, nil
	}

	// Load partials for the locked participants exactly; extra partials
	// from non-participants are ignored.
	partials := make(map[party.ID]*curve.Scalar, len(participants))
	for _, id := range participants {
		data, err := n.box.Read(protocol.PartialPath(requestID, string(id)))
		if err != nil {
			return nil, err
		}
		if data == nil {
			return outcome, nil
		}
		var pmsg protocol.PartialSignature
		if err := protocol.Unmarshal(data, &pmsg); err != nil {
			return nil, err
		}
		s, err := curve.ScalarFromHex(pmsg.PartialS)
		if err != nil {
			return nil, fmt.Errorf("node: partial from %s: %w", id, err)
		}
		partials[id] = s
	}

	rHex, sHex, err := sign.Combine(partials, session.Commitments, participants)
	if err != nil {
		return nil, err
	}
	ok, err := sign.Verify(rHex, sHex, signer.GroupKey(), session.MessageHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrBadCombination, requestID)
	}

	resultMsg, err := protocol.Marshal(&protocol.FinalSignature{
		RequestID:    requestID,
		R:            rHex,
		S:            sHex,
		Participants: participants.Strings(),
		Timestamp:    timestamp(),
	})
	if err != nil {
		return nil, err
	}
	if err := n.box.Post(protocol.ResultPath(requestID), resultMsg); err != nil && !errors.Is(err, mailbox.ErrConflict) {
		return nil, fmt.Errorf("node: posting result: %w", err)
	}

	n.log.Info("signature completed",
		zap.String("request", requestID),
		zap.String("R", rHex),
		zap.String("s", sHex))

	outcome.Status = StatusCompleted
	outcome.RHex = rHex
	outcome.SHex = sHex
	return outcome, nil
}

// lockParticipants resolves the participant set for a signing session.
// The first finalizer posts a deterministic t-sized subset including
// itself; the board's linear history picks the winner of a post race and
// losers adopt the winning set.
func (n *Node) lockParticipants(requestID string, committed []party.ID, threshold int) (party.IDSlice, error) {
	adopt := func(data []byte) (party.IDSlice, error) {
		var lock protocol.SessionLock
		if err := protocol.Unmarshal(data, &lock); err != nil {
			return nil, err
		}
		participants := party.FromStrings(lock.Participants)
		if !participants.Contains(n.self) {
			return nil, fmt.Errorf("%w: locked by %s", ErrNotInLockedSet, lock.LockedBy)
		}
		return participants, nil
	}

	data, err := n.box.Read(protocol.SessionLockPath(requestID))
	if err != nil {
		return nil, err
	}
	if data != nil {
		return adopt(data)
	}

	sorted := party.NewIDSlice(committed)
	var selected party.IDSlice
	if sorted[:threshold].Contains(n.self) {
		selected = party.NewIDSlice(sorted[:threshold])
	} else {
		chosen := []party.ID{n.self}
		for _, id := range sorted {
			if len(chosen) == threshold {
				break
			}
			if id != n.self {
				chosen = append(chosen, id)
			}
		}
		selected = party.NewIDSlice(chosen)
	}

	msg, err := protocol.Marshal(&protocol.SessionLock{
		Participants: selected.Strings(),
		LockedBy:     string(n.self),
		Timestamp:    timestamp(),
	})
	if err != nil {
		return nil, err
	}
	err = n.box.Post(protocol.SessionLockPath(requestID), msg)
	if errors.Is(err, mailbox.ErrConflict) {
		// Lost the race: adopt the winner.
		data, rerr := n.box.Read(protocol.SessionLockPath(requestID))
		if rerr != nil {
			return nil, rerr
		}
		if data == nil {
			return nil, err
		}
		return adopt(data)
	}
	if err != nil {
		return nil, fmt.Errorf("node: posting session lock: %w", err)
	}
	n.log.Info("locked participant set",
		zap.String("request", requestID),
		zap.Strings("participants", selected.Strings()))
	return selected, nil
}

func (n *Node) saveSigner(requestID string, signer *sign.Signer) error {
	data, err := json.MarshalIndent(signer, "", "  ")
	if err != nil {
		return fmt.Errorf("node: encoding signer state: %w", err)
	}
	if err := os.WriteFile(n.signerPath(requestID), data, 0o600); err != nil {
		return fmt.Errorf("node: writing signer state: %w", err)
	}
	return nil
}

func (n *Node) loadSigner(requestID string) (*sign.Signer, error) {
	data, err := os.ReadFile(n.signerPath(requestID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("node: reading signer state: %w", err)
	}
	signer := &sign.Signer{}
	if err := json.Unmarshal(data, signer); err != nil {
		return nil, err
	}
	return signer, nil
}
