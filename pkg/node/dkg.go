package node

import (
	"crypto/rand"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-mpc/custodia/pkg/hsm"
	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/party"
	"github.com/custodia-mpc/custodia/pkg/protocol"
	"github.com/custodia-mpc/custodia/pkg/state"
	"github.com/custodia-mpc/custodia/protocols/dkg"
)

// DKGStart runs the none -> committed transition: sample the polynomial,
// persist the ceremony file, then post the commitments.
func (n *Node) DKGStart(roundID string, threshold, total int) error {
	current, err := n.state.Load()
	if err != nil {
		return err
	}
	if phase, err := dkg.PhaseFromString(current.DKG.Phase); err != nil {
		return err
	} else if phase != dkg.PhaseNone {
		return fmt.Errorf("%w: DKG already in progress (round %s, phase %s)",
			dkg.ErrWrongPhase, current.DKG.RoundID, phase)
	}

	session, err := dkg.NewSession(roundID, n.self, threshold, total)
	if err != nil {
		return err
	}
	commitments, err := session.GeneratePolynomial(rand.Reader)
	if err != nil {
		return err
	}

	// The ceremony file holds the secret coefficients; it must exist
	// before the commitments become public.
	blob, err := session.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(n.dkgSessionPath(roundID), blob, 0o600); err != nil {
		return fmt.Errorf("node: writing ceremony file: %w", err)
	}

	hexCommitments := make([]string, len(commitments))
	for i, c := range commitments {
		hexCommitments[i] = c.Hex()
	}
	msg, err := protocol.Marshal(&protocol.DKGCommitment{
		NodeID:      string(n.self),
		RoundID:     roundID,
		Threshold:   threshold,
		TotalNodes:  total,
		Commitments: hexCommitments,
		Timestamp:   timestamp(),
	})
	if err != nil {
		return err
	}
	if err := n.box.Post(protocol.DKGCommitmentPath(roundID, string(n.self)), msg); err != nil {
		return fmt.Errorf("node: posting commitments: %w", err)
	}

	n.log.Info("DKG committed",
		zap.String("round", roundID),
		zap.Int("threshold", threshold),
		zap.Int("total", total))

	return n.state.Update(func(s *state.NodeState) error {
		s.DKG.RoundID = roundID
		s.DKG.Phase = dkg.PhaseCommitted.String()
		s.DKG.Threshold = threshold
		s.DKG.TotalNodes = total
		return nil
	})
}

// DistributeResult reports the per-peer outcome of share distribution.
// A missing identity does not abort the other peers.
type DistributeResult struct {
	Target party.ID
	Status string // "success", "no_identity", "error"
	Err    error
}

// DKGDistribute runs the committed -> distributed transition: compute and
// encrypt a share for every peer in parallel, then post the ciphertexts
// sequentially to avoid write conflicts.
func (n *Node) DKGDistribute(roundID string) ([]DistributeResult, error) {
	current, err := n.state.Load()
	if err != nil {
		return nil, err
	}
	if phase, err := dkg.PhaseFromString(current.DKG.Phase); err != nil {
		return nil, err
	} else if phase != dkg.PhaseCommitted {
		return nil, fmt.Errorf("%w: phase is %s, want committed", dkg.ErrWrongPhase, phase)
	}

	session, err := n.loadDKGSession(roundID)
	if err != nil {
		return nil, err
	}
	identities, err := n.Identities()
	if err != nil {
		return nil, err
	}
	keys := make(map[party.ID][]byte, len(identities))
	for _, identity := range identities {
		keys[identity.NodeID] = identity.PublicKeyPEM
	}

	// The ceremony parameters fix the participant set as node1..nodeN; a
	// peer that has not posted an identity yet is reported without
	// aborting the others.
	targets := make([]party.ID, 0, session.Total-1)
	for i := 1; i <= session.Total; i++ {
		id := party.ID(fmt.Sprintf("%s%d", party.IDPrefix, i))
		if id != n.self {
			targets = append(targets, id)
		}
	}
	results := make([]DistributeResult, len(targets))
	ciphertexts := make([][]byte, len(targets))

	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			pubPEM, ok := keys[target]
			if !ok {
				results[i] = DistributeResult{Target: target, Status: "no_identity"}
				return nil
			}
			index, err := target.Index()
			if err != nil {
				results[i] = DistributeResult{Target: target, Status: "error", Err: err}
				return nil
			}
			share, err := session.ShareFor(index)
			if err != nil {
				results[i] = DistributeResult{Target: target, Status: "error", Err: err}
				return nil
			}
			shareBytes := share.Bytes()
			share.Zero()
			ciphertext, err := hsm.EncryptForRecipient(pubPEM, shareBytes[:])
			for j := range shareBytes {
				shareBytes[j] = 0
			}
			if err != nil {
				results[i] = DistributeResult{Target: target, Status: "error", Err: err}
				return nil
			}
			results[i] = DistributeResult{Target: target, Status: "success"}
			ciphertexts[i] = ciphertext
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, result := range results {
		if result.Status != "success" {
			continue
		}
		path := protocol.DKGSharePath(roundID, string(n.self), string(result.Target))
		if err := n.box.Post(path, ciphertexts[i]); err != nil {
			results[i] = DistributeResult{Target: result.Target, Status: "error", Err: err}
		}
	}

	n.log.Info("DKG shares distributed", zap.String("round", roundID), zap.Int("peers", len(targets)))

	err = n.state.Update(func(s *state.NodeState) error {
		s.DKG.Phase = dkg.PhaseDistributed.String()
		return nil
	})
	return results, err
}

// FinalizeError aggregates every share failure in a DKG finalize. The
// finalize aborts as a whole; no share is partially accepted.
type FinalizeError struct {
	Failures []string
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("node: DKG finalize aborted: %s", strings.Join(e.Failures, "; "))
}

// DKGFinalize runs the distributed -> finalized transition: verify every
// incoming share, assemble the final share and group key, and store the
// share in the token.
func (n *Node) DKGFinalize(roundID string) (groupKeyHex string, err error) {
	current, err := n.state.Load()
	if err != nil {
		return "", err
	}
	if phase, err := dkg.PhaseFromString(current.DKG.Phase); err != nil {
		return "", err
	} else if phase != dkg.PhaseDistributed {
		return "", fmt.Errorf("%w: phase is %s, want distributed", dkg.ErrWrongPhase, phase)
	}

	session, err := n.loadDKGSession(roundID)
	if err != nil {
		return "", err
	}

	if err := n.loadPeerCommitments(roundID, session); err != nil {
		return "", err
	}

	shareFiles, err := n.box.List(protocol.DKGShareDir(roundID))
	if err != nil {
		return "", err
	}
	suffix := "_to_" + string(n.self) + ".enc"
	var mine []string
	for _, name := range shareFiles {
		if strings.HasSuffix(name, suffix) {
			mine = append(mine, name)
		}
	}
	expected := session.Total - 1
	if len(mine) < expected {
		return "", fmt.Errorf("%w: %d of %d", ErrInsufficientShares, len(mine), expected)
	}

	// Read ciphertexts off the board up front; decryption and
	// verification then run in parallel without touching the mailbox.
	ciphertexts := make(map[party.ID][]byte, len(mine))
	for _, name := range mine {
		sender := party.ID(strings.TrimSuffix(name, suffix))
		data, err := n.box.Read(protocol.DKGShareDir(roundID) + "/" + name)
		if err != nil {
			return "", err
		}
		ciphertexts[sender] = data
	}

	var (
		mu       sync.Mutex
		failures []string
	)
	var g errgroup.Group
	for sender, ciphertext := range ciphertexts {
		sender, ciphertext := sender, ciphertext
		g.Go(func() error {
			plaintext, err := n.tok.DecryptIdentity(ciphertext)
			if err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", sender, err))
				mu.Unlock()
				return nil
			}
			share := curve.NewScalar().SetBytes(plaintext)
			for i := range plaintext {
				plaintext[i] = 0
			}
			mu.Lock()
			defer mu.Unlock()
			ok, err := session.ReceiveShare(sender, share)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", sender, err))
				return nil
			}
			if !ok {
				failures = append(failures, fmt.Sprintf("%s: verification failed", sender))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if len(failures) > 0 {
		sort.Strings(failures)
		return "", &FinalizeError{Failures: failures}
	}

	result, err := session.Finalize()
	if err != nil {
		return "", err
	}
	shareBytes := result.FinalShare.Bytes()
	result.FinalShare.Zero()
	if err := n.tok.ReplaceSecret(hsm.ShareLabel(roundID), shareBytes[:]); err != nil {
		return "", fmt.Errorf("node: storing final share: %w", err)
	}
	for i := range shareBytes {
		shareBytes[i] = 0
	}
	groupKeyHex = result.GroupKey.Hex()

	n.log.Info("DKG finalized",
		zap.String("round", roundID),
		zap.String("group_key", groupKeyHex))

	err = n.state.Update(func(s *state.NodeState) error {
		s.DKG.Phase = dkg.PhaseFinalized.String()
		s.DKG.MyShareStored = true
		s.DKG.GroupPubKeyHex = groupKeyHex
		return nil
	})
	return groupKeyHex, err
}

func (n *Node) loadDKGSession(roundID string) (*dkg.Session, error) {
	blob, err := os.ReadFile(n.dkgSessionPath(roundID))
	if err != nil {
		return nil, fmt.Errorf("node: reading ceremony file: %w", err)
	}
	return dkg.RestoreSession(blob)
}

func (n *Node) loadPeerCommitments(roundID string, session *dkg.Session) error {
	files, err := n.box.List(protocol.DKGCommitmentDir(roundID))
	if err != nil {
		return err
	}
	for _, name := range files {
		nodeID, ok := trimJSON(name)
		if !ok || nodeID == string(n.self) {
			continue
		}
		data, err := n.box.Read(protocol.DKGCommitmentPath(roundID, nodeID))
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		var msg protocol.DKGCommitment
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("node: commitments from %s: %w", nodeID, err)
		}
		points := make([]*curve.Point, len(msg.Commitments))
		for i, h := range msg.Commitments {
			p, err := curve.PointFromHex(h)
			if err != nil {
				return fmt.Errorf("node: commitment %d from %s: %w", i, nodeID, err)
			}
			points[i] = p
		}
		if err := session.ReceiveCommitment(party.ID(msg.NodeID), points); err != nil {
			return err
		}
	}
	return nil
}

// DKGProgress reports a round's board state for status output.
type DKGProgress struct {
	Commitments    []string
	SharesReceived []string
}

// DKGStatus inspects the board for a round.
func (n *Node) DKGStatus(roundID string) (*DKGProgress, error) {
	commitFiles, err := n.box.List(protocol.DKGCommitmentDir(roundID))
	if err != nil {
		return nil, err
	}
	progress := &DKGProgress{}
	for _, name := range commitFiles {
		if nodeID, ok := trimJSON(name); ok {
			progress.Commitments = append(progress.Commitments, nodeID)
		}
	}
	shareFiles, err := n.box.List(protocol.DKGShareDir(roundID))
	if err != nil {
		return nil, err
	}
	suffix := "_to_" + string(n.self) + ".enc"
	for _, name := range shareFiles {
		if strings.HasSuffix(name, suffix) {
			progress.SharesReceived = append(progress.SharesReceived, strings.TrimSuffix(name, suffix))
		}
	}
	return progress, nil
}
