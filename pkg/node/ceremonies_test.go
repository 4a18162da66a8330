package node_test

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/custodia-mpc/custodia/pkg/hsm"
	"github.com/custodia-mpc/custodia/pkg/mailbox"
	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/node"
	"github.com/custodia-mpc/custodia/pkg/party"
	"github.com/custodia-mpc/custodia/pkg/protocol"
	"github.com/custodia-mpc/custodia/protocols/dkg"
	"github.com/custodia-mpc/custodia/protocols/sign"
)

const testPIN = "12345678"

var clusterIDs = []party.ID{"node1", "node2", "node3"}

// makeNode builds a fresh orchestrator instance, modelling one CLI
// process: every ceremony step reopens the token, board and state.
func makeNode(id party.ID, dataDir, boardRoot string) *node.Node {
	tok, err := hsm.NewFileToken(filepath.Join(dataDir, "token"), testPIN, hsm.ModeDemo)
	Expect(err).NotTo(HaveOccurred())
	box, err := mailbox.NewDirMailbox(boardRoot)
	Expect(err).NotTo(HaveOccurred())
	n, err := node.New(node.Config{
		NodeID:     id,
		DataDir:    dataDir,
		MailboxURL: boardRoot,
		PIN:        testPIN,
		Mode:       hsm.ModeDemo,
	}, box, tok, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	return n
}

var _ = Describe("custody ceremonies", Ordered, func() {
	const round = "genesis"

	var (
		board       string
		dataDirs    map[party.ID]string
		groupKeyHex string
		requestID   string
		messageHash string
	)

	at := func(id party.ID) *node.Node {
		return makeNode(id, dataDirs[id], board)
	}
	boardPath := func(elem ...string) string {
		return filepath.Join(append([]string{board}, elem...)...)
	}

	BeforeAll(func() {
		base := GinkgoT().TempDir()
		board = filepath.Join(base, "board")
		dataDirs = make(map[party.ID]string, len(clusterIDs))
		for _, id := range clusterIDs {
			dataDirs[id] = filepath.Join(base, string(id))
		}
	})

	It("initializes every node and posts identities", func() {
		for _, id := range clusterIDs {
			already, err := at(id).Init()
			Expect(err).NotTo(HaveOccurred())
			Expect(already).To(BeFalse())
		}
		// Init is idempotent.
		already, err := at("node1").Init()
		Expect(err).NotTo(HaveOccurred())
		Expect(already).To(BeTrue())

		identities, err := at("node1").Identities()
		Expect(err).NotTo(HaveOccurred())
		Expect(identities).To(HaveLen(3))
	})

	It("completes a 2-of-3 key generation", func() {
		for _, id := range clusterIDs {
			Expect(at(id).DKGStart(round, 2, 3)).To(Succeed())
		}
		// Starting twice is a phase violation.
		Expect(at("node1").DKGStart(round, 2, 3)).To(MatchError(dkg.ErrWrongPhase))

		// With only two nodes distributed, node1 cannot finalize yet.
		_, err := at("node1").DKGDistribute(round)
		Expect(err).NotTo(HaveOccurred())
		_, err = at("node2").DKGDistribute(round)
		Expect(err).NotTo(HaveOccurred())
		_, err = at("node1").DKGFinalize(round)
		Expect(err).To(MatchError(node.ErrInsufficientShares))

		_, err = at("node3").DKGDistribute(round)
		Expect(err).NotTo(HaveOccurred())

		keys := make(map[party.ID]string, len(clusterIDs))
		for _, id := range clusterIDs {
			key, err := at(id).DKGFinalize(round)
			Expect(err).NotTo(HaveOccurred())
			keys[id] = key
		}
		Expect(keys["node2"]).To(Equal(keys["node1"]))
		Expect(keys["node3"]).To(Equal(keys["node1"]))
		groupKeyHex = keys["node1"]

		// The group key is the sum of the constant-term commitments
		// posted on the board.
		sum := curve.NewPoint()
		box, err := mailbox.NewDirMailbox(board)
		Expect(err).NotTo(HaveOccurred())
		for _, id := range clusterIDs {
			data, err := box.Read(protocol.DKGCommitmentPath(round, string(id)))
			Expect(err).NotTo(HaveOccurred())
			var msg protocol.DKGCommitment
			Expect(protocol.Unmarshal(data, &msg)).To(Succeed())
			c0, err := curve.PointFromHex(msg.Commitments[0])
			Expect(err).NotTo(HaveOccurred())
			sum = sum.Add(c0)
		}
		Expect(sum.Hex()).To(Equal(groupKeyHex))
	})

	It("signs a message with a locked 2-of-3 subset", func() {
		var err error
		requestID, messageHash, err = at("node1").SignRequest("hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(messageHash).To(Equal("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"))

		for _, id := range clusterIDs {
			result, err := at(id).SignApprove(requestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Counter).To(BeNumerically(">=", 1))
			Expect(result.RHex).NotTo(BeEmpty())
		}

		// node1 finalizes first and locks the deterministic subset.
		outcome, err := at("node1").SignFinalize(requestID)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Status).To(Equal(node.StatusPartialPosted))
		Expect(outcome.Participants.Strings()).To(Equal([]string{"node1", "node2"}))

		// node3 approved but is outside the locked set.
		_, err = at("node3").SignFinalize(requestID)
		Expect(err).To(MatchError(node.ErrNotInLockedSet))

		// node2 completes the signature.
		outcome, err = at("node2").SignFinalize(requestID)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Status).To(Equal(node.StatusCompleted))

		groupKey, err := curve.PointFromHex(groupKeyHex)
		Expect(err).NotTo(HaveOccurred())
		hashBytes, err := hex.DecodeString(messageHash)
		Expect(err).NotTo(HaveOccurred())
		ok, err := sign.Verify(outcome.RHex, outcome.SHex, groupKey, hashBytes)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		// The result document is on the board with the locked set.
		box, err := mailbox.NewDirMailbox(board)
		Expect(err).NotTo(HaveOccurred())
		data, err := box.Read(protocol.ResultPath(requestID))
		Expect(err).NotTo(HaveOccurred())
		var result protocol.FinalSignature
		Expect(protocol.Unmarshal(data, &result)).To(Succeed())
		Expect(result.Participants).To(Equal([]string{"node1", "node2"}))
		Expect(result.R).To(Equal(outcome.RHex))

		// Finalize is re-entrant after completion.
		again, err := at("node1").SignFinalize(requestID)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Status).To(Equal(node.StatusCompleted))
		Expect(again.SHex).To(Equal(outcome.SHex))
	})

	It("refuses a second approval for the same request", func() {
		_, err := at("node1").SignApprove(requestID)
		Expect(err).To(MatchError(node.ErrNonceReuse))
	})

	It("keeps witnesses across a state rewind", func() {
		stateFile := filepath.Join(dataDirs["node1"], "state.json")
		snapshot, err := os.ReadFile(stateFile)
		Expect(err).NotTo(HaveOccurred())

		r2, _, err := at("node1").SignRequest("rewind target")
		Expect(err).NotTo(HaveOccurred())
		_, err = at("node1").SignApprove(r2)
		Expect(err).NotTo(HaveOccurred())

		// Restore the pre-approval state file: the local witness is
		// gone, but the token still remembers.
		Expect(os.WriteFile(stateFile, snapshot, 0o600)).To(Succeed())
		_, err = at("node1").SignApprove(r2)
		Expect(err).To(MatchError(node.ErrNonceReuse))
	})

	It("keeps witnesses across a board rewind", func() {
		stateFile := filepath.Join(dataDirs["node2"], "state.json")
		snapshot, err := os.ReadFile(stateFile)
		Expect(err).NotTo(HaveOccurred())

		r3, _, err := at("node2").SignRequest("board rewind target")
		Expect(err).NotTo(HaveOccurred())
		_, err = at("node2").SignApprove(r3)
		Expect(err).NotTo(HaveOccurred())

		// Rewind both the local state and the board entry: only the
		// token witnesses remain, and they are enough.
		Expect(os.WriteFile(stateFile, snapshot, 0o600)).To(Succeed())
		Expect(os.Remove(boardPath("signing", r3, "commitments", "node2.json"))).To(Succeed())
		_, err = at("node2").SignApprove(r3)
		Expect(err).To(MatchError(node.ErrNonceReuse))
	})

	It("recovers a board-only commitment", func() {
		stateFile := filepath.Join(dataDirs["node3"], "state.json")
		tokenFile := filepath.Join(dataDirs["node3"], "token", "token.json")
		stateSnapshot, err := os.ReadFile(stateFile)
		Expect(err).NotTo(HaveOccurred())
		tokenSnapshot, err := os.ReadFile(tokenFile)
		Expect(err).NotTo(HaveOccurred())

		r4, _, err := at("node3").SignRequest("recovery target")
		Expect(err).NotTo(HaveOccurred())
		_, err = at("node3").SignApprove(r4)
		Expect(err).NotTo(HaveOccurred())

		// Restore both local witnesses; only the board remembers. The
		// guard re-records the board's commitment and refuses.
		Expect(os.WriteFile(stateFile, stateSnapshot, 0o600)).To(Succeed())
		Expect(os.WriteFile(tokenFile, tokenSnapshot, 0o600)).To(Succeed())
		_, err = at("node3").SignApprove(r4)
		Expect(err).To(MatchError(node.ErrAlreadyCommitted))

		// The recovery restored the other witnesses: a further attempt
		// is plain nonce reuse.
		_, err = at("node3").SignApprove(r4)
		Expect(err).To(MatchError(node.ErrNonceReuse))
	})

	It("reports a consistent audit after the ceremonies", func() {
		status, err := at("node1").Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State.DKG.Phase).To(Equal("finalized"))
		Expect(status.Nonces.Initialized).To(BeTrue())
		Expect(status.Nonces.CounterKnown).To(BeTrue())
		Expect(status.Nonces.Counter).To(BeNumerically(">=", 2))
		Expect(status.BoardNodes).To(Equal([]string{"node1", "node2", "node3"}))
	})
})

var _ = Describe("dishonest dealer", Ordered, func() {
	const round = "round2"

	var (
		board    string
		dataDirs map[party.ID]string
	)

	at := func(id party.ID) *node.Node {
		return makeNode(id, dataDirs[id], board)
	}

	BeforeAll(func() {
		base := GinkgoT().TempDir()
		board = filepath.Join(base, "board")
		dataDirs = make(map[party.ID]string, len(clusterIDs))
		for _, id := range clusterIDs {
			dataDirs[id] = filepath.Join(base, string(id))
			_, err := at(id).Init()
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("aborts finalize when a share is tampered with", func() {
		for _, id := range clusterIDs {
			Expect(at(id).DKGStart(round, 2, 3)).To(Succeed())
		}
		for _, id := range clusterIDs {
			_, err := at(id).DKGDistribute(round)
			Expect(err).NotTo(HaveOccurred())
		}

		// Corrupt node2's share to node1 on the board.
		tampered := filepath.Join(board, "dkg", round, "shares", "node2_to_node1.enc")
		Expect(os.WriteFile(tampered, []byte("garbage ciphertext"), 0o644)).To(Succeed())

		_, err := at("node1").DKGFinalize(round)
		var finalizeErr *node.FinalizeError
		Expect(err).To(HaveOccurred())
		Expect(errors.As(err, &finalizeErr)).To(BeTrue())
		Expect(finalizeErr.Failures).To(HaveLen(1))
		Expect(finalizeErr.Failures[0]).To(ContainSubstring("node2"))

		// No partial acceptance: the phase is still distributed and the
		// untampered nodes can complete.
		status, err := at("node1").Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State.DKG.Phase).To(Equal("distributed"))
		Expect(status.State.DKG.MyShareStored).To(BeFalse())

		key2, err := at("node2").DKGFinalize(round)
		Expect(err).NotTo(HaveOccurred())
		key3, err := at("node3").DKGFinalize(round)
		Expect(err).NotTo(HaveOccurred())
		Expect(key3).To(Equal(key2))
	})
})
