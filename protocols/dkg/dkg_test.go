package dkg_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
	"github.com/custodia-mpc/custodia/pkg/math/polynomial"
	"github.com/custodia-mpc/custodia/pkg/party"
	"github.com/custodia-mpc/custodia/protocols/dkg"
)

var allNodes = []party.ID{"node1", "node2", "node3"}

// runCeremony drives a full (t, n) ceremony across in-memory sessions and
// returns each node's result.
func runCeremony(t *testing.T, threshold int) map[party.ID]*dkg.Result {
	t.Helper()
	sessions := make(map[party.ID]*dkg.Session, len(allNodes))
	commitments := make(map[party.ID][]*curve.Point, len(allNodes))
	for _, id := range allNodes {
		session, err := dkg.NewSession("round1", id, threshold, len(allNodes))
		require.NoError(t, err)
		commits, err := session.GeneratePolynomial(rand.Reader)
		require.NoError(t, err)
		sessions[id] = session
		commitments[id] = commits
	}
	for _, receiver := range allNodes {
		for _, sender := range allNodes {
			if sender == receiver {
				continue
			}
			require.NoError(t, sessions[receiver].ReceiveCommitment(sender, commitments[sender]))
		}
	}
	for _, receiver := range allNodes {
		receiverIndex, err := receiver.Index()
		require.NoError(t, err)
		for _, sender := range allNodes {
			if sender == receiver {
				continue
			}
			share, err := sessions[sender].ShareFor(receiverIndex)
			require.NoError(t, err)
			ok, err := sessions[receiver].ReceiveShare(sender, share)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	results := make(map[party.ID]*dkg.Result, len(allNodes))
	for _, id := range allNodes {
		result, err := sessions[id].Finalize()
		require.NoError(t, err)
		results[id] = result
	}
	return results
}

func TestHappyCeremony(t *testing.T) {
	results := runCeremony(t, 2)

	// Every node derives the same group key.
	groupKey := results["node1"].GroupKey
	for _, id := range allNodes {
		assert.True(t, results[id].GroupKey.Equal(groupKey), "%s", id)
	}
	assert.False(t, groupKey.IsIdentity())

	// Any 2 final shares interpolate back to the group secret in the
	// exponent: interpolate(shares)(0) * G == group key.
	shares := map[uint32]*curve.Scalar{
		1: curve.NewScalar().Set(results["node1"].FinalShare),
		2: curve.NewScalar().Set(results["node2"].FinalShare),
	}
	secret, err := polynomial.InterpolateAtZero(shares)
	require.NoError(t, err)
	assert.True(t, secret.ActOnBase().Equal(groupKey))

	// The other pair agrees.
	shares = map[uint32]*curve.Scalar{
		2: curve.NewScalar().Set(results["node2"].FinalShare),
		3: curve.NewScalar().Set(results["node3"].FinalShare),
	}
	secret, err = polynomial.InterpolateAtZero(shares)
	require.NoError(t, err)
	assert.True(t, secret.ActOnBase().Equal(groupKey))
}

func TestGroupKeyIsSumOfConstantCommitments(t *testing.T) {
	sessions := make(map[party.ID]*dkg.Session)
	sum := curve.NewPoint()
	for _, id := range allNodes {
		session, err := dkg.NewSession("round1", id, 2, 3)
		require.NoError(t, err)
		commits, err := session.GeneratePolynomial(rand.Reader)
		require.NoError(t, err)
		sessions[id] = session
		sum = sum.Add(commits[0])
	}
	for _, receiver := range allNodes {
		receiverIndex, _ := receiver.Index()
		for _, sender := range allNodes {
			if sender == receiver {
				continue
			}
			require.NoError(t, sessions[receiver].ReceiveCommitment(sender, sessions[sender].Commitments()))
			share, err := sessions[sender].ShareFor(receiverIndex)
			require.NoError(t, err)
			ok, err := sessions[receiver].ReceiveShare(sender, share)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	result, err := sessions["node1"].Finalize()
	require.NoError(t, err)
	assert.True(t, result.GroupKey.Equal(sum))
}

func TestGeneratePolynomialOnce(t *testing.T) {
	session, err := dkg.NewSession("round1", "node1", 2, 3)
	require.NoError(t, err)
	_, err = session.GeneratePolynomial(rand.Reader)
	require.NoError(t, err)
	_, err = session.GeneratePolynomial(rand.Reader)
	assert.ErrorIs(t, err, dkg.ErrWrongPhase)
}

func TestReceiveCommitmentErrors(t *testing.T) {
	session, err := dkg.NewSession("round1", "node1", 2, 3)
	require.NoError(t, err)
	_, err = session.GeneratePolynomial(rand.Reader)
	require.NoError(t, err)

	peer, err := dkg.NewSession("round1", "node2", 2, 3)
	require.NoError(t, err)
	commits, err := peer.GeneratePolynomial(rand.Reader)
	require.NoError(t, err)

	require.NoError(t, session.ReceiveCommitment("node2", commits))
	assert.ErrorIs(t, session.ReceiveCommitment("node2", commits), dkg.ErrDuplicateCommitment)
	assert.ErrorIs(t, session.ReceiveCommitment("node3", commits[:1]), dkg.ErrWrongCommitmentCount)
}

func TestDishonestDealer(t *testing.T) {
	session, err := dkg.NewSession("round1", "node1", 2, 3)
	require.NoError(t, err)
	_, err = session.GeneratePolynomial(rand.Reader)
	require.NoError(t, err)

	dealer, err := dkg.NewSession("round1", "node2", 2, 3)
	require.NoError(t, err)
	dealerCommits, err := dealer.GeneratePolynomial(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, session.ReceiveCommitment("node2", dealerCommits))

	// A share off by one fails verification and is not stored.
	share, err := dealer.ShareFor(1)
	require.NoError(t, err)
	tampered := curve.NewScalar().Set(share).Add(curve.NewScalar().SetUint64(1))
	ok, err := session.ReceiveShare("node2", tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	// Finalize still reports the share missing.
	_, err = session.Finalize()
	assert.ErrorIs(t, err, dkg.ErrMissingShares)

	// The honest share still verifies afterwards.
	ok, err = session.ReceiveShare("node2", share)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReceiveShareUnknownSender(t *testing.T) {
	session, err := dkg.NewSession("round1", "node1", 2, 3)
	require.NoError(t, err)
	_, err = session.GeneratePolynomial(rand.Reader)
	require.NoError(t, err)
	_, err = session.ReceiveShare("node9", curve.NewScalar().SetUint64(5))
	assert.ErrorIs(t, err, dkg.ErrUnknownSender)
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	session, err := dkg.NewSession("round1", "node1", 2, 3)
	require.NoError(t, err)
	commits, err := session.GeneratePolynomial(rand.Reader)
	require.NoError(t, err)

	blob, err := session.MarshalBinary()
	require.NoError(t, err)
	restored, err := dkg.RestoreSession(blob)
	require.NoError(t, err)

	assert.Equal(t, session.RoundID, restored.RoundID)
	assert.Equal(t, session.Threshold, restored.Threshold)
	assert.Equal(t, session.Total, restored.Total)
	for i, c := range restored.Commitments() {
		assert.True(t, c.Equal(commits[i]))
	}

	// The restored session computes identical shares.
	want, err := session.ShareFor(2)
	require.NoError(t, err)
	got, err := restored.ShareFor(2)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestPhaseParsing(t *testing.T) {
	for _, phase := range []dkg.Phase{dkg.PhaseNone, dkg.PhaseCommitted, dkg.PhaseDistributed, dkg.PhaseFinalized} {
		parsed, err := dkg.PhaseFromString(phase.String())
		require.NoError(t, err)
		assert.Equal(t, phase, parsed)
	}
	_, err := dkg.PhaseFromString("bogus")
	assert.Error(t, err)
}
