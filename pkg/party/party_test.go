package party_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-mpc/custodia/pkg/party"
)

func TestIndex(t *testing.T) {
	cases := []struct {
		id    party.ID
		index uint32
		ok    bool
	}{
		{"node1", 1, true},
		{"node3", 3, true},
		{"node42", 42, true},
		{"node0", 0, false},
		{"node", 0, false},
		{"node-1", 0, false},
		{"peer1", 0, false},
		{"", 0, false},
		{"nodex", 0, false},
	}
	for _, tc := range cases {
		index, err := tc.id.Index()
		if tc.ok {
			require.NoError(t, err, "%s", tc.id)
			assert.Equal(t, tc.index, index)
		} else {
			assert.ErrorIs(t, err, party.ErrInvalidID, "%s", tc.id)
		}
	}
}

func TestIDSlice(t *testing.T) {
	ids := party.NewIDSlice([]party.ID{"node3", "node1", "node2"})
	assert.Equal(t, party.IDSlice{"node1", "node2", "node3"}, ids)
	assert.True(t, ids.Contains("node2"))
	assert.False(t, ids.Contains("node4"))
}

func TestIndices(t *testing.T) {
	indices, err := party.NewIDSlice([]party.ID{"node1", "node2", "node3"}).Indices()
	require.NoError(t, err)
	assert.Equal(t, map[party.ID]uint32{"node1": 1, "node2": 2, "node3": 3}, indices)

	_, err = party.IDSlice{"node1", "node01"}.Indices()
	assert.ErrorIs(t, err, party.ErrInvalidID)
}

func TestFingerprint(t *testing.T) {
	a := party.Identity{NodeID: "node1", PublicKeyPEM: []byte("key material a")}
	b := party.Identity{NodeID: "node2", PublicKeyPEM: []byte("key material b")}
	assert.Len(t, a.Fingerprint(), 16)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
}
