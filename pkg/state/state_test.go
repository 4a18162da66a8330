package state_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-mpc/custodia/pkg/state"
)

func TestInitialState(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir, "node1")
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "node1", loaded.NodeID)
	assert.False(t, loaded.Initialized)
	assert.Empty(t, loaded.Signing.UsedNonces)
}

func TestUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir, "node1")
	require.NoError(t, err)

	err = store.Update(func(s *state.NodeState) error {
		s.Initialized = true
		s.DKG.RoundID = "round1"
		s.DKG.Phase = "committed"
		s.DKG.Threshold = 2
		return nil
	})
	require.NoError(t, err)

	// A second store over the same directory sees the update.
	reopened, err := state.NewStore(dir, "node1")
	require.NoError(t, err)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	assert.True(t, loaded.Initialized)
	assert.Equal(t, "round1", loaded.DKG.RoundID)
	assert.Equal(t, "committed", loaded.DKG.Phase)
	assert.Equal(t, 2, loaded.DKG.Threshold)
}

func TestNonceRecords(t *testing.T) {
	store, err := state.NewStore(t.TempDir(), "node1")
	require.NoError(t, err)

	unused, err := store.NonceUnused("tx_1")
	require.NoError(t, err)
	assert.True(t, unused)

	record := state.DerivationRecord{Counter: 3, RHex: "02ab", MessageHashHex: "cd"}
	require.NoError(t, store.RecordNonceDerivation("tx_1", record))

	unused, err = store.NonceUnused("tx_1")
	require.NoError(t, err)
	assert.False(t, unused)

	got, ok, err := store.Derivation("tx_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record, got)

	_, ok, err = store.Derivation("tx_2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordNonceUseOnly(t *testing.T) {
	store, err := state.NewStore(t.TempDir(), "node1")
	require.NoError(t, err)
	require.NoError(t, store.RecordNonceUse("tx_1", "02ab"))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "02ab", loaded.Signing.UsedNonces["tx_1"])
	_, hasDerivation := loaded.Signing.NonceDerivations["tx_1"]
	assert.False(t, hasDerivation)
}

func TestWireFieldNames(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir, "node1")
	require.NoError(t, err)
	require.NoError(t, store.Update(func(s *state.NodeState) error {
		s.DKG.GroupPubKeyHex = "02ab"
		return nil
	}))

	raw, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "node_id")
	assert.Contains(t, doc, "identity_key_posted")
	dkgDoc := doc["dkg"].(map[string]any)
	assert.Contains(t, dkgDoc, "group_pubkey_hex")
	signingDoc := doc["signing"].(map[string]any)
	assert.Contains(t, signingDoc, "used_nonces")
	assert.Contains(t, signingDoc, "nonce_derivations")
}
