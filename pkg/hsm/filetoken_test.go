package hsm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-mpc/custodia/pkg/hsm"
)

const testPIN = "12345678"

func demoToken(t *testing.T) *hsm.FileToken {
	t.Helper()
	tok, err := hsm.NewFileToken(t.TempDir(), testPIN, hsm.ModeDemo)
	require.NoError(t, err)
	return tok
}

func TestFileTokenPersistence(t *testing.T) {
	dir := t.TempDir()
	tok, err := hsm.NewFileToken(dir, testPIN, hsm.ModeDemo)
	require.NoError(t, err)
	require.NoError(t, tok.StoreSecret("FOO", []byte("bar")))
	pubPEM, err := tok.IdentityPublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, tok.Close())

	reopened, err := hsm.NewFileToken(dir, testPIN, hsm.ModeDemo)
	require.NoError(t, err)
	value, err := reopened.ReadSecret("FOO")
	require.NoError(t, err)
	assert.Equal(t, []byte("bar"), value)

	// The identity key survives reopening.
	pubPEM2, err := reopened.IdentityPublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, pubPEM, pubPEM2)
}

func TestFileTokenWrongPIN(t *testing.T) {
	dir := t.TempDir()
	_, err := hsm.NewFileToken(dir, testPIN, hsm.ModeDemo)
	require.NoError(t, err)
	_, err = hsm.NewFileToken(dir, "87654321", hsm.ModeDemo)
	assert.ErrorIs(t, err, hsm.ErrAuthentication)
}

func TestObjectSemantics(t *testing.T) {
	tok := demoToken(t)

	obj, err := tok.FindObject("MISSING")
	require.NoError(t, err)
	assert.Nil(t, obj)

	require.NoError(t, tok.StoreSecret("A", []byte{1}))
	assert.ErrorIs(t, tok.StoreSecret("A", []byte{2}), hsm.ErrObjectExists)

	require.NoError(t, tok.ReplaceSecret("A", []byte{3}))
	value, err := tok.ReadSecret("A")
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, value)

	require.NoError(t, tok.DeleteObject("A"))
	_, err = tok.ReadSecret("A")
	assert.ErrorIs(t, err, hsm.ErrObjectNotFound)
	// Deleting an absent object is a no-op.
	require.NoError(t, tok.DeleteObject("A"))
}

func TestProductionModeBlocksExtraction(t *testing.T) {
	tok, err := hsm.NewFileToken(t.TempDir(), testPIN, hsm.ModeProduction)
	require.NoError(t, err)
	require.NoError(t, tok.StoreSecret("SECRET", []byte("x")))

	_, err = tok.ReadSecret("SECRET")
	assert.ErrorIs(t, err, hsm.ErrSecurityViolation)

	obj, err := tok.FindObject("SECRET")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.True(t, obj.Sensitive)
	assert.Nil(t, obj.Value)
}

func TestLabels(t *testing.T) {
	tok := demoToken(t)
	require.NoError(t, tok.StoreSecret("NONCE_tx_1", []byte("a")))
	require.NoError(t, tok.StoreSecret("NONCE_tx_2", []byte("b")))
	require.NoError(t, tok.StoreSecret("DKG_SHARE_r1", []byte("c")))

	labels, err := tok.Labels("NONCE_")
	require.NoError(t, err)
	assert.Equal(t, []string{"NONCE_tx_1", "NONCE_tx_2"}, labels)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tok := demoToken(t)
	pubPEM, err := tok.IdentityPublicKeyPEM()
	require.NoError(t, err)

	plaintext := []byte("32-byte share material goes here")
	ciphertext, err := hsm.EncryptForRecipient(pubPEM, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := tok.DecryptIdentity(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestUsedNonceRequestIDs(t *testing.T) {
	labels := []string{
		"DKG_SHARE_r1",
		"NONCE_COUNTER",
		"NONCE_DERIV_3",
		"NONCE_MASTER_SEED",
		"NONCE_tx_1",
		"NONCE_tx_2",
	}
	assert.Equal(t, []string{"tx_1", "tx_2"}, hsm.UsedNonceRequestIDs(labels))
}
