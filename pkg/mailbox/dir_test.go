package mailbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-mpc/custodia/pkg/mailbox"
)

func TestPostReadList(t *testing.T) {
	box, err := mailbox.NewDirMailbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, box.Post("dkg/r1/commitments/node1.json", []byte("a")))
	require.NoError(t, box.Post("dkg/r1/commitments/node2.json", []byte("b")))

	data, err := box.Read("dkg/r1/commitments/node1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	names, err := box.List("dkg/r1/commitments")
	require.NoError(t, err)
	assert.Equal(t, []string{"node1.json", "node2.json"}, names)
}

func TestReadAbsent(t *testing.T) {
	box, err := mailbox.NewDirMailbox(t.TempDir())
	require.NoError(t, err)
	data, err := box.Read("nothing/here.json")
	require.NoError(t, err)
	assert.Nil(t, data)

	names, err := box.List("nothing")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestAppendOnly(t *testing.T) {
	box, err := mailbox.NewDirMailbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, box.Post("signing/tx_1/session.json", []byte("first")))
	// Identical content is idempotent.
	require.NoError(t, box.Post("signing/tx_1/session.json", []byte("first")))
	// Different content under the same key loses the race.
	assert.ErrorIs(t, box.Post("signing/tx_1/session.json", []byte("second")), mailbox.ErrConflict)

	data, err := box.Read("signing/tx_1/session.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestListIncludesDirectories(t *testing.T) {
	box, err := mailbox.NewDirMailbox(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, box.Post("signing/tx_1/request.json", []byte("{}")))
	require.NoError(t, box.Post("signing/tx_2/request.json", []byte("{}")))

	names, err := box.List("signing")
	require.NoError(t, err)
	assert.Equal(t, []string{"tx_1", "tx_2"}, names)
}

func TestSharedView(t *testing.T) {
	root := t.TempDir()
	a, err := mailbox.NewDirMailbox(root)
	require.NoError(t, err)
	b, err := mailbox.NewDirMailbox(root)
	require.NoError(t, err)

	require.NoError(t, a.Post("identity/node1.json", []byte("x")))
	require.NoError(t, b.Sync())
	data, err := b.Read("identity/node1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}
