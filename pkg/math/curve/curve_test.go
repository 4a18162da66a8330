package curve_test

import (
	"crypto/rand"
	"testing"

	"github.com/cronokirby/saferith"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
)

func TestPointHexRoundTrip(t *testing.T) {
	for i := 0; i < 8; i++ {
		k, err := curve.RandomScalar(rand.Reader)
		require.NoError(t, err)
		P := k.ActOnBase()

		h := P.Hex()
		require.Len(t, h, 66)
		assert.Contains(t, []string{"02", "03"}, h[:2])

		Q, err := curve.PointFromHex(h)
		require.NoError(t, err)
		assert.True(t, P.Equal(Q))
		assert.Equal(t, h, Q.Hex())
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	identity := curve.NewPoint()
	assert.True(t, identity.IsIdentity())
	assert.Equal(t, "00", identity.Hex())

	parsed, err := curve.PointFromHex("00")
	require.NoError(t, err)
	assert.True(t, parsed.IsIdentity())
	assert.Equal(t, "00", parsed.Hex())
}

func TestPointFromHexRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"odd length", "0"},
		{"short", "02ab"},
		{"bad prefix", "05" + "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"},
		{"uncompressed prefix", "04" + "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"},
		{"x out of field", "02" + "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"},
		// x with no square root, from the BIP-340 invalid-key vectors.
		{"not on curve", "02" + "eefdea4cdb677750a420fee807eacf21eb9898ae79b9768766e4faa04a2d4a34"},
		{"not hex", "02" + "zzbe667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := curve.PointFromHex(tc.in)
			assert.ErrorIs(t, err, curve.ErrInvalidEncoding)
		})
	}
}

func TestPointAdd(t *testing.T) {
	k, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	P := k.ActOnBase()

	// P + identity = P
	assert.True(t, P.Add(curve.NewPoint()).Equal(P))
	assert.True(t, curve.NewPoint().Add(P).Equal(P))

	// P + (-P) = identity
	negOne := curve.NewScalar().SetUint64(1).Negate()
	negP := negOne.Act(P)
	assert.True(t, P.Add(negP).IsIdentity())

	// 2P = P + P
	two := curve.NewScalar().SetUint64(2)
	assert.True(t, two.Act(P).Equal(P.Add(P)))
}

func TestScalarReduction(t *testing.T) {
	// n reduces to zero.
	nBytes := curve.Order().Nat().Bytes()
	assert.True(t, curve.NewScalar().SetBytes(nBytes).IsZero())

	// n+1 reduces to one.
	one := new(saferith.Nat).SetUint64(1)
	nPlusOne := new(saferith.Nat).Add(curve.Order().Nat(), one, 2048)
	reduced := curve.NewScalar().SetNat(nPlusOne)
	assert.True(t, reduced.Equal(curve.NewScalar().SetUint64(1)))
}

func TestScalarHexRoundTrip(t *testing.T) {
	k, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	parsed, err := curve.ScalarFromHex(k.Hex())
	require.NoError(t, err)
	assert.True(t, k.Equal(parsed))

	_, err = curve.ScalarFromHex("ab")
	assert.ErrorIs(t, err, curve.ErrInvalidEncoding)
	_, err = curve.ScalarFromHex("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, curve.ErrInvalidEncoding)
}

func TestInvert(t *testing.T) {
	k, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	inv, err := k.Invert()
	require.NoError(t, err)
	product := curve.NewScalar().Set(k).Mul(inv)
	assert.True(t, product.Equal(curve.NewScalar().SetUint64(1)))

	_, err = curve.NewScalar().Invert()
	assert.ErrorIs(t, err, curve.ErrNotInvertible)
}

func TestModInverse(t *testing.T) {
	seven := new(saferith.Nat).SetUint64(7)
	inv, err := curve.ModInverse(seven)
	require.NoError(t, err)
	sevenScalar := curve.NewScalar().SetUint64(7)
	invScalar := curve.NewScalar().SetNat(inv)
	assert.True(t, sevenScalar.Mul(invScalar).Equal(curve.NewScalar().SetUint64(1)))

	_, err = curve.ModInverse(new(saferith.Nat).SetUint64(0))
	assert.ErrorIs(t, err, curve.ErrNotInvertible)

	// Multiples of n are congruent to zero.
	_, err = curve.ModInverse(curve.Order().Nat())
	assert.ErrorIs(t, err, curve.ErrNotInvertible)
}

func TestRandomScalarNonZero(t *testing.T) {
	for i := 0; i < 32; i++ {
		k, err := curve.RandomScalar(rand.Reader)
		require.NoError(t, err)
		assert.False(t, k.IsZero())
	}
}

func TestZeroize(t *testing.T) {
	k, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	k.Zero()
	assert.True(t, k.IsZero())
}
