package polynomial

import (
	"github.com/custodia-mpc/custodia/pkg/math/curve"
)

// Lagrange computes the coefficient lambda_i that weights the share at
// index self when interpolating at x = 0 over the participant set:
//
//	lambda_i = prod over j in set, j != i of (-j) * (i - j)^-1 mod n
//
// It fails with curve.ErrNotInvertible when two indices collide mod n,
// which with small positive indices means a configuration error.
func Lagrange(self uint32, set []uint32) (*curve.Scalar, error) {
	num := curve.NewScalar().SetUint64(1)
	den := curve.NewScalar().SetUint64(1)
	i := curve.NewScalar().SetUint64(uint64(self))
	seen := make(map[uint32]bool, len(set))
	for _, other := range set {
		if seen[other] {
			return nil, curve.ErrNotInvertible
		}
		seen[other] = true
		if other == self {
			continue
		}
		j := curve.NewScalar().SetUint64(uint64(other))
		num.Mul(curve.NewScalar().Set(j).Negate())
		diff := curve.NewScalar().Set(i)
		diff.Add(curve.NewScalar().Set(j).Negate())
		den.Mul(diff)
	}
	denInv, err := den.Invert()
	if err != nil {
		return nil, err
	}
	return num.Mul(denInv), nil
}

// InterpolateAtZero reconstructs f(0) from shares keyed by index. All
// supplied shares are used; the caller chooses the subset.
func InterpolateAtZero(shares map[uint32]*curve.Scalar) (*curve.Scalar, error) {
	set := make([]uint32, 0, len(shares))
	for j := range shares {
		set = append(set, j)
	}
	result := curve.NewScalar()
	for j, share := range shares {
		lambda, err := Lagrange(j, set)
		if err != nil {
			return nil, err
		}
		result.Add(lambda.Mul(share))
	}
	return result, nil
}
