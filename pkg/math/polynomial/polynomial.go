// Package polynomial implements secret-sharing polynomials over the
// secp256k1 scalar field, Feldman coefficient commitments, and Lagrange
// interpolation at zero.
package polynomial

import (
	"errors"
	"io"

	"github.com/custodia-mpc/custodia/pkg/math/curve"
)

// ErrZeroIndex is returned when a share is requested at x = 0, which would
// reveal the constant term.
var ErrZeroIndex = errors.New("polynomial: share index must be non-zero")

// Polynomial holds secret coefficients a_0 .. a_{t-1}. The constant term
// a_0 is the shared secret contribution.
type Polynomial struct {
	coefficients []*curve.Scalar
}

// Random samples a polynomial with count uniformly random coefficients.
func Random(rand io.Reader, count int) (*Polynomial, error) {
	coefficients := make([]*curve.Scalar, count)
	for i := range coefficients {
		c, err := curve.RandomScalar(rand)
		if err != nil {
			return nil, err
		}
		coefficients[i] = c
	}
	return &Polynomial{coefficients: coefficients}, nil
}

// FromScalars builds a polynomial from explicit coefficients. The slice is
// not copied; the polynomial takes ownership.
func FromScalars(coefficients []*curve.Scalar) *Polynomial {
	return &Polynomial{coefficients: coefficients}
}

// Degree returns the polynomial degree, t-1 for t coefficients.
func (p *Polynomial) Degree() int { return len(p.coefficients) - 1 }

// Coefficients returns the raw coefficients, constant term first.
func (p *Polynomial) Coefficients() []*curve.Scalar { return p.coefficients }

// Constant returns a_0.
func (p *Polynomial) Constant() *curve.Scalar { return p.coefficients[0] }

// Evaluate computes p(x) by Horner's rule.
func (p *Polynomial) Evaluate(x *curve.Scalar) *curve.Scalar {
	result := curve.NewScalar()
	for i := len(p.coefficients) - 1; i >= 0; i-- {
		result.Mul(x)
		result.Add(p.coefficients[i])
	}
	return result
}

// EvaluateIndex computes p(j) for a participant index. j must be non-zero.
func (p *Polynomial) EvaluateIndex(j uint32) (*curve.Scalar, error) {
	if j == 0 {
		return nil, ErrZeroIndex
	}
	return p.Evaluate(curve.NewScalar().SetUint64(uint64(j))), nil
}

// Commitments returns the Feldman commitments C_k = a_k * G in coefficient
// order.
func (p *Polynomial) Commitments() []*curve.Point {
	commitments := make([]*curve.Point, len(p.coefficients))
	for k, a := range p.coefficients {
		commitments[k] = a.ActOnBase()
	}
	return commitments
}

// Zero overwrites every coefficient. The polynomial is unusable afterwards.
func (p *Polynomial) Zero() {
	for _, c := range p.coefficients {
		c.Zero()
	}
	p.coefficients = nil
}

// EvaluateExponent evaluates a committed polynomial in the exponent at a
// participant index: sum over k of (j^k) * C_k. A share s for index j is
// valid iff s*G equals this value.
func EvaluateExponent(commitments []*curve.Point, j uint32) *curve.Point {
	x := curve.NewScalar().SetUint64(uint64(j))
	result := curve.NewPoint()
	xPower := curve.NewScalar().SetUint64(1)
	for k, c := range commitments {
		result = result.Add(xPower.Act(c))
		if k < len(commitments)-1 {
			xPower.Mul(x)
		}
	}
	return result
}
