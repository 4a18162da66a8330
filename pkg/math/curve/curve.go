// Package curve provides secp256k1 scalar and point arithmetic for the
// custody protocols. Scalars are integers mod the group order n, points
// include the identity element, and the compressed-hex encoding uses "00"
// for the identity.
package curve

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cronokirby/saferith"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrInvalidEncoding is returned when a point or scalar encoding is
	// malformed: wrong length, bad prefix, or not on the curve.
	ErrInvalidEncoding = errors.New("curve: invalid encoding")

	// ErrNotInvertible is returned when a modular inverse does not exist.
	ErrNotInvertible = errors.New("curve: value not invertible")
)

// order is the secp256k1 group order n as a saferith modulus.
var order = saferith.ModulusFromBytes(orderBytes())

func orderBytes() []byte {
	b := secp256k1.S256().N.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// Order returns the group order n.
func Order() *saferith.Modulus { return order }

// Scalar is an integer mod the secp256k1 group order.
type Scalar struct {
	v secp256k1.ModNScalar
}

// NewScalar returns the zero scalar.
func NewScalar() *Scalar { return &Scalar{} }

// RandomScalar samples a scalar uniformly from [1, n) using rejection
// sampling. Zero is rejected.
func RandomScalar(rand io.Reader) (*Scalar, error) {
	var buf [32]byte
	for {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, fmt.Errorf("curve: sampling scalar: %w", err)
		}
		s := NewScalar()
		overflow := s.v.SetBytes(&buf)
		if overflow != 0 || s.v.IsZero() {
			continue
		}
		for i := range buf {
			buf[i] = 0
		}
		return s, nil
	}
}

// SetNat sets s to x mod n.
func (s *Scalar) SetNat(x *saferith.Nat) *Scalar {
	reduced := new(saferith.Nat).Mod(x, order)
	var buf [32]byte
	reduced.FillBytes(buf[:])
	s.v.SetBytes(&buf)
	return s
}

// SetBytes sets s to the big-endian integer b reduced mod n. b may be any
// length.
func (s *Scalar) SetBytes(b []byte) *Scalar {
	return s.SetNat(new(saferith.Nat).SetBytes(b))
}

// SetUint64 sets s to u mod n.
func (s *Scalar) SetUint64(u uint64) *Scalar {
	return s.SetNat(new(saferith.Nat).SetUint64(u))
}

// Set copies o into s.
func (s *Scalar) Set(o *Scalar) *Scalar {
	s.v.Set(&o.v)
	return s
}

// Bytes returns the 32-byte big-endian encoding of s.
func (s *Scalar) Bytes() [32]byte {
	return s.v.Bytes()
}

// Hex returns the lowercase 64-character hex encoding of s.
func (s *Scalar) Hex() string {
	b := s.v.Bytes()
	return hex.EncodeToString(b[:])
}

// ScalarFromHex parses a 64-character hex scalar. Values >= n are rejected.
func ScalarFromHex(h string) (*Scalar, error) {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	var buf [32]byte
	copy(buf[:], b)
	s := NewScalar()
	if overflow := s.v.SetBytes(&buf); overflow != 0 {
		return nil, ErrInvalidEncoding
	}
	return s, nil
}

// Add sets s = s + o and returns s.
func (s *Scalar) Add(o *Scalar) *Scalar {
	s.v.Add(&o.v)
	return s
}

// Mul sets s = s * o and returns s.
func (s *Scalar) Mul(o *Scalar) *Scalar {
	s.v.Mul(&o.v)
	return s
}

// Negate sets s = -s and returns s.
func (s *Scalar) Negate() *Scalar {
	s.v.Negate()
	return s
}

// Invert returns a new scalar s^-1 mod n, or ErrNotInvertible when s is
// zero.
func (s *Scalar) Invert() (*Scalar, error) {
	if s.v.IsZero() {
		return nil, ErrNotInvertible
	}
	inv := NewScalar()
	inv.v.InverseValNonConst(&s.v)
	return inv, nil
}

// Equal reports whether s and o are the same scalar.
func (s *Scalar) Equal(o *Scalar) bool {
	return s.v.Equals(&o.v)
}

// IsZero reports whether s is zero.
func (s *Scalar) IsZero() bool { return s.v.IsZero() }

// Zero overwrites the scalar with zero. Used to destroy secret material.
func (s *Scalar) Zero() { s.v.Zero() }

// ActOnBase returns s * G.
func (s *Scalar) ActOnBase() *Point {
	p := NewPoint()
	secp256k1.ScalarBaseMultNonConst(&s.v, &p.p)
	p.normalize()
	return p
}

// Act returns s * P.
func (s *Scalar) Act(p *Point) *Point {
	if p.IsIdentity() {
		return NewPoint()
	}
	out := NewPoint()
	secp256k1.ScalarMultNonConst(&s.v, &p.p, &out.p)
	out.normalize()
	return out
}

// Point is a secp256k1 group element, including the identity. The affine
// pair (0, 0) represents the identity; it is not otherwise on the curve.
type Point struct {
	p secp256k1.JacobianPoint
}

// NewPoint returns the identity point.
func NewPoint() *Point { return &Point{} }

func (p *Point) normalize() {
	if p.p.Z.IsZero() {
		p.p.X.SetInt(0)
		p.p.Y.SetInt(0)
		p.p.Z.SetInt(0)
		return
	}
	p.p.ToAffine()
}

// IsIdentity reports whether p is the point at infinity.
func (p *Point) IsIdentity() bool {
	return p.p.Z.IsZero() || (p.p.X.IsZero() && p.p.Y.IsZero())
}

// Add returns p + q.
func (p *Point) Add(q *Point) *Point {
	out := NewPoint()
	secp256k1.AddNonConst(&p.p, &q.p, &out.p)
	out.normalize()
	return out
}

// Equal reports whether p and q are the same group element.
func (p *Point) Equal(q *Point) bool {
	if p.IsIdentity() || q.IsIdentity() {
		return p.IsIdentity() == q.IsIdentity()
	}
	a, b := *p, *q
	a.p.ToAffine()
	b.p.ToAffine()
	return a.p.X.Equals(&b.p.X) && a.p.Y.Equals(&b.p.Y)
}

// Hex returns the canonical compressed-hex encoding: "00" for the
// identity, otherwise 02/03 prefix plus the 32-byte x coordinate.
func (p *Point) Hex() string {
	if p.IsIdentity() {
		return "00"
	}
	a := *p
	a.p.ToAffine()
	pub := secp256k1.NewPublicKey(&a.p.X, &a.p.Y)
	return hex.EncodeToString(pub.SerializeCompressed())
}

// PointFromHex parses the compressed-hex encoding produced by Hex. It
// fails with ErrInvalidEncoding on length mismatch, an unknown prefix, an
// x coordinate outside the field, or an x with no square root.
func PointFromHex(h string) (*Point, error) {
	if h == "00" {
		return NewPoint(), nil
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(b) != 33 || (b[0] != 0x02 && b[0] != 0x03) {
		return nil, ErrInvalidEncoding
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	p := NewPoint()
	pub.AsJacobian(&p.p)
	return p, nil
}

// ModInverse returns a^-1 mod n for an arbitrary-width a, or
// ErrNotInvertible when gcd(a, n) != 1. With n prime this means a = 0
// mod n.
func ModInverse(a *saferith.Nat) (*saferith.Nat, error) {
	reduced := new(saferith.Nat).Mod(a, order)
	if reduced.Eq(new(saferith.Nat).SetUint64(0)) == 1 {
		return nil, ErrNotInvertible
	}
	return new(saferith.Nat).ModInverse(reduced, order), nil
}
