// Package curve implements the ECDH-PSI curve engine: mapping
// identifier strings to points on NIST P-256, scalar-multiplying by a
// party-private scalar, and canonicalizing points to the 32-byte
// big-endian x-coordinate wire form used by the PSI engine.
//
// Points cross the wire as raw x-coordinates only, so reconstructing a
// point from its x-coordinate requires solving y² = x³ + a·x + b (mod p)
// via exponentiation by (p+1)/4 — valid because P-256's prime is
// ≡ 3 (mod 4). Either square root yields the same x-coordinate after
// scalar multiplication only when both parties pick the same branch, so
// every reconstruction canonicalizes to the even-parity y.
package curve

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	"filippo.io/nistec"
)

var (
	// ErrNotOnCurve is returned when a supplied x-coordinate has no
	// corresponding point on the curve.
	ErrNotOnCurve = errors.New("curve: x-coordinate is not on P-256")
	// ErrPointAtInfinity is returned when a reconstructed or computed
	// point is the identity element.
	ErrPointAtInfinity = errors.New("curve: point at infinity")
	// ErrZeroScalar is returned when hashing an identifier reduces to 0 mod n.
	ErrZeroScalar = errors.New("curve: hash reduced to zero scalar")
)

// domainSeparationTag is prefixed to every identifier before hashing, so
// that this protocol's H(ID) cannot be confused with a hash computed for
// an unrelated purpose over the same string.
const domainSeparationTag = "psi-engine/v1/hash-to-point:"

var p256 = elliptic.P256()
var p256Params = p256.Params()

// Point is an opaque NIST P-256 group element.
type Point struct {
	p *nistec.P256Point
}

// Bytes returns the canonical 32-byte big-endian x-coordinate encoding of p.
// This is the sole wire form for points in this protocol.
func (pt *Point) Bytes() ([]byte, error) {
	x, err := pt.p.BytesX()
	if err != nil {
		return nil, ErrPointAtInfinity
	}
	return x, nil
}

// HashToPoint deterministically maps id to a curve point: SHA-256(tag||id)
// interpreted big-endian, reduced mod n, multiplied by the base point G.
//
// This is NOT a random-oracle hash-to-curve (RFC 9380): anyone holding a
// candidate id can recompute its point, so protection against enumeration
// rests on identifier entropy.
func HashToPoint(id string) (*Point, error) {
	h := sha256.Sum256([]byte(domainSeparationTag + id))
	s := new(big.Int).SetBytes(h[:])
	s.Mod(s, p256Params.N)
	if s.Sign() == 0 {
		return nil, ErrZeroScalar
	}

	p, err := nistec.NewP256Point().ScalarBaseMult(scalarBytes(s))
	if err != nil {
		return nil, err
	}
	return &Point{p: p}, nil
}

// ApplyScalar multiplies the point encoded by xBytes (a 32-byte canonical
// x-coordinate) by the private scalar k, returning the canonical
// x-coordinate of the result.
//
// xBytes must reconstruct to a valid curve point (ErrNotOnCurve otherwise);
// the resulting point must not be the identity (ErrPointAtInfinity otherwise).
func ApplyScalar(xBytes []byte, k *big.Int) ([]byte, error) {
	pt, err := pointFromX(xBytes)
	if err != nil {
		return nil, err
	}

	out, err := nistec.NewP256Point().ScalarMult(pt, scalarBytes(k))
	if err != nil {
		return nil, err
	}

	x, err := out.BytesX()
	if err != nil {
		return nil, ErrPointAtInfinity
	}
	return x, nil
}

// RandomScalar returns a uniformly random scalar in [1, n-1], drawn once
// per party per session.
func RandomScalar() (*big.Int, error) {
	for {
		k, err := randFieldElement(p256Params.N)
		if err != nil {
			return nil, err
		}
		if k.Sign() != 0 {
			return k, nil
		}
	}
}

// pointFromX reconstructs the unique even-y point whose x-coordinate is
// xBytes, by solving y² = x³ + a·x + b (mod p) and taking the square root
// via exponentiation by (p+1)/4.
func pointFromX(xBytes []byte) (*nistec.P256Point, error) {
	if len(xBytes) != 32 {
		return nil, ErrNotOnCurve
	}
	p := p256Params.P
	x := new(big.Int).SetBytes(xBytes)
	if x.Cmp(p) >= 0 {
		return nil, ErrNotOnCurve
	}

	// rhs = x^3 + a*x + b, with a = -3 for all NIST curves.
	rhs := new(big.Int).Mul(x, x)
	rhs.Mul(rhs, x)
	threeX := new(big.Int).Lsh(x, 1)
	threeX.Add(threeX, x)
	rhs.Sub(rhs, threeX)
	rhs.Add(rhs, p256Params.B)
	rhs.Mod(rhs, p)

	// p ≡ 3 (mod 4) for P-256, so sqrt(rhs) = rhs^((p+1)/4) mod p.
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(rhs, exp, p)

	check := new(big.Int).Mul(y, y)
	check.Mod(check, p)
	if check.Cmp(rhs) != 0 {
		return nil, ErrNotOnCurve
	}

	// Canonicalize to the even-parity root so both parties agree on the
	// same branch regardless of which square root their own math landed on.
	if y.Bit(0) == 1 {
		y.Sub(p, y)
	}

	uncompressed := make([]byte, 65)
	uncompressed[0] = 4
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])

	pt, err := nistec.NewP256Point().SetBytes(uncompressed)
	if err != nil {
		return nil, ErrNotOnCurve
	}
	return pt, nil
}

// scalarBytes renders a scalar as a fixed 32-byte big-endian buffer, the
// form nistec's constant-time scalar multiplication expects.
func scalarBytes(k *big.Int) []byte {
	buf := make([]byte, 32)
	k.FillBytes(buf)
	return buf
}

// randFieldElement returns a uniform random integer in [0, n) via
// rejection sampling over n's byte length, the same approach
// crypto/ecdsa uses internally for scalar generation.
func randFieldElement(n *big.Int) (*big.Int, error) {
	bitLen := n.BitLen()
	byteLen := (bitLen + 7) / 8
	buf := make([]byte, byteLen)
	for {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		// Mask excess bits in the top byte so the sample lands in [0, 2^bitLen).
		if excess := byteLen*8 - bitLen; excess > 0 {
			buf[0] &= 0xff >> excess
		}
		k := new(big.Int).SetBytes(buf)
		if k.Cmp(n) < 0 {
			return k, nil
		}
	}
}
