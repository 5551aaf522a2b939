// Package agg implements the CKKS aggregator: a thin, semantic wrapper
// over the Lattigo CKKS implementation that builds an evaluation context,
// encrypts salary vectors, and performs the cipher+plain addition,
// cipher×plain masking, and intra-vector summation the
// secure-aggregation protocol needs.
package agg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v3/ckks"
	"github.com/tuneinsight/lattigo/v3/rlwe"

	"github.com/auroradata-ai/psi-engine/internal/protoerr"
)

// Ring degree 8192 (LogN=13), coefficient modulus bit sizes
// (60, 40, 40, 60), global scale 2^40. The chain supports one cipher+plain
// addition, one cipher×plain mask level, and the rotations of Sum.
var literal = ckks.ParametersLiteral{
	LogN:         13,
	LogQ:         []int{60, 40, 40, 60},
	LogP:         []int{61},
	LogSlots:     12,
	DefaultScale: 1 << 40,
}

// Context holds everything needed to encode, encrypt, evaluate, and
// (when Sk is present) decrypt CKKS ciphertexts under the fixed
// parameters above. A holds the full Context (including Sk); the public
// form transmitted to B has Sk == nil.
type Context struct {
	Params ckks.Parameters
	Sk     *rlwe.SecretKey // nil on B's copy
	Pk     *rlwe.PublicKey
	Rtks   *rlwe.RotationKeySet // Galois keys, required for Sum
}

// NewContext builds a fresh CKKS context: a key pair and the rotation
// keys needed for intra-vector summation via Galois rotations.
func NewContext() (*Context, error) {
	params, err := ckks.NewParametersFromLiteral(literal)
	if err != nil {
		return nil, fmt.Errorf("agg: build parameters: %w", err)
	}

	kgen := ckks.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPair()
	rtks := kgen.GenRotationKeysForInnerSum(sk)

	return &Context{Params: params, Sk: sk, Pk: pk, Rtks: rtks}, nil
}

// Slots returns the number of CKKS slots this context packs per ciphertext.
func (c *Context) Slots() int {
	return c.Params.Slots()
}

// Public returns a copy of c with the secret key stripped, suitable for
// transmission to B.
func (c *Context) Public() *Context {
	return &Context{Params: c.Params, Pk: c.Pk, Rtks: c.Rtks}
}

func (c *Context) encoder() ckks.Encoder { return ckks.NewEncoder(c.Params) }
func (c *Context) encryptor() ckks.Encryptor {
	return ckks.NewEncryptor(c.Params, c.Pk)
}
func (c *Context) evaluator() ckks.Evaluator {
	return ckks.NewEvaluator(c.Params, rlwe.EvaluationKey{Rtks: c.Rtks})
}

// EncryptVector encodes and encrypts reals (zero-padded to Slots()) into a
// fresh ciphertext. More than Slots() values is an error.
func (c *Context) EncryptVector(reals []float64) (*ckks.Ciphertext, error) {
	if len(reals) > c.Slots() {
		return nil, fmt.Errorf("agg: %d values exceeds %d slots", len(reals), c.Slots())
	}
	values := make([]complex128, c.Slots())
	for i, v := range reals {
		values[i] = complex(v, 0)
	}

	pt := ckks.NewPlaintext(c.Params, c.Params.MaxLevel(), c.Params.DefaultScale())
	c.encoder().Encode(values, pt, c.Params.LogSlots())

	return c.encryptor().EncryptNew(pt), nil
}

// AddPlain computes ct + reals element-wise. No multiplicative depth consumed.
func (c *Context) AddPlain(ct *ckks.Ciphertext, reals []float64) (*ckks.Ciphertext, error) {
	pt, err := c.encodePlain(reals, ct.Level(), ct.Scale)
	if err != nil {
		return nil, err
	}
	return c.evaluator().AddNew(ct, pt), nil
}

// MulPlainMask computes ct × mask element-wise, where mask is a 0/1
// vector. Consumes one multiplicative level.
func (c *Context) MulPlainMask(ct *ckks.Ciphertext, mask []float64) (*ckks.Ciphertext, error) {
	pt, err := c.encodePlain(mask, ct.Level(), c.Params.DefaultScale())
	if err != nil {
		return nil, err
	}
	out := c.evaluator().MulNew(ct, pt)
	if err := c.evaluator().Rescale(out, c.Params.DefaultScale(), out); err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "rescale after mask", err)
	}
	return out, nil
}

// Sum folds all slots of ct into (at least) slot 0 via Galois rotations.
// n bounds how many leading slots carry meaningful data; the protocol
// always sums the full slot count used at encryption time.
func (c *Context) Sum(ct *ckks.Ciphertext, n int) (*ckks.Ciphertext, error) {
	if c.Rtks == nil {
		return nil, protoerr.New(protoerr.CryptoContext, "context has no rotation keys")
	}
	out := ckks.NewCiphertext(c.Params, ct.Degree(), ct.Level(), ct.Scale)
	c.evaluator().InnerSum(ct, 1, n, out)
	return out, nil
}

// DecryptSlot0 decrypts ct and returns the real part of slot 0. The
// result is approximate; see Round for the rounding rule callers apply.
func (c *Context) DecryptSlot0(ct *ckks.Ciphertext) (float64, error) {
	if c.Sk == nil {
		return 0, protoerr.New(protoerr.CryptoContext, "context has no secret key, cannot decrypt")
	}
	decryptor := ckks.NewDecryptor(c.Params, c.Sk)
	pt := decryptor.DecryptNew(ct)
	values := c.encoder().Decode(pt, c.Params.LogSlots())
	return real(values[0]), nil
}

func (c *Context) encodePlain(reals []float64, level int, scale float64) (*ckks.Plaintext, error) {
	if len(reals) > c.Slots() {
		return nil, fmt.Errorf("agg: %d values exceeds %d slots", len(reals), c.Slots())
	}
	values := make([]complex128, c.Slots())
	for i, v := range reals {
		values[i] = complex(v, 0)
	}
	pt := ckks.NewPlaintext(c.Params, level, scale)
	c.encoder().Encode(values, pt, c.Params.LogSlots())
	return pt, nil
}

// Round applies the protocol's numeric-semantics rule: integral inputs
// round to the nearest integer, otherwise to 2 decimal places.
func Round(v float64, integral bool) float64 {
	if integral {
		return math.Round(v)
	}
	return math.Round(v*100) / 100
}

// WithinTolerance reports whether decrypted approximates expected:
// |decrypted - expected| <= max(1.0, 1e-4*|expected|).
func WithinTolerance(decrypted, expected float64) bool {
	tol := math.Max(1.0, 1e-4*math.Abs(expected))
	return math.Abs(decrypted-expected) <= tol
}

/* -------------------------------------------------------------------------- */
/*                                Serialization                                */
/* -------------------------------------------------------------------------- */

// SerializeContextPublic serializes a context with the secret key
// stripped: parameters, public key, and rotation keys. This is the form B
// receives.
func SerializeContextPublic(c *Context) ([]byte, error) {
	return serializeContext(c.Public())
}

// SerializeContext serializes the full context, including the secret key.
// This form never leaves the owning party.
func SerializeContext(c *Context) ([]byte, error) {
	return serializeContext(c)
}

func serializeContext(c *Context) ([]byte, error) {
	paramsBytes, err := c.Params.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("agg: marshal params: %w", err)
	}
	pkBytes, err := c.Pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("agg: marshal public key: %w", err)
	}
	var rtksBytes []byte
	if c.Rtks != nil {
		rtksBytes, err = c.Rtks.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("agg: marshal rotation keys: %w", err)
		}
	}
	var skBytes []byte
	if c.Sk != nil {
		skBytes, err = c.Sk.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("agg: marshal secret key: %w", err)
		}
	}

	return concatLP(paramsBytes, pkBytes, rtksBytes, skBytes), nil
}

// DeserializeContext parses bytes produced by SerializeContext or
// SerializeContextPublic, reporting CryptoContext on any malformed blob.
func DeserializeContext(data []byte) (*Context, error) {
	parts, err := splitLP(data, 4)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "parse context blob", err)
	}
	paramsBytes, pkBytes, rtksBytes, skBytes := parts[0], parts[1], parts[2], parts[3]

	var params ckks.Parameters
	if err := params.UnmarshalBinary(paramsBytes); err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "unmarshal params", err)
	}

	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(pkBytes); err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "unmarshal public key", err)
	}

	c := &Context{Params: params, Pk: pk}

	if len(rtksBytes) > 0 {
		rtks := new(rlwe.RotationKeySet)
		if err := rtks.UnmarshalBinary(rtksBytes); err != nil {
			return nil, protoerr.Wrap(protoerr.CryptoContext, "unmarshal rotation keys", err)
		}
		c.Rtks = rtks
	}

	if len(skBytes) > 0 {
		sk := new(rlwe.SecretKey)
		if err := sk.UnmarshalBinary(skBytes); err != nil {
			return nil, protoerr.Wrap(protoerr.CryptoContext, "unmarshal secret key", err)
		}
		c.Sk = sk
	}

	return c, nil
}

// SerializeCiphertext / DeserializeCiphertext round-trip a single
// ciphertext.
func SerializeCiphertext(ct *ckks.Ciphertext) ([]byte, error) {
	return ct.MarshalBinary()
}

func DeserializeCiphertext(data []byte) (*ckks.Ciphertext, error) {
	ct := new(ckks.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "unmarshal ciphertext", err)
	}
	return ct, nil
}

// concatLP concatenates byte slices, each prefixed with its own 4-byte
// big-endian length, so DeserializeContext can split them back apart
// without relying on a language-specific object format.
func concatLP(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	return out
}

func splitLP(data []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < 4 {
			return nil, errors.New("truncated length prefix")
		}
		l := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < l {
			return nil, errors.New("truncated segment")
		}
		out = append(out, data[:l])
		data = data[l:]
	}
	return out, nil
}
