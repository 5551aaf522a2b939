// Package psi implements the ECDH-PSI engine: the four-message
// blind/double-blind exchange and the resulting intersection computation,
// as pure functions that the session state machine (internal/session)
// drives over the wire framer.
package psi

import (
	"encoding/hex"
	"math/big"

	"github.com/auroradata-ai/psi-engine/internal/curve"
	"github.com/auroradata-ai/psi-engine/internal/protoerr"
)

// BlindSet holds a party's private scalar alongside the IDs it derived
// blinded points for, in input order, so that a later double-blinded
// response can be mapped back to the originating ID by index.
type BlindSet struct {
	Scalar *big.Int
	IDs    []string
	Points [][]byte // one x-coordinate per ID, same order as IDs
}

// BlindIDs hashes each id to a curve point and blinds it with a fresh
// private scalar. Duplicate ids are preserved, not deduplicated (see
// DESIGN.md): each occurrence produces its own blinded point in input
// order.
func BlindIDs(ids []string) (*BlindSet, error) {
	k, err := curve.RandomScalar()
	if err != nil {
		return nil, err
	}

	points := make([][]byte, len(ids))
	for i, id := range ids {
		p, err := curve.HashToPoint(id)
		if err != nil {
			return nil, err
		}
		x, err := p.Bytes()
		if err != nil {
			return nil, err
		}
		blinded, err := curve.ApplyScalar(x, k)
		if err != nil {
			return nil, err
		}
		points[i] = blinded
	}

	return &BlindSet{Scalar: k, IDs: ids, Points: points}, nil
}

// ReblindPoints applies k to each point in points, preserving order. This
// is what B does to message 1 (producing message 2) and what B does to
// its own hashed IDs (producing message 3).
func ReblindPoints(points [][]byte, k *big.Int) ([][]byte, error) {
	out := make([][]byte, len(points))
	for i, p := range points {
		x, err := curve.ApplyScalar(p, k)
		if err != nil {
			return nil, protoerr.Wrap(protoerr.MalformedPoint, "reblind point", err)
		}
		out[i] = x
	}
	return out, nil
}

// Intersect computes A's side of step 4: apply kA to each point in
// bHashedAndBlinded (message 3, B's hashed IDs blinded by kB), then return
// the subsequence of mine.IDs whose own double-blinded value in
// aDoubleBlinded is found in that set.
//
// aDoubleBlinded is message 2 (A's points blinded first by kA then by kB,
// in A's original order) — NOT mine.Points, which are only kA-blinded.
func Intersect(mine *BlindSet, aDoubleBlinded [][]byte, bHashedAndBlinded [][]byte, kA *big.Int) ([]string, error) {
	bDoubleBlinded, err := ReblindPoints(bHashedAndBlinded, kA)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(bDoubleBlinded))
	for _, p := range bDoubleBlinded {
		set[hex.EncodeToString(p)] = struct{}{}
	}

	if len(aDoubleBlinded) != len(mine.IDs) {
		return nil, protoerr.New(protoerr.Protocol, "message 2 length does not match request length")
	}

	var out []string
	for i, p := range aDoubleBlinded {
		if _, ok := set[hex.EncodeToString(p)]; ok {
			out = append(out, mine.IDs[i])
		}
	}
	return out, nil
}
