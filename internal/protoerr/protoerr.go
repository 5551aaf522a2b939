// Package protoerr defines the typed error taxonomy shared by every
// component of the PSI / secure-aggregation engine, so that callers can
// distinguish connection-fatal errors from errors that should be reported
// back to the peer and the connection kept open.
package protoerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories a session can raise.
type Kind string

const (
	// Framing covers truncated or oversize length-prefixed reads. Always connection-fatal.
	Framing Kind = "Framing"
	// Protocol covers unknown commands, out-of-sequence commands, and malformed payload shapes. Connection-fatal.
	Protocol Kind = "Protocol"
	// MalformedPoint covers x-coordinates that are not on the curve, or that
	// reconstruct to the point at infinity. Reported to the peer; connection stays open.
	MalformedPoint Kind = "MalformedPoint"
	// CryptoContext covers CKKS context/ciphertext deserialization failures
	// and modulus-budget mismatches. Reported to the peer; connection stays open.
	CryptoContext Kind = "CryptoContext"
	// PreconditionUnmet covers JOIN/SECURE_AGGREGATION attempted before PSI completed.
	PreconditionUnmet Kind = "PreconditionUnmet"
	// Alignment covers a SECURE_AGGREGATION ID list containing IDs absent
	// from B's table.
	Alignment Kind = "Alignment"
	// Transport covers socket errors, resets and timeouts. Never answered; the session just ends.
	Transport Kind = "Transport"
)

// Error is a taxonomy-tagged protocol error.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Fatal reports whether errors of this kind MUST close the connection
// rather than be answered with an error response.
func Fatal(kind Kind) bool {
	switch kind {
	case Framing, Protocol, Transport:
		return true
	default:
		return false
	}
}
