// Package wire implements the length-prefixed message framer and the
// typed wire messages it carries. Every message is a 4-byte big-endian
// length prefix followed by exactly that many payload bytes. The payload
// is JSON: self-describing, preserves byte strings (via base64), UTF-8
// strings, real numbers, and ordered lists/maps, and carries no
// cross-language execution risk.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/auroradata-ai/psi-engine/internal/protoerr"
)

// MaxMessageSize bounds the payload length accepted from a peer, so a
// corrupted or hostile length prefix cannot force an unbounded allocation.
const MaxMessageSize = 256 << 20 // 256 MiB

// WriteMessage frames and writes v (any JSON-marshalable value) to w.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return protoerr.Wrap(protoerr.Protocol, "encode message", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return protoerr.Wrap(protoerr.Transport, "write length prefix", err)
	}
	if _, err := w.Write(payload); err != nil {
		return protoerr.Wrap(protoerr.Transport, "write payload", err)
	}
	return nil
}

// ReadMessage reads one framed message from r and unmarshals it into v.
// A short length prefix or a payload read that hits EOF before completing
// is reported as protoerr.Framing; a read that fails for another I/O
// reason is reported as protoerr.Transport.
func ReadMessage(r io.Reader, v any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return protoerr.Wrap(protoerr.Protocol, "decode message", err)
	}
	return nil
}

// UnmarshalJSON decodes a raw frame (as returned by ReadFrame) into v,
// for callers that first peeked the Envelope's Command off the same bytes.
func UnmarshalJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return protoerr.Wrap(protoerr.Protocol, "decode message", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload from r without decoding it,
// for callers that need to inspect the raw bytes or the command field
// before committing to a concrete message type.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, protoerr.Wrap(protoerr.Framing, "read length prefix", err)
		}
		return nil, protoerr.Wrap(protoerr.Transport, "read length prefix", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, protoerr.New(protoerr.Framing, "message exceeds maximum size")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, protoerr.Wrap(protoerr.Framing, "read payload", err)
		}
		return nil, protoerr.Wrap(protoerr.Transport, "read payload", err)
	}
	return payload, nil
}
