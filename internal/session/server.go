// Package session implements the connection-handling state machine: B's
// command dispatch loop and A's sequential driver, over the framed wire
// protocol.
package session

import (
	"errors"
	"fmt"
	"math/big"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/auroradata-ai/psi-engine/internal/agg"
	"github.com/auroradata-ai/psi-engine/internal/config"
	"github.com/auroradata-ai/psi-engine/internal/curve"
	"github.com/auroradata-ai/psi-engine/internal/obs"
	"github.com/auroradata-ai/psi-engine/internal/protoerr"
	"github.com/auroradata-ai/psi-engine/internal/psi"
	"github.com/auroradata-ai/psi-engine/internal/table"
	"github.com/auroradata-ai/psi-engine/internal/wire"
)

// Server is B's side of the protocol: it listens, accepts one or more
// peer connections, and dispatches PSI/JOIN/SECURE_AGGREGATION/EXIT
// commands against its own table.
type Server struct {
	cfg      *config.Config
	table    table.Table
	log      *obs.Logger
	listener net.Listener
	shutdown atomic.Bool
}

// NewServer builds a Server over tbl, B's local data table.
func NewServer(cfg *config.Config, tbl table.Table) *Server {
	return &Server{cfg: cfg, table: tbl, log: obs.Get()}
}

// ListenAndServe binds cfg.ListenPort and accepts connections until
// Shutdown is called. The accept loop polls the shutdown flag at
// cfg.Timeouts.AcceptPoll, so a stop request is observed within one poll
// interval.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenHost, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return protoerr.Wrap(protoerr.Transport, "listen", err)
	}
	s.listener = ln
	s.log.Infof("listening on %s", addr)

	poll := s.cfg.Timeouts.AcceptPoll
	if poll <= 0 {
		poll = time.Second
	}

	for {
		if s.shutdown.Load() {
			return nil
		}
		tcpLn, ok := ln.(*net.TCPListener)
		if ok {
			tcpLn.SetDeadline(time.Now().Add(poll))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.shutdown.Load() {
				return nil
			}
			return protoerr.Wrap(protoerr.Transport, "accept", err)
		}
		s.log.Infof("peer connected: %s", conn.RemoteAddr())
		go s.handleConn(conn)
	}
}

// Shutdown stops the accept loop and closes the listener.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
}

// connState is the per-connection mutable state a handler owns. scalar is
// B's private PSI scalar k_B, created once per session: the first PSI
// command on a connection generates it, and any further PSI command on
// the same connection reuses it rather than drawing a fresh one.
type connState struct {
	scalar *big.Int
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	cs := &connState{}

	for {
		raw, err := wire.ReadFrame(conn)
		if err != nil {
			if protoerr.KindOf(err) != protoerr.Framing {
				s.log.Warnf("connection from %s dropped: %v", conn.RemoteAddr(), err)
			}
			return
		}

		var env wire.Envelope
		if jsonErr := unmarshalEnvelope(raw, &env); jsonErr != nil {
			s.log.Warnf("connection from %s: malformed envelope: %v", conn.RemoteAddr(), jsonErr)
			writeError(conn, protoerr.Wrap(protoerr.Protocol, "malformed payload", jsonErr))
			return
		}

		switch env.Command {
		case wire.CmdPSI:
			if err := s.handlePSI(conn, raw, cs); err != nil {
				if protoerr.Fatal(protoerr.KindOf(err)) {
					s.log.Warnf("psi: %v", err)
					return
				}
				writeError(conn, err)
			}
		case wire.CmdJoin:
			if err := s.handleJoin(conn, raw); err != nil {
				if protoerr.Fatal(protoerr.KindOf(err)) {
					s.log.Warnf("join: %v", err)
					return
				}
				writeError(conn, err)
			}
		case wire.CmdSecureAggregation:
			if err := s.handleSecureAggregation(conn, raw); err != nil {
				if protoerr.Fatal(protoerr.KindOf(err)) {
					s.log.Warnf("secure_aggregation: %v", err)
					return
				}
				writeError(conn, err)
			}
		case wire.CmdExit:
			s.log.Infof("peer %s exited", conn.RemoteAddr())
			return
		default:
			writeError(conn, protoerr.New(protoerr.Protocol, fmt.Sprintf("unknown command %q", env.Command)))
			return
		}
	}
}

func (s *Server) handlePSI(conn net.Conn, raw []byte, cs *connState) error {
	var req wire.PSIRequest
	if err := unmarshalEnvelope(raw, &req); err != nil {
		return protoerr.Wrap(protoerr.Protocol, "decode psi request", err)
	}

	k := cs.scalar
	if k == nil {
		var err error
		k, err = curve.RandomScalar()
		if err != nil {
			return protoerr.Wrap(protoerr.CryptoContext, "generate scalar", err)
		}
		cs.scalar = k
	}

	doubleBlinded, err := psi.ReblindPoints(req.Points, k)
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(conn, wire.PSIResponsePoints{Points: doubleBlinded}); err != nil {
		return err
	}

	ids, err := s.table.IDs()
	if err != nil {
		return protoerr.Wrap(protoerr.Protocol, "list table ids", err)
	}
	hashed := make([][]byte, len(ids))
	for i, id := range ids {
		p, err := curve.HashToPoint(id)
		if err != nil {
			return protoerr.Wrap(protoerr.CryptoContext, "hash own ids", err)
		}
		if hashed[i], err = p.Bytes(); err != nil {
			return protoerr.Wrap(protoerr.CryptoContext, "hash own ids", err)
		}
	}
	myBlinded, err := psi.ReblindPoints(hashed, k)
	if err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.PSIResponsePoints{Points: myBlinded})
}

func (s *Server) handleJoin(conn net.Conn, raw []byte) error {
	var req wire.JoinRequest
	if err := unmarshalEnvelope(raw, &req); err != nil {
		return protoerr.Wrap(protoerr.Protocol, "decode join request", err)
	}

	wanted := make(map[string]struct{}, len(req.IDs))
	for _, id := range req.IDs {
		wanted[id] = struct{}{}
	}

	ids, err := s.table.IDs()
	if err != nil {
		return protoerr.Wrap(protoerr.Protocol, "list table ids", err)
	}

	rows := make([]map[string]string, 0, len(req.IDs))
	for _, id := range ids {
		if _, ok := wanted[id]; !ok {
			continue
		}
		row, err := s.table.Get(id)
		if err != nil {
			if errors.Is(err, table.ErrNotFound) {
				continue
			}
			return protoerr.Wrap(protoerr.Protocol, "lookup row", err)
		}
		rows = append(rows, row)
	}
	return wire.WriteMessage(conn, wire.JoinResponse{Data: rows})
}

func (s *Server) handleSecureAggregation(conn net.Conn, raw []byte) error {
	var req wire.SecureAggregationRequest
	if err := unmarshalEnvelope(raw, &req); err != nil {
		return protoerr.Wrap(protoerr.Protocol, "decode secure_aggregation request", err)
	}

	ctx, err := agg.DeserializeContext(req.Context)
	if err != nil {
		return protoerr.Wrap(protoerr.CryptoContext, "deserialize context", err)
	}
	encSalaries, err := agg.DeserializeCiphertext(req.EncSalaries)
	if err != nil {
		return protoerr.Wrap(protoerr.CryptoContext, "deserialize salary ciphertext", err)
	}

	bonuses := make([]float64, len(req.IDs))
	departments := make([]string, len(req.IDs))
	for i, id := range req.IDs {
		row, err := s.table.Get(id)
		if err != nil {
			return protoerr.New(protoerr.Alignment, fmt.Sprintf("id %q absent from table", id))
		}
		bonuses[i] = parseFloat(row["bonus"])
		departments[i] = row["department"]
	}

	encTotal, err := ctx.AddPlain(encSalaries, bonuses)
	if err != nil {
		return protoerr.Wrap(protoerr.CryptoContext, "add_plain", err)
	}

	deptSet := map[string]struct{}{}
	for _, d := range departments {
		if d != "" {
			deptSet[d] = struct{}{}
		}
	}
	depts := make([]string, 0, len(deptSet))
	for d := range deptSet {
		depts = append(depts, d)
	}
	sort.Strings(depts)

	results := make(map[string][]byte, len(depts))
	for _, dept := range depts {
		mask := make([]float64, len(departments))
		for i, d := range departments {
			if d == dept {
				mask[i] = 1
			}
		}
		masked, err := ctx.MulPlainMask(encTotal, mask)
		if err != nil {
			return protoerr.Wrap(protoerr.CryptoContext, "mul_plain_mask", err)
		}
		summed, err := ctx.Sum(masked, len(departments))
		if err != nil {
			return protoerr.Wrap(protoerr.CryptoContext, "sum", err)
		}
		bytes, err := agg.SerializeCiphertext(summed)
		if err != nil {
			return protoerr.Wrap(protoerr.CryptoContext, "serialize result", err)
		}
		results[dept] = bytes
	}
	return wire.WriteMessage(conn, wire.SecureAggregationResponse{Results: results})
}

func writeError(conn net.Conn, err error) {
	kind := protoerr.KindOf(err)
	_ = wire.WriteMessage(conn, wire.ErrorResponse{Error: string(kind), Message: err.Error()})
}

func parseFloat(s string) float64 {
	var v float64
	_, _ = fmt.Sscanf(s, "%g", &v)
	return v
}

// unmarshalEnvelope is a small indirection point so handlePSI et al. can
// decode the same raw frame into different concrete request types without
// re-reading the wire.
func unmarshalEnvelope(raw []byte, v any) error {
	return wire.UnmarshalJSON(raw, v)
}
