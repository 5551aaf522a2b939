package session

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/auroradata-ai/psi-engine/internal/config"
	"github.com/auroradata-ai/psi-engine/internal/protoerr"
	"github.com/auroradata-ai/psi-engine/internal/psi"
	"github.com/auroradata-ai/psi-engine/internal/table"
	"github.com/auroradata-ai/psi-engine/internal/wire"
)

func startTestServer(t *testing.T, tbl table.Table) (addr string, shutdown func()) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Timeouts.AcceptPoll = 50 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(cfg, tbl)
	srv.listener = ln

	go func() {
		for {
			if srv.shutdown.Load() {
				return
			}
			tcpLn := ln.(*net.TCPListener)
			tcpLn.SetDeadline(time.Now().Add(cfg.Timeouts.AcceptPoll))
			conn, err := ln.Accept()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return
			}
			go srv.handleConn(conn)
		}
	}()

	return ln.Addr().String(), srv.Shutdown
}

func buildTable(t *testing.T) table.Table {
	t.Helper()
	m := table.NewMemory()
	m.Put("id1", map[string]string{"salary": "100", "bonus": "10", "department": "HR"})
	m.Put("id2", map[string]string{"salary": "200", "bonus": "20", "department": "HR"})
	m.Put("id3", map[string]string{"salary": "300", "bonus": "30", "department": "ENG"})
	return m
}

// TestPSIEndToEnd exercises the full blind/double-blind exchange over a
// real TCP connection between a Client and a Server.
func TestPSIEndToEnd(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	result, err := c.RunPSI([]string{"id1", "id2", "id4"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result) != 2 || result[0] != "id1" || result[1] != "id2" {
		t.Fatalf("unexpected intersection: %v", result)
	}
}

// TestJoinAfterPSI exercises the PSI-then-JOIN sequence.
func TestJoinAfterPSI(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.RunPSI([]string{"id1", "id2"}); err != nil {
		t.Fatal(err)
	}

	rows, err := c.RunJoin()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 joined rows, got %d", len(rows))
	}
}

// TestJoinBeforePSIIsPreconditionUnmet covers the out-of-order
// precondition check: the error is local, with no network I/O.
func TestJoinBeforePSIIsPreconditionUnmet(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.RunJoin(); err == nil {
		t.Fatal("expected PreconditionUnmet error")
	}
}

func TestPlaintextAggregate(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.RunPSI([]string{"id1", "id2"}); err != nil {
		t.Fatal(err)
	}
	joined, err := c.RunJoin()
	if err != nil {
		t.Fatal(err)
	}

	mySalaries := map[string]float64{"id1": 100, "id2": 200}
	totals, err := c.RunAggregatePlain(mySalaries, joined)
	if err != nil {
		t.Fatal(err)
	}
	if totals["HR"] != 330 {
		t.Fatalf("expected HR=330, got %v", totals)
	}
}

// Same inputs as the plaintext aggregate, driven through the encrypted
// exchange: the decrypted total must land within the CKKS tolerance.
func TestSecureAggregateSingleDepartment(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ids, err := c.RunPSI([]string{"id1", "id2"})
	if err != nil {
		t.Fatal(err)
	}

	mySalaries := map[string]float64{"id1": 100, "id2": 200}
	totals, err := c.RunAggregateSecure(ids, mySalaries)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := totals["HR"]
	if !ok {
		t.Fatalf("expected an HR total, got %v", totals)
	}
	if got < 329 || got > 331 {
		t.Fatalf("expected HR ~= 330 within tolerance, got %v", got)
	}
}

// Four records across two departments, salary+bonus totals
// [330, 150, 420, 200]: HR must sum to 750 and Eng to 350.
func TestSecureAggregateMultiDepartment(t *testing.T) {
	m := table.NewMemory()
	m.Put("e1", map[string]string{"bonus": "30", "department": "HR"})
	m.Put("e2", map[string]string{"bonus": "50", "department": "Eng"})
	m.Put("e3", map[string]string{"bonus": "20", "department": "HR"})
	m.Put("e4", map[string]string{"bonus": "20", "department": "Eng"})

	addr, shutdown := startTestServer(t, m)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ids, err := c.RunPSI([]string{"e1", "e2", "e3", "e4"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 4 {
		t.Fatalf("expected full overlap, got %v", ids)
	}

	salaries := map[string]float64{"e1": 300, "e2": 100, "e3": 400, "e4": 180}
	totals, err := c.RunAggregateSecure(ids, salaries)
	if err != nil {
		t.Fatal(err)
	}
	if got := totals["HR"]; got < 749 || got > 751 {
		t.Fatalf("expected HR ~= 750, got %v", got)
	}
	if got := totals["Eng"]; got < 349 || got > 351 {
		t.Fatalf("expected Eng ~= 350, got %v", got)
	}
}

// An ID list containing IDs absent from B's table is answered with an
// Alignment error response, and the connection stays open for further
// commands.
func TestSecureAggregationAlignmentError(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.RunPSI([]string{"id1"}); err != nil {
		t.Fatal(err)
	}

	_, err = c.RunAggregateSecure([]string{"id9"}, map[string]float64{"id9": 1})
	if protoerr.KindOf(err) != protoerr.Alignment {
		t.Fatalf("expected Alignment error, got %v", err)
	}

	// The connection must survive a non-fatal error.
	rows, err := c.RunJoin()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 joined row after the error, got %v", rows)
	}
}

// An empty intersection yields an empty aggregate map, not an error.
func TestEmptyIntersectionSecureAggregation(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ids, err := c.RunPSI([]string{"nobody"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty intersection, got %v", ids)
	}

	totals, err := c.RunAggregateSecure(ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 0 {
		t.Fatalf("expected empty aggregate map, got %v", totals)
	}
}

// TestExitIdempotent covers EXIT idempotency: closing twice must not
// panic or error.
func TestExitIdempotent(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

// TestEmptyASetProducesEmptyIntersection: an empty A set yields an empty
// intersection and no JOIN rows.
func TestEmptyASetProducesEmptyIntersection(t *testing.T) {
	tbl := buildTable(t)
	addr, shutdown := startTestServer(t, tbl)
	defer shutdown()

	c, err := Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	result, err := c.RunPSI(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result) != 0 {
		t.Fatalf("expected empty intersection, got %v", result)
	}

	rows, err := c.RunJoin()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no joined rows, got %v", rows)
	}
}

// k_B is created once per connection and reused by any subsequent PSI
// command on that same connection, not regenerated.
func TestHandlePSIReusesScalarWithinConnection(t *testing.T) {
	tbl := buildTable(t)
	srv := NewServer(&config.Config{}, tbl)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cs := &connState{}
	blindSet, err := psi.BlindIDs([]string{"id1"})
	if err != nil {
		t.Fatal(err)
	}
	req := wire.PSIRequest{Points: blindSet.Points}

	// Drain the two response frames each handlePSI call writes, on a
	// separate goroutine since net.Pipe is unbuffered and synchronous.
	drain := func() {
		for i := 0; i < 2; i++ {
			if _, err := wire.ReadFrame(clientConn); err != nil {
				t.Error(err)
				return
			}
		}
	}

	go drain()
	if err := callHandlePSI(srv, serverConn, req, cs); err != nil {
		t.Fatal(err)
	}
	first := cs.scalar
	if first == nil {
		t.Fatal("expected a scalar to be set after the first PSI command")
	}

	go drain()
	if err := callHandlePSI(srv, serverConn, req, cs); err != nil {
		t.Fatal(err)
	}
	if cs.scalar != first {
		t.Fatalf("second PSI command on the same connection drew a new scalar: %v != %v", cs.scalar, first)
	}
}

func callHandlePSI(srv *Server, conn net.Conn, req wire.PSIRequest, cs *connState) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return srv.handlePSI(conn, raw, cs)
}

// The JOIN response must follow table order, and a repeated id in the
// request must not duplicate the row in the response.
func TestHandleJoinTableOrderAndDuplicateRequest(t *testing.T) {
	tbl := buildTable(t)
	srv := NewServer(&config.Config{}, tbl)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	// Request ids out of table order and with id1 repeated.
	req := wire.JoinRequest{IDs: []string{"id3", "id1", "id1"}}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan wire.JoinResponse, 1)
	go func() {
		var resp wire.JoinResponse
		if err := wire.ReadMessage(clientConn, &resp); err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()

	if err := srv.handleJoin(serverConn, raw); err != nil {
		t.Fatal(err)
	}

	resp := <-done
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 rows (id1 once, id3 once), got %d: %v", len(resp.Data), resp.Data)
	}
	if resp.Data[0]["id"] != "id1" || resp.Data[1]["id"] != "id3" {
		t.Fatalf("expected table order [id1, id3], got %v", resp.Data)
	}
}
