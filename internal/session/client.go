package session

import (
	"fmt"
	"net"
	"sort"

	"github.com/auroradata-ai/psi-engine/internal/agg"
	"github.com/auroradata-ai/psi-engine/internal/obs"
	"github.com/auroradata-ai/psi-engine/internal/protoerr"
	"github.com/auroradata-ai/psi-engine/internal/psi"
	"github.com/auroradata-ai/psi-engine/internal/wire"
)

// phase tracks how far A's sequential driver has progressed, enforcing
// the connect → psi → (join?) → (aggregate?) → exit ordering.
type phase int

const (
	phaseConnected phase = iota
	phasePSIDone
	phaseExited
)

// Client is A's side of the protocol: a single outbound connection and
// the sequential driver state.
type Client struct {
	conn   net.Conn
	log    *obs.Logger
	phase  phase
	blind  *psi.BlindSet // A's own blinding, retained between PSI and Intersect
	result []string      // intersection, order-preserving per A's side
	aggCtx *agg.Context  // A's CKKS context, including the secret key
}

// Connect dials addr and returns a Client ready for RunPSI.
func Connect(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Transport, "connect to peer", err)
	}
	return &Client{conn: conn, log: obs.Get(), phase: phaseConnected}, nil
}

// Close issues EXIT and closes the underlying connection. It is safe to
// call more than once: a second call is a no-op.
func (c *Client) Close() error {
	if c.phase == phaseExited {
		return nil
	}
	c.phase = phaseExited
	_ = wire.WriteMessage(c.conn, wire.ExitRequest{Command: wire.CmdExit})
	return c.conn.Close()
}

// RunPSI drives the full PSI exchange for myIDs and returns the
// intersection with B's set, preserving the order and multiplicity of
// myIDs.
func (c *Client) RunPSI(myIDs []string) ([]string, error) {
	if c.phase != phaseConnected {
		return nil, protoerr.New(protoerr.PreconditionUnmet, "psi already run on this connection")
	}

	blind, err := psi.BlindIDs(myIDs)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "blind own ids", err)
	}
	c.blind = blind

	if err := wire.WriteMessage(c.conn, wire.PSIRequest{Command: wire.CmdPSI, Points: blind.Points}); err != nil {
		return nil, err
	}

	var doubleBlinded wire.PSIResponsePoints
	if err := c.readResponse(&doubleBlinded); err != nil {
		return nil, err
	}
	var bHashedBlinded wire.PSIResponsePoints
	if err := c.readResponse(&bHashedBlinded); err != nil {
		return nil, err
	}

	result, err := psi.Intersect(blind, doubleBlinded.Points, bHashedBlinded.Points, blind.Scalar)
	if err != nil {
		return nil, err
	}

	c.result = result
	c.phase = phasePSIDone
	return result, nil
}

// RunJoin requests B's rows for the intersection IDs found by RunPSI.
func (c *Client) RunJoin() ([]map[string]string, error) {
	if c.phase != phasePSIDone {
		return nil, protoerr.New(protoerr.PreconditionUnmet, "join requires a completed psi")
	}

	if err := wire.WriteMessage(c.conn, wire.JoinRequest{Command: wire.CmdJoin, IDs: c.result}); err != nil {
		return nil, err
	}
	var resp wire.JoinResponse
	if err := c.readResponse(&resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// readResponse reads one framed reply from B, surfacing an error response
// (MalformedPoint, CryptoContext, PreconditionUnmet, Alignment keep the
// connection open but must reach the caller) as a typed error rather than
// decoding it into a zero-valued success struct.
func (c *Client) readResponse(v any) error {
	raw, err := wire.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	var probe wire.ErrorResponse
	if err := wire.UnmarshalJSON(raw, &probe); err == nil && probe.Error != "" {
		return protoerr.New(protoerr.Kind(probe.Error), probe.Message)
	}
	return wire.UnmarshalJSON(raw, v)
}

// RunAggregatePlain computes the group-by-department sum directly over
// already-joined plaintext rows. Plaintext aggregation is a contract
// between the core and its caller, so this runs with no further network
// round trip once JOIN has supplied B's rows.
func (c *Client) RunAggregatePlain(mySalaries map[string]float64, joined []map[string]string) (map[string]float64, error) {
	if c.phase != phasePSIDone {
		return nil, protoerr.New(protoerr.PreconditionUnmet, "aggregate requires a completed psi")
	}

	totals := map[string]float64{}
	for _, row := range joined {
		id := row["id"]
		salary, ok := mySalaries[id]
		if !ok {
			continue
		}
		bonus := parseFloat(row["bonus"])
		dept := row["department"]
		totals[dept] += salary + bonus
	}
	return totals, nil
}

// RunAggregateSecure drives the SECURE_AGGREGATION exchange: encrypt
// mySalaries aligned to ids, send the public context and ciphertext, and
// decrypt B's per-department sums.
func (c *Client) RunAggregateSecure(ids []string, mySalaries map[string]float64) (map[string]float64, error) {
	if c.phase != phasePSIDone {
		return nil, protoerr.New(protoerr.PreconditionUnmet, "aggregate requires a completed psi")
	}

	sortedIDs := make([]string, len(ids))
	copy(sortedIDs, ids)
	sort.Strings(sortedIDs)

	if c.aggCtx == nil {
		ctx, err := agg.NewContext()
		if err != nil {
			return nil, protoerr.Wrap(protoerr.CryptoContext, "build ckks context", err)
		}
		c.aggCtx = ctx
	}

	values := make([]float64, len(sortedIDs))
	for i, id := range sortedIDs {
		values[i] = mySalaries[id]
	}

	ct, err := c.aggCtx.EncryptVector(values)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "encrypt salary vector", err)
	}

	ctxBytes, err := agg.SerializeContextPublic(c.aggCtx)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "serialize public context", err)
	}
	ctBytes, err := agg.SerializeCiphertext(ct)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.CryptoContext, "serialize ciphertext", err)
	}

	req := wire.SecureAggregationRequest{
		Command:     wire.CmdSecureAggregation,
		Context:     ctxBytes,
		EncSalaries: ctBytes,
		IDs:         sortedIDs,
	}
	if err := wire.WriteMessage(c.conn, req); err != nil {
		return nil, err
	}

	var resp wire.SecureAggregationResponse
	if err := c.readResponse(&resp); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(resp.Results))
	for dept, ctBytes := range resp.Results {
		deptCt, err := agg.DeserializeCiphertext(ctBytes)
		if err != nil {
			return nil, protoerr.Wrap(protoerr.CryptoContext, fmt.Sprintf("deserialize result for %q", dept), err)
		}
		v, err := c.aggCtx.DecryptSlot0(deptCt)
		if err != nil {
			return nil, protoerr.Wrap(protoerr.CryptoContext, fmt.Sprintf("decrypt result for %q", dept), err)
		}
		out[dept] = agg.Round(v, false)
	}
	return out, nil
}
