package conn

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgproto3/v2"

	"pqpipe/internal/cfg"
)

// Submit sends one simple-protocol Query message carrying sql and returns
// without waiting for any result. Submissions are strictly ordered: the
// backend produces their result streams in submission order, one stream per
// Submit call, each terminated by a ReadyForQuery.
//
// sql may contain several semicolon-separated statements; they all travel in
// the same submission and the backend runs them in a single implicit
// transaction.
func (c *Conn) Submit(sql string) error {
	if c.status == statusClosed {
		return &connectionError{msg: "submit on closed connection"}
	}

	buf := (&pgproto3.Query{String: sql}).Encode(c.wbuf[:0])
	if n, err := c.conn.Write(buf); err != nil {
		c.hardClose()
		return &writeError{err: err, safeToRetry: n == 0}
	}

	c.pendingSyncs++
	c.status = statusBusy
	c.config.Log(cfg.LogLevelDebug, "submitted", map[string]interface{}{"sql": sql})
	return nil
}

// CollectNext returns the next per-statement result of the oldest unfinished
// submission, blocking until the backend produces one. A (nil, nil) return
// marks the end of that submission's result stream; the following call moves
// on to the next submission. A non-nil error means the link itself is
// unusable.
//
// Statement failures are not errors at this level: they come back as a
// Result whose Err method reports the backend error. After such a result the
// stream ends early; statements later in the same submission produce nothing.
func (c *Conn) CollectNext(ctx context.Context) (*Result, error) {
	if c.status == statusClosed {
		return nil, &connectionError{msg: "collect on closed connection"}
	}
	if c.pendingSyncs == 0 {
		return nil, &connectionError{msg: "collect with no submission in flight"}
	}

	res := &Result{}
	for {
		msg, err := c.receiveMessageCtx(ctx)
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *pgproto3.RowDescription:
			res.FieldDescriptions = copyFieldDescriptions(msg.Fields)
		case *pgproto3.DataRow:
			res.Rows = append(res.Rows, copyRowValues(msg.Values))
		case *pgproto3.CommandComplete:
			res.Tag = CommandTag(append([]byte(nil), msg.CommandTag...))
			return res, nil
		case *pgproto3.EmptyQueryResponse:
			return res, nil
		case *pgproto3.ErrorResponse:
			res.Err = ErrorResponseToPgError(msg)
			return res, nil
		case *pgproto3.ReadyForQuery:
			c.pendingSyncs--
			if c.pendingSyncs == 0 {
				c.status = statusIdle
			}
			return nil, nil
		}
	}
}

// PollReady reports whether at least one backend message can be consumed
// without blocking. It never waits for the network.
func (c *Conn) PollReady() bool {
	if c.peekedMsg != nil {
		return true
	}
	if c.status != statusBusy {
		return false
	}

	// An already-expired deadline turns the read into a poll. The chunk
	// reader keeps partial data across timeouts, so this never corrupts the
	// message stream.
	c.conn.SetReadDeadline(time.Unix(1, 0))
	_, err := c.peekMessage()
	c.conn.SetReadDeadline(noDeadline)

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false
		}
		// peekMessage already closed the connection; the pending error will
		// surface on the next blocking call.
		return false
	}
	return true
}

// Exec submits sql and consumes its whole result stream, returning the last
// statement's result. A backend statement error is returned as a *PgError
// with any remaining stream drained first, so the link stays consistent.
func (c *Conn) Exec(ctx context.Context, sql string) (*Result, error) {
	if err := c.Submit(sql); err != nil {
		return nil, err
	}
	return c.CollectAll(ctx)
}

// CollectAll consumes the oldest unfinished submission to completion and
// returns its last result, or the first statement error encountered.
func (c *Conn) CollectAll(ctx context.Context) (*Result, error) {
	var last *Result
	var stmtErr error
	for {
		res, err := c.CollectNext(ctx)
		if err != nil {
			return nil, err
		}
		if res == nil {
			if stmtErr != nil {
				return nil, stmtErr
			}
			return last, nil
		}
		if res.Err != nil && stmtErr == nil {
			stmtErr = res.Err
		}
		last = res
	}
}

func copyFieldDescriptions(fields []pgproto3.FieldDescription) []pgproto3.FieldDescription {
	out := make([]pgproto3.FieldDescription, len(fields))
	copy(out, fields)
	for i := range out {
		out[i].Name = append([]byte(nil), fields[i].Name...)
	}
	return out
}

func copyRowValues(values [][]byte) [][]byte {
	// The frontend reuses its receive buffer, so row values must be copied
	// out to survive the next message.
	out := make([][]byte, len(values))
	for i, v := range values {
		if v != nil {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out
}
