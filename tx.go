package pqpipe

import (
	"context"

	"github.com/lib/pq"
)

// focusHolder is a component with the exclusive right to issue statements
// through a transaction: a Pipeline, a Cursor, or a bulk-copy stream. At most
// one holder may be registered on a transaction at any instant.
type focusHolder interface {
	focusLabel() string
}

// drainer is a detached focus holder that still has result streams in flight
// on the wire. Its streams must be consumed before anything else touches the
// connection.
type drainer interface {
	drainInFlight(ctx context.Context) error
}

// Tx is an explicit transaction on a Conn. It is the arbitration point for
// the connection: direct Exec, pipelines, cursors and copy streams all
// serialize through it.
type Tx struct {
	conn       *Conn
	closed     bool
	autocommit bool

	focus focusHolder // nil when the transaction itself may issue statements

	// Result streams left on the wire by a flushed holder; consumed before
	// the next statement goes out.
	pendingDrain drainer
}

// registerFocus grants h the exclusive right to issue statements. It fails
// with a usage error naming both holders when another component is active.
func (tx *Tx) registerFocus(ctx context.Context, h focusHolder) error {
	if tx.closed {
		return usageErrorf("transaction is closed")
	}
	if tx.focus != nil {
		if tx.focus == h {
			return usageErrorf("%s already holds focus on this transaction", h.focusLabel())
		}
		return usageErrorf("cannot activate %s: %s holds focus on this transaction", h.focusLabel(), tx.focus.focusLabel())
	}
	if err := tx.runPendingDrain(ctx); err != nil {
		return err
	}
	tx.focus = h
	return nil
}

// unregisterFocus releases h's exclusive right. Releasing a holder that is
// not registered is a no-op.
func (tx *Tx) unregisterFocus(h focusHolder) {
	if tx.focus == h {
		tx.focus = nil
	}
}

func (tx *Tx) runPendingDrain(ctx context.Context) error {
	if tx.pendingDrain == nil {
		return nil
	}
	d := tx.pendingDrain
	if err := d.drainInFlight(ctx); err != nil {
		return err
	}
	if tx.pendingDrain == d {
		tx.pendingDrain = nil
	}
	return nil
}

// Exec runs sql directly on the transaction and waits for its result. It is a
// usage error while a pipeline, cursor or copy stream holds focus.
func (tx *Tx) Exec(ctx context.Context, sql string) (*Result, error) {
	if tx.closed {
		return nil, usageErrorf("transaction is closed")
	}
	if tx.focus != nil {
		return nil, usageErrorf("cannot exec directly: %s holds focus on this transaction", tx.focus.focusLabel())
	}
	if err := tx.runPendingDrain(ctx); err != nil {
		return nil, err
	}
	return tx.exec(ctx, sql)
}

// exec bypasses the focus check. Focus holders issue their own statements
// through it.
func (tx *Tx) exec(ctx context.Context, sql string) (*Result, error) {
	res, err := tx.conn.cc.Exec(ctx, sql)
	if err != nil {
		return nil, err
	}
	return newResult(res, tx.conn.connInfo), nil
}

// Commit commits the transaction. It is a usage error while a focus holder is
// active; Complete, Close or Flush the holder first.
func (tx *Tx) Commit(ctx context.Context) error {
	return tx.finish(ctx, "COMMIT")
}

// Rollback aborts the transaction.
func (tx *Tx) Rollback(ctx context.Context) error {
	return tx.finish(ctx, "ROLLBACK")
}

func (tx *Tx) finish(ctx context.Context, sql string) error {
	if tx.closed {
		return usageErrorf("transaction is closed")
	}
	if tx.focus != nil {
		return usageErrorf("cannot %s: %s holds focus on this transaction", sql, tx.focus.focusLabel())
	}
	if err := tx.runPendingDrain(ctx); err != nil {
		return err
	}
	tx.closed = true
	if tx.autocommit {
		// Nothing to commit or abort; every statement already ran in its own
		// implicit transaction.
		return nil
	}
	_, err := tx.conn.cc.Exec(ctx, sql)
	return err
}

// QuoteLiteral quotes a string literal for safe inclusion in statement text.
func (tx *Tx) QuoteLiteral(s string) string { return pq.QuoteLiteral(s) }

// QuoteIdentifier quotes an identifier such as a table or cursor name.
func (tx *Tx) QuoteIdentifier(s string) string { return pq.QuoteIdentifier(s) }
