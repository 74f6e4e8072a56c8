package pqpipe

import (
	"context"
	"fmt"
	"strconv"
)

// Cursor is a server-side cursor declared on a transaction. It holds focus
// for its whole lifetime: the transaction cannot be used directly, nor by a
// pipeline or copy stream, until the cursor is closed.
type Cursor struct {
	tx     *Tx
	name   string
	closed bool
}

func (c *Cursor) focusLabel() string { return fmt.Sprintf("cursor %q", c.name) }

// DeclareCursor declares a non-scrollable cursor over query. The transaction
// must be open; PostgreSQL requires cursors to live inside a transaction.
func DeclareCursor(ctx context.Context, tx *Tx, name, query string) (*Cursor, error) {
	c := &Cursor{tx: tx, name: name}
	if err := tx.registerFocus(ctx, c); err != nil {
		return nil, err
	}
	sql := "DECLARE " + tx.QuoteIdentifier(name) + " NO SCROLL CURSOR FOR " + query
	if _, err := tx.exec(ctx, sql); err != nil {
		tx.unregisterFocus(c)
		return nil, err
	}
	return c, nil
}

// Fetch returns up to n rows, advancing the cursor. A result with fewer than
// n rows means the cursor is exhausted.
func (c *Cursor) Fetch(ctx context.Context, n int) (*Result, error) {
	if c.closed {
		return nil, usageErrorf("cursor %q is closed", c.name)
	}
	if n < 1 {
		return nil, usageErrorf("fetch count must be positive")
	}
	return c.tx.exec(ctx, "FETCH FORWARD "+strconv.Itoa(n)+" FROM "+c.tx.QuoteIdentifier(c.name))
}

// Close closes the server-side cursor and releases focus. It is idempotent.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.tx.unregisterFocus(c)
	_, err := c.tx.exec(ctx, "CLOSE "+c.tx.QuoteIdentifier(c.name))
	return err
}
