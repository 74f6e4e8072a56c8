package pqpipe_test

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqpipe"
	"pqpipe/internal/pgmock"
)

// cursorHandler serves DECLARE/FETCH/CLOSE on top of the default handler.
func cursorHandler(rows [][]string) pgmock.Handler {
	served := 0
	return func(stmt string) []pgproto3.BackendMessage {
		switch strings.ToUpper(strings.Fields(stmt)[0]) {
		case "DECLARE":
			return []pgproto3.BackendMessage{&pgproto3.CommandComplete{CommandTag: []byte("DECLARE CURSOR")}}
		case "FETCH":
			n := 2
			if served+n > len(rows) {
				n = len(rows) - served
			}
			page := rows[served : served+n]
			served += n
			return pgmock.ResultSet([]pgmock.Column{{Name: "n", OID: 23}}, "FETCH "+string(rune('0'+n)), page...)
		case "CLOSE":
			return []pgproto3.BackendMessage{&pgproto3.CommandComplete{CommandTag: []byte("CLOSE CURSOR")}}
		}
		return pgmock.DefaultHandler(stmt)
	}
}

func TestFocusIsExclusiveAcrossHolderKinds(t *testing.T) {
	c, _ := newTestConn(t, cursorHandler(nil))
	ctx := context.Background()

	tx := c.Autocommit()
	p, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.Enqueue(ctx, "select 1")
	require.NoError(t, err)

	var usageErr *pqpipe.UsageError

	// No other holder may activate while the pipeline holds focus.
	_, err = pqpipe.DeclareCursor(ctx, tx, "cur", "select 1")
	require.ErrorAs(t, err, &usageErr)

	_, err = tx.CopyFrom(ctx, "copy t from stdin", strings.NewReader(""))
	require.ErrorAs(t, err, &usageErr)

	p2, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)
	_, err = p2.Enqueue(ctx, "select 2")
	require.ErrorAs(t, err, &usageErr)

	require.NoError(t, p.Complete(ctx))

	// With the pipeline detached the cursor can take over.
	cur, err := pqpipe.DeclareCursor(ctx, tx, "cur", "select 1")
	require.NoError(t, err)
	require.NoError(t, cur.Close(ctx))
}

func TestCommitRefusedWhileFocusHeld(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	require.NoError(t, err)

	p, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)

	_, err = p.Enqueue(ctx, "select 1")
	require.NoError(t, err)

	var usageErr *pqpipe.UsageError
	require.ErrorAs(t, tx.Commit(ctx), &usageErr)

	require.NoError(t, p.Complete(ctx))
	require.NoError(t, tx.Commit(ctx))

	// The transaction is gone; nothing may use it anymore.
	_, err = tx.Exec(ctx, "select 1")
	require.ErrorAs(t, err, &usageErr)
}

func TestQuoting(t *testing.T) {
	c, _ := newTestConn(t, nil)
	tx := c.Autocommit()

	assert.Equal(t, " 'O''Reilly'", tx.QuoteLiteral("O'Reilly"))
	assert.Equal(t, `"weird""name"`, tx.QuoteIdentifier(`weird"name`))
}
