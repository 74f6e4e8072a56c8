package pqpipe_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqpipe"
	"pqpipe/internal/pgmock"
)

func newTestConn(t *testing.T, handler pgmock.Handler) (*pqpipe.Conn, *pgmock.Server) {
	t.Helper()

	srv, err := pgmock.New(handler)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, srv.Err())
	})

	c, err := pqpipe.Connect(context.Background(), srv.ConnString())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })

	return c, srv
}

func scanInt(t *testing.T, res *pqpipe.Result) int {
	t.Helper()
	require.NotNil(t, res)
	require.Equal(t, 1, res.Len())
	var n int
	require.NoError(t, res.ScanRow(0, &n))
	return n
}

func TestEnqueueIdentifiersStrictlyIncreasing(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	var prev pqpipe.QueryID
	for i := 0; i < 10; i++ {
		id, err := p.Enqueue(ctx, "select 1")
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestImmediateDispatchRetrievesInEnqueueOrder(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	ids := make([]pqpipe.QueryID, 5)
	for i := range ids {
		ids[i], err = p.Enqueue(ctx, "select "+string(rune('1'+i)))
		require.NoError(t, err)
	}

	for i := range ids {
		id, res, err := p.RetrieveNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, ids[i], id)
		assert.Equal(t, i+1, scanInt(t, res))
	}
	assert.True(t, p.Empty())
}

func TestRetrieveByIDInReverseOrder(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	ids := make([]pqpipe.QueryID, 4)
	for i := range ids {
		ids[i], err = p.Enqueue(ctx, "select "+string(rune('1'+i)))
		require.NoError(t, err)
	}

	// Reverse retrieval is served by the cache; the wire stays FIFO.
	for i := len(ids) - 1; i >= 0; i-- {
		res, err := p.Retrieve(ctx, ids[i])
		require.NoError(t, err)
		assert.Equal(t, i+1, scanInt(t, res))
	}
	assert.True(t, p.Empty())
}

func TestRetrieveOnEmptyPipelineIsUsageError(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	require.True(t, p.Empty())
	_, _, err = p.RetrieveNext(ctx)
	var usageErr *pqpipe.UsageError
	require.ErrorAs(t, err, &usageErr)
}

func TestRetrieveUnknownOrRetrievedIDIsUsageError(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	id, err := p.Enqueue(ctx, "select 1")
	require.NoError(t, err)

	var usageErr *pqpipe.UsageError

	_, err = p.Retrieve(ctx, id+100)
	require.ErrorAs(t, err, &usageErr)

	_, err = p.Retrieve(ctx, id)
	require.NoError(t, err)

	// A second retrieval of the same id is a programming error.
	_, err = p.Retrieve(ctx, id)
	require.ErrorAs(t, err, &usageErr)
}

func TestRetainResumeMarksAllRunning(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.Retain(10)
	require.NoError(t, err)

	ids := make([]pqpipe.QueryID, 5)
	for i := range ids {
		ids[i], err = p.Enqueue(ctx, "select "+string(rune('1'+i)))
		require.NoError(t, err)
	}

	// Retained statements are not on the wire yet.
	for _, id := range ids {
		running, err := p.IsRunning(id)
		require.NoError(t, err)
		assert.False(t, running)
	}

	require.NoError(t, p.Resume(ctx))

	for _, id := range ids {
		running, err := p.IsRunning(id)
		require.NoError(t, err)
		assert.True(t, running)
	}

	for i, id := range ids {
		res, err := p.Retrieve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, scanInt(t, res))
	}
}

func TestRetainCapacityAutoIssuesBurst(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.Retain(2)
	require.NoError(t, err)

	id1, err := p.Enqueue(ctx, "select 1")
	require.NoError(t, err)
	id2, err := p.Enqueue(ctx, "select 2")
	require.NoError(t, err)

	running, err := p.IsRunning(id1)
	require.NoError(t, err)
	assert.False(t, running)

	// The third statement exceeds the retention capacity and flushes the
	// whole burst onto the wire.
	id3, err := p.Enqueue(ctx, "select 3")
	require.NoError(t, err)

	for _, id := range []pqpipe.QueryID{id1, id2, id3} {
		running, err := p.IsRunning(id)
		require.NoError(t, err)
		assert.True(t, running)
	}

	require.NoError(t, p.Complete(ctx))
}

func TestBatchErrorMarksSameBurstStatementsSkipped(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.Retain(10)
	require.NoError(t, err)

	okID, err := p.Enqueue(ctx, "select 1")
	require.NoError(t, err)
	badID, err := p.Enqueue(ctx, "definitely not sql")
	require.NoError(t, err)
	skippedID, err := p.Enqueue(ctx, "select 2")
	require.NoError(t, err)

	require.NoError(t, p.Complete(ctx))

	res, err := p.Retrieve(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, 1, scanInt(t, res))

	// The failing statement re-raises its own error.
	_, err = p.Retrieve(ctx, badID)
	var pgErr *pqpipe.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42601", pgErr.Code)

	// The statement that travelled in the same burst never executed and says
	// so, naming the upstream failure.
	_, err = p.Retrieve(ctx, skippedID)
	var skipErr *pqpipe.SkippedError
	require.ErrorAs(t, err, &skipErr)
	assert.Equal(t, skippedID, skipErr.ID)
	assert.Equal(t, badID, skipErr.FailedID)
	assert.Equal(t, "definitely not sql", skipErr.FailedSQL)

	assert.True(t, p.Empty())
}

// Statements submitted individually travel in their own implicit
// transactions, so a failure does not affect statements submitted after it.
func TestImmediateDispatchStatementsAfterFailureStillExecute(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	okID, err := p.Enqueue(ctx, "select 1")
	require.NoError(t, err)
	badID, err := p.Enqueue(ctx, "definitely not sql")
	require.NoError(t, err)
	afterID, err := p.Enqueue(ctx, "select 2")
	require.NoError(t, err)

	require.NoError(t, p.Complete(ctx))

	res, err := p.Retrieve(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, 1, scanInt(t, res))

	_, err = p.Retrieve(ctx, badID)
	var pgErr *pqpipe.PgError
	require.ErrorAs(t, err, &pgErr)

	res, err = p.Retrieve(ctx, afterID)
	require.NoError(t, err)
	assert.Equal(t, 2, scanInt(t, res))
}

func TestNewStatementsWorkAfterFaultIsCleared(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	badID, err := p.Enqueue(ctx, "definitely not sql")
	require.NoError(t, err)
	_, err = p.Retrieve(ctx, badID)
	require.Error(t, err)

	// The next enqueue clears the fault before submitting.
	id, err := p.Enqueue(ctx, "select 3")
	require.NoError(t, err)
	res, err := p.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, scanInt(t, res))
}

func TestFlushReleasesFocusAndKeepsInFlightResults(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	tx := c.Autocommit()
	p, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)
	defer p.Close(ctx)

	id, err := p.Enqueue(ctx, "select 7")
	require.NoError(t, err)

	// Focus is held: direct exec is refused.
	_, err = tx.Exec(ctx, "select 1")
	var usageErr *pqpipe.UsageError
	require.ErrorAs(t, err, &usageErr)

	require.NoError(t, p.Flush())

	// Direct exec is legal again; the pending stream is drained first.
	res, err := tx.Exec(ctx, "select 1")
	require.NoError(t, err)
	assert.Equal(t, 1, scanInt(t, res))

	// The result submitted before the flush is still retrievable.
	res, err = p.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, scanInt(t, res))
}

func TestFlushDiscardsQueuedStatements(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.Retain(10)
	require.NoError(t, err)
	id, err := p.Enqueue(ctx, "select 1")
	require.NoError(t, err)

	require.NoError(t, p.Flush())
	assert.True(t, p.Empty())

	_, err = p.Retrieve(ctx, id)
	var usageErr *pqpipe.UsageError
	require.ErrorAs(t, err, &usageErr)
}

func TestCompleteCollectsEverythingAndReleasesFocus(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	tx := c.Autocommit()
	p, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.Retain(10)
	require.NoError(t, err)
	ids := make([]pqpipe.QueryID, 3)
	for i := range ids {
		ids[i], err = p.Enqueue(ctx, "select "+string(rune('1'+i)))
		require.NoError(t, err)
	}

	require.NoError(t, p.Complete(ctx))

	for _, id := range ids {
		finished, err := p.IsFinished(id)
		require.NoError(t, err)
		assert.True(t, finished)
	}

	// Focus is released; the transaction is directly usable.
	_, err = tx.Exec(ctx, "select 1")
	require.NoError(t, err)

	// Cached outcomes remain retrievable after Complete.
	for i, id := range ids {
		res, err := p.Retrieve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, scanInt(t, res))
	}
	assert.True(t, p.Empty())
}

func TestCancelRacesCompletion(t *testing.T) {
	c, srv := newTestConn(t, nil)
	ctx := context.Background()

	p, err := pqpipe.NewPipeline(c.Autocommit())
	require.NoError(t, err)
	defer p.Close(ctx)

	id, err := p.Enqueue(ctx, "select 9")
	require.NoError(t, err)
	require.NoError(t, p.Cancel(ctx, id))
	assert.True(t, srv.Cancelled())

	// The mock never actually aborts the statement, so the original outcome
	// wins the race. Either outcome is acceptable to callers.
	res, err := p.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 9, scanInt(t, res))
}

func TestPipelineInsideAbortedExplicitTransaction(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	require.NoError(t, err)

	p, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)

	badID, err := p.Enqueue(ctx, "definitely not sql")
	require.NoError(t, err)
	_, err = p.Retrieve(ctx, badID)
	require.Error(t, err)

	// The backend aborted the explicit transaction; later statements fail
	// with its abort error until the caller rolls back.
	id, err := p.Enqueue(ctx, "select 1")
	require.NoError(t, err)
	_, err = p.Retrieve(ctx, id)
	var pgErr *pqpipe.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "25P02", pgErr.Code)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, tx.Rollback(ctx))
}

func TestCloseReleasesFocusAndInvalidatesPipeline(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	tx := c.Autocommit()
	p, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)

	id, err := p.Enqueue(ctx, "select 1")
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx)) // idempotent

	_, err = tx.Exec(ctx, "select 1")
	require.NoError(t, err)

	_, err = p.Retrieve(ctx, id)
	var usageErr *pqpipe.UsageError
	require.ErrorAs(t, err, &usageErr)
}
