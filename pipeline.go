package pqpipe

import (
	"context"
	"fmt"
	"strings"

	"pqpipe/internal/cfg"
	"pqpipe/internal/conn"
)

// QueryID identifies one enqueued statement within one Pipeline instance.
// IDs are assigned in enqueue order, strictly increasing, and never reused.
type QueryID int64

type dispatchState int

const (
	stateQueued    dispatchState = iota // accepted, not yet on the wire
	stateSubmitted                      // on the wire, outcome not yet collected
	stateCompleted                      // outcome cached, retrievable
	stateErrored                        // backend rejected it, error cached
	stateSkipped                        // never executed; an earlier statement in its submission failed
)

// pendingQuery is one enqueued statement and, once collected, its outcome.
type pendingQuery struct {
	id    QueryID
	sql   string
	state dispatchState
	res   *Result
	err   error
}

// submission tracks the statements that travelled together in one Query
// message. The backend produces one result per statement, in order, ending
// the stream early if one fails.
type submission struct {
	ids   []QueryID
	next  int // index of the first id still awaiting its result
	fault *stmtFault
}

type stmtFault struct {
	id  QueryID
	sql string
	err error
}

// Pipeline dispatches statements over the transaction's connection without
// waiting for each statement's result before sending the next, and serves the
// results later, by id or oldest-first. The connection can physically serve
// only one statement at a time, so results surface strictly in submission
// order; out-of-order retrieval is satisfied by caching, never by reordering
// the wire.
//
// A Pipeline is bound to one transaction. It acquires exclusive focus on the
// transaction at the first Enqueue and keeps it until Flush, Complete or
// Close; direct Exec on the transaction is a usage error in between.
//
// Statements submitted individually (immediate dispatch) each travel in
// their own implicit transaction, so a failure does not affect statements
// submitted before or after it. Statements that travelled in the same
// retained burst as a failing one never execute and retrieve as a
// *SkippedError naming the upstream failure.
//
// A Pipeline is not safe for concurrent use.
type Pipeline struct {
	tx *Tx

	queue    []*pendingQuery // insertion order; entries leave on retrieval or discard
	nextID   QueryID
	inFlight []*submission // oldest first

	retention int // >0: statements accumulate until a burst; 0: immediate dispatch
	hasFocus  bool
	fault     QueryID // earliest unresolved error; 0 when healthy
	closed    bool
	broken    error // connectivity failure; invalidates the whole pipeline
}

// NewPipeline creates a pipeline bound to tx. Focus on the transaction is
// acquired lazily at the first Enqueue, so constructing a pipeline is free
// and never conflicts with other holders.
func NewPipeline(tx *Tx) (*Pipeline, error) {
	if tx == nil {
		return nil, usageErrorf("pipeline requires a transaction")
	}
	if tx.closed {
		return nil, usageErrorf("transaction is closed")
	}
	return &Pipeline{tx: tx, nextID: 1}, nil
}

func (p *Pipeline) focusLabel() string { return "pipeline" }

func (p *Pipeline) guard() error {
	if p.closed {
		return usageErrorf("pipeline is closed")
	}
	if p.broken != nil {
		return fmt.Errorf("pipeline connection is broken: %w", p.broken)
	}
	return nil
}

// Enqueue appends sql to the pipeline and returns its id. Under immediate
// dispatch the statement goes on the wire before Enqueue returns, without
// waiting for any earlier statement's result. Under retained dispatch it
// accumulates until Resume, a retrieval, or the retention capacity is
// exceeded.
//
// sql should be a single statement. If it contains several, they execute in
// one implicit transaction and only the last result is kept for this id.
func (p *Pipeline) Enqueue(ctx context.Context, sql string) (QueryID, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	if err := p.ensureFocus(ctx); err != nil {
		return 0, err
	}

	pq := &pendingQuery{id: p.nextID, sql: sql, state: stateQueued}
	p.nextID++
	p.queue = append(p.queue, pq)

	if p.retention == 0 {
		if err := p.submitOne(ctx, pq); err != nil {
			return 0, err
		}
	} else if p.queuedCount() > p.retention {
		if err := p.submitBurst(ctx); err != nil {
			return 0, err
		}
	}
	return pq.id, nil
}

// Retain sets the retention capacity and returns the previous one. With a
// capacity of n > 0, statements accumulate in the queue and are submitted as
// a single burst once more than n are waiting, or when Resume, a retrieval,
// or Complete forces the issue. Retain(0) restores immediate dispatch for
// subsequent Enqueue calls; it does not submit anything itself.
func (p *Pipeline) Retain(max int) (int, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	if max < 0 {
		return 0, usageErrorf("retention capacity must not be negative")
	}
	prev := p.retention
	p.retention = max
	return prev, nil
}

// Resume submits every retained statement as one burst, preserving relative
// order, and restores immediate dispatch.
func (p *Pipeline) Resume(ctx context.Context) error {
	if err := p.guard(); err != nil {
		return err
	}
	if err := p.submitBurst(ctx); err != nil {
		return err
	}
	p.retention = 0
	return nil
}

// Retrieve returns the outcome of the statement with the given id, blocking
// on the backend as many times as necessary to reach it. Outcomes collected
// along the way are cached for later retrieval, so retrieving out of order
// never re-queries the backend. Retained statements are submitted first, and
// retained mode ends, as if Resume had been called.
//
// An id that was already retrieved, or never existed, is a usage error.
// Retrieving a failed statement returns its *PgError; retrieving a skipped
// one returns a *SkippedError.
func (p *Pipeline) Retrieve(ctx context.Context, id QueryID) (*Result, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	pq := p.find(id)
	if pq == nil {
		return nil, p.unknownIDError(id)
	}
	return p.retrieve(ctx, pq)
}

// RetrieveNext returns the oldest not-yet-retrieved statement's id and
// outcome, first-in-first-out. It is a usage error on an empty pipeline.
func (p *Pipeline) RetrieveNext(ctx context.Context) (QueryID, *Result, error) {
	if err := p.guard(); err != nil {
		return 0, nil, err
	}
	if len(p.queue) == 0 {
		return 0, nil, usageErrorf("retrieve on empty pipeline")
	}
	pq := p.queue[0]
	res, err := p.retrieve(ctx, pq)
	return pq.id, res, err
}

func (p *Pipeline) retrieve(ctx context.Context, pq *pendingQuery) (*Result, error) {
	if pq.state == stateQueued {
		if err := p.submitBurst(ctx); err != nil {
			return nil, err
		}
		p.retention = 0
	}
	for pq.state == stateSubmitted {
		if err := p.collectOne(ctx); err != nil {
			return nil, err
		}
	}
	p.remove(pq.id)
	if pq.err != nil {
		return nil, pq.err
	}
	return pq.res, nil
}

// IsRunning reports whether the statement is on the wire with its outcome not
// yet collected. It never blocks.
func (p *Pipeline) IsRunning(id QueryID) (bool, error) {
	pq := p.find(id)
	if pq == nil {
		return false, p.unknownIDError(id)
	}
	return pq.state == stateSubmitted, nil
}

// IsFinished reports whether the statement's outcome is already cached and a
// retrieval would not block.
func (p *Pipeline) IsFinished(id QueryID) (bool, error) {
	pq := p.find(id)
	if pq == nil {
		return false, p.unknownIDError(id)
	}
	switch pq.state {
	case stateCompleted, stateErrored, stateSkipped:
		return true, nil
	}
	return false, nil
}

// Empty reports whether the pipeline has no statements left, submitted or
// not.
func (p *Pipeline) Empty() bool { return len(p.queue) == 0 }

// Flush discards every statement still queued (not yet submitted) and
// releases focus without waiting for outstanding results. Direct use of the
// transaction is legal again immediately; outcomes of statements that were
// already submitted remain retrievable from this pipeline afterwards. Flush
// never blocks.
func (p *Pipeline) Flush() error {
	if p.closed {
		return usageErrorf("pipeline is closed")
	}
	p.discardQueued()
	p.releaseFocus()
	if len(p.inFlight) > 0 && p.broken == nil {
		// Streams still on the wire must be consumed before the transaction
		// issues anything else.
		p.tx.pendingDrain = p
	}
	return nil
}

// Complete submits everything retained, blocks until every outstanding
// outcome has been collected into the cache, and releases focus. The cached
// outcomes remain retrievable afterwards. Statement failures do not make
// Complete fail; they surface when their statements are retrieved.
func (p *Pipeline) Complete(ctx context.Context) error {
	if err := p.guard(); err != nil {
		return err
	}
	if err := p.submitBurst(ctx); err != nil {
		return err
	}
	p.retention = 0
	if err := p.drainInFlight(ctx); err != nil {
		return err
	}
	p.releaseFocus()
	return nil
}

// Cancel issues a best-effort cancel request for an in-flight statement. It
// races with normal completion: the statement may still retrieve its original
// outcome, or an error reporting the cancellation. Cancelling a statement
// whose outcome is already cached is a no-op.
func (p *Pipeline) Cancel(ctx context.Context, id QueryID) error {
	if err := p.guard(); err != nil {
		return err
	}
	pq := p.find(id)
	if pq == nil {
		return p.unknownIDError(id)
	}
	if pq.state != stateSubmitted {
		return nil
	}
	return p.tx.conn.cc.CancelRequest(ctx)
}

// Close discards queued statements, drains anything still on the wire into
// the cache, and releases focus. It is idempotent. Cached outcomes are no
// longer retrievable once the pipeline is closed.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.discardQueued()
	var err error
	if p.broken == nil {
		err = p.drainInFlight(ctx)
	}
	p.releaseFocus()
	p.queue = nil
	p.closed = true
	return err
}

func (p *Pipeline) ensureFocus(ctx context.Context) error {
	if p.hasFocus {
		return nil
	}
	if err := p.tx.registerFocus(ctx, p); err != nil {
		return err
	}
	p.hasFocus = true
	return nil
}

func (p *Pipeline) releaseFocus() {
	if p.hasFocus {
		p.tx.unregisterFocus(p)
		p.hasFocus = false
	}
	if p.tx.pendingDrain == drainer(p) && len(p.inFlight) == 0 {
		p.tx.pendingDrain = nil
	}
}

// resync restores the connection to a clean state after a statement failure:
// every in-flight submission is drained into the cache, recording errored and
// skipped outcomes, and the fault marker is reset. Each submission runs in
// its own implicit transaction on the backend, so draining is all it takes.
func (p *Pipeline) resync(ctx context.Context) error {
	if p.fault == 0 {
		return nil
	}
	if err := p.drainInFlight(ctx); err != nil {
		return err
	}
	p.tx.conn.config.Log(cfg.LogLevelDebug, "pipeline resynced", map[string]interface{}{
		"fault": int64(p.fault),
	})
	p.fault = 0
	return nil
}

func (p *Pipeline) submitOne(ctx context.Context, pq *pendingQuery) error {
	if err := p.resync(ctx); err != nil {
		return err
	}
	if err := p.tx.conn.cc.Submit(pq.sql); err != nil {
		p.broken = err
		return err
	}
	pq.state = stateSubmitted
	p.inFlight = append(p.inFlight, &submission{ids: []QueryID{pq.id}})
	return nil
}

func (p *Pipeline) submitBurst(ctx context.Context) error {
	var burst []*pendingQuery
	for _, pq := range p.queue {
		if pq.state == stateQueued {
			burst = append(burst, pq)
		}
	}
	if len(burst) == 0 {
		return nil
	}
	if err := p.resync(ctx); err != nil {
		return err
	}

	texts := make([]string, len(burst))
	ids := make([]QueryID, len(burst))
	for i, pq := range burst {
		texts[i] = pq.sql
		ids[i] = pq.id
	}
	if err := p.tx.conn.cc.Submit(strings.Join(texts, "; ")); err != nil {
		p.broken = err
		return err
	}
	for _, pq := range burst {
		pq.state = stateSubmitted
	}
	p.inFlight = append(p.inFlight, &submission{ids: ids})
	return nil
}

// collectOne consumes one backend message group: either the next statement's
// result within the oldest in-flight submission, or that submission's
// end-of-stream marker.
func (p *Pipeline) collectOne(ctx context.Context) error {
	if len(p.inFlight) == 0 {
		return usageErrorf("no submission in flight")
	}
	sub := p.inFlight[0]

	res, err := p.tx.conn.cc.CollectNext(ctx)
	if err != nil {
		if !conn.Timeout(err) {
			p.broken = err
		}
		return err
	}

	if res == nil {
		// End of this submission's stream. Statements still unresolved never
		// executed: the backend stopped at the submission's first failure.
		for _, id := range sub.ids[sub.next:] {
			pq := p.find(id)
			if pq == nil {
				continue
			}
			if sub.fault != nil {
				pq.state = stateSkipped
				pq.err = &SkippedError{
					ID:        id,
					FailedID:  sub.fault.id,
					FailedSQL: sub.fault.sql,
					Cause:     sub.fault.err,
				}
			} else {
				pq.state = stateErrored
				pq.err = fmt.Errorf("no result returned for statement %d", id)
			}
		}
		p.inFlight = p.inFlight[1:]
		return nil
	}

	idx := sub.next
	if idx >= len(sub.ids) {
		// Extra result from a multi-statement text; the last one wins.
		idx = len(sub.ids) - 1
	} else {
		sub.next++
	}
	pq := p.find(sub.ids[idx])
	if pq == nil {
		return nil
	}
	if res.Err != nil {
		pq.state = stateErrored
		pq.err = res.Err
		sub.fault = &stmtFault{id: pq.id, sql: pq.sql, err: res.Err}
		if p.fault == 0 {
			p.fault = pq.id
		}
		p.tx.conn.config.Log(cfg.LogLevelError, "pipeline statement failed", map[string]interface{}{
			"id":  int64(pq.id),
			"sql": pq.sql,
			"err": res.Err.Error(),
		})
	} else {
		pq.state = stateCompleted
		pq.res = newResult(res, p.tx.conn.connInfo)
	}
	return nil
}

// drainInFlight collects every outstanding outcome into the cache. It also
// serves as the drain hook the transaction runs before touching the wire
// after a Flush.
func (p *Pipeline) drainInFlight(ctx context.Context) error {
	for len(p.inFlight) > 0 {
		if err := p.collectOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) queuedCount() int {
	n := 0
	for _, pq := range p.queue {
		if pq.state == stateQueued {
			n++
		}
	}
	return n
}

func (p *Pipeline) discardQueued() {
	kept := p.queue[:0]
	for _, pq := range p.queue {
		if pq.state != stateQueued {
			kept = append(kept, pq)
		}
	}
	p.queue = kept
}

func (p *Pipeline) find(id QueryID) *pendingQuery {
	for _, pq := range p.queue {
		if pq.id == id {
			return pq
		}
	}
	return nil
}

func (p *Pipeline) remove(id QueryID) {
	for i, pq := range p.queue {
		if pq.id == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) unknownIDError(id QueryID) error {
	if id < 1 || id >= p.nextID {
		return usageErrorf("statement %d was never enqueued on this pipeline", id)
	}
	return usageErrorf("statement %d was already retrieved or discarded", id)
}
