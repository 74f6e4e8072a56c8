package conn

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgproto3/v2"
)

const copyBufSize = 65536

// CopyFrom submits a COPY ... FROM STDIN statement and streams r as its
// data. It returns the backend's command tag, whose RowsAffected reports the
// number of rows copied.
func (c *Conn) CopyFrom(ctx context.Context, sql string, r io.Reader) (CommandTag, error) {
	if err := c.Submit(sql); err != nil {
		return nil, err
	}

	// The backend acknowledges the statement with CopyInResponse before any
	// data may be sent.
waitCopyIn:
	for {
		msg, err := c.receiveMessageCtx(ctx)
		if err != nil {
			return nil, err
		}
		switch msg := msg.(type) {
		case *pgproto3.CopyInResponse:
			break waitCopyIn
		case *pgproto3.ErrorResponse:
			pgErr := ErrorResponseToPgError(msg)
			if err := c.drainSubmission(ctx); err != nil {
				return nil, err
			}
			return nil, pgErr
		case *pgproto3.ReadyForQuery:
			c.pendingSyncs--
			if c.pendingSyncs == 0 {
				c.status = statusIdle
			}
			return nil, fmt.Errorf("statement did not start a COPY FROM STDIN: %q", sql)
		}
	}

	buf := make([]byte, copyBufSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := c.conn.Write((&pgproto3.CopyData{Data: buf[:n]}).Encode(nil)); err != nil {
				c.hardClose()
				return nil, &writeError{err: err}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Abort the copy; the backend answers with an ErrorResponse that
			// the result collection below reports.
			if _, err := c.conn.Write((&pgproto3.CopyFail{Message: readErr.Error()}).Encode(nil)); err != nil {
				c.hardClose()
				return nil, &writeError{err: err}
			}
			break
		}
	}

	if _, err := c.conn.Write((&pgproto3.CopyDone{}).Encode(nil)); err != nil {
		c.hardClose()
		return nil, &writeError{err: err}
	}

	res, err := c.CollectAll(ctx)
	if err != nil {
		return nil, err
	}
	return res.Tag, nil
}

// CopyTo submits a COPY ... TO STDOUT statement and writes the streamed data
// to w. It returns the backend's command tag.
func (c *Conn) CopyTo(ctx context.Context, sql string, w io.Writer) (CommandTag, error) {
	if err := c.Submit(sql); err != nil {
		return nil, err
	}

	var tag CommandTag
	var pgErr *PgError
	for {
		msg, err := c.receiveMessageCtx(ctx)
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyOutResponse:
		case *pgproto3.CopyData:
			if _, err := w.Write(msg.Data); err != nil {
				// The stream cannot be interrupted mid-copy without killing
				// the connection; keep draining and report afterwards.
				if err := c.drainSubmission(ctx); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("copy out write: %w", err)
			}
		case *pgproto3.CopyDone:
		case *pgproto3.CommandComplete:
			tag = CommandTag(append([]byte(nil), msg.CommandTag...))
		case *pgproto3.ErrorResponse:
			pgErr = ErrorResponseToPgError(msg)
		case *pgproto3.ReadyForQuery:
			c.pendingSyncs--
			if c.pendingSyncs == 0 {
				c.status = statusIdle
			}
			if pgErr != nil {
				return nil, pgErr
			}
			return tag, nil
		}
	}
}

// drainSubmission consumes the rest of the oldest submission's result stream
// and discards it.
func (c *Conn) drainSubmission(ctx context.Context) error {
	for {
		res, err := c.CollectNext(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
	}
}
