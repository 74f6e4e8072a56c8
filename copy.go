package pqpipe

import (
	"context"
	"io"
)

// copyStream is the focus holder for a bulk COPY. A copy occupies the
// connection for the duration of one call, so the holder exists only inside
// CopyFrom and CopyTo.
type copyStream struct {
	direction string
}

func (s *copyStream) focusLabel() string { return "copy " + s.direction }

// CopyFrom runs a COPY ... FROM STDIN statement, streaming r as its data, and
// returns the number of rows copied. It holds focus on the transaction for
// the duration of the call.
func (tx *Tx) CopyFrom(ctx context.Context, sql string, r io.Reader) (int64, error) {
	s := &copyStream{direction: "from stdin"}
	if err := tx.registerFocus(ctx, s); err != nil {
		return 0, err
	}
	defer tx.unregisterFocus(s)

	tag, err := tx.conn.cc.CopyFrom(ctx, sql, r)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CopyTo runs a COPY ... TO STDOUT statement, writing the streamed data to w,
// and returns the number of rows copied. It holds focus on the transaction
// for the duration of the call.
func (tx *Tx) CopyTo(ctx context.Context, sql string, w io.Writer) (int64, error) {
	s := &copyStream{direction: "to stdout"}
	if err := tx.registerFocus(ctx, s); err != nil {
		return 0, err
	}
	defer tx.unregisterFocus(s)

	tag, err := tx.conn.cc.CopyTo(ctx, sql, w)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
