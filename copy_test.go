package pqpipe_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqpipe/internal/pgmock"
)

func copyHandler(stmt string) []pgproto3.BackendMessage {
	switch {
	case strings.HasPrefix(stmt, "copy") && strings.Contains(stmt, "from stdin"):
		return []pgproto3.BackendMessage{&pgproto3.CopyInResponse{}}
	case strings.HasPrefix(stmt, "copy") && strings.Contains(stmt, "to stdout"):
		return []pgproto3.BackendMessage{
			&pgproto3.CopyOutResponse{},
			&pgproto3.CopyData{Data: []byte("1\talpha\n")},
			&pgproto3.CopyData{Data: []byte("2\tbeta\n")},
			&pgproto3.CopyDone{},
			&pgproto3.CommandComplete{CommandTag: []byte("COPY 2")},
		}
	}
	return pgmock.DefaultHandler(stmt)
}

func TestCopyFromCountsRows(t *testing.T) {
	c, _ := newTestConn(t, copyHandler)
	ctx := context.Background()

	tx := c.Autocommit()
	n, err := tx.CopyFrom(ctx, "copy words from stdin", strings.NewReader("1\talpha\n2\tbeta\n3\tgamma\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Focus was released when the copy finished.
	_, err = tx.Exec(ctx, "select 1")
	require.NoError(t, err)
}

func TestCopyToStreamsData(t *testing.T) {
	c, _ := newTestConn(t, copyHandler)
	ctx := context.Background()

	tx := c.Autocommit()
	var buf bytes.Buffer
	n, err := tx.CopyTo(ctx, "copy words to stdout", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "1\talpha\n2\tbeta\n", buf.String())

	_, err = tx.Exec(ctx, "select 1")
	require.NoError(t, err)
}
