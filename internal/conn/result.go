package conn

import (
	"github.com/jackc/pgproto3/v2"
)

// Result is the decoded result stream of a single statement. All of its data
// is copied out of the wire buffers: a Result stays valid for as long as the
// caller wants, independent of the connection that produced it.
type Result struct {
	FieldDescriptions []pgproto3.FieldDescription
	Rows              [][][]byte
	Tag               CommandTag
	Err               *PgError
}
