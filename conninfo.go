package pqpipe

import (
	"github.com/jackc/pgtype"
	gofrsuuid "github.com/jackc/pgtype/ext/gofrs-uuid"
	shopspring "github.com/jackc/pgtype/ext/shopspring-numeric"
)

// NewConnInfo returns the type map used to decode result values. On top of
// the pgtype defaults, numeric decodes into shopspring decimals and uuid into
// gofrs UUIDs.
func NewConnInfo() *pgtype.ConnInfo {
	ci := pgtype.NewConnInfo()
	ci.RegisterDataType(pgtype.DataType{Value: &shopspring.Numeric{}, Name: "numeric", OID: pgtype.NumericOID})
	ci.RegisterDataType(pgtype.DataType{Value: &gofrsuuid.UUID{}, Name: "uuid", OID: pgtype.UUIDOID})
	return ci
}
