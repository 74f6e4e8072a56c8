package pqpipe

import (
	"fmt"

	"github.com/georgysavva/scany/dbscan"
	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgtype"

	"pqpipe/internal/conn"
)

// Result is the tabular outcome of one statement. It owns its data: field
// descriptions and row values are copied out of the wire buffers, so a Result
// stays valid after the pipeline, the transaction, and even the connection
// that produced it are gone.
type Result struct {
	fields []pgproto3.FieldDescription
	rows   [][][]byte
	tag    conn.CommandTag
	ci     *pgtype.ConnInfo
}

func newResult(cr *conn.Result, ci *pgtype.ConnInfo) *Result {
	return &Result{
		fields: cr.FieldDescriptions,
		rows:   cr.Rows,
		tag:    cr.Tag,
		ci:     ci,
	}
}

// CommandTag returns the backend's status tag, e.g. "SELECT 5".
func (r *Result) CommandTag() CommandTag { return r.tag }

// Len returns the number of rows.
func (r *Result) Len() int { return len(r.rows) }

// Columns returns the column names in result order.
func (r *Result) Columns() []string {
	cols := make([]string, len(r.fields))
	for i, fd := range r.fields {
		cols[i] = string(fd.Name)
	}
	return cols
}

// ScanRow decodes the values of one row into dest, one destination per
// column, using the connection's type map.
func (r *Result) ScanRow(row int, dest ...interface{}) error {
	if row < 0 || row >= len(r.rows) {
		return fmt.Errorf("row %d out of range, result has %d rows", row, len(r.rows))
	}
	if len(dest) > len(r.fields) {
		return fmt.Errorf("scan received %d destinations for %d columns", len(dest), len(r.fields))
	}
	for i, d := range dest {
		if d == nil {
			continue
		}
		fd := r.fields[i]
		if err := r.ci.Scan(fd.DataTypeOID, fd.Format, r.rows[row][i], d); err != nil {
			return fmt.Errorf("scan column %q: %w", fd.Name, err)
		}
	}
	return nil
}

// Values decodes one row into native Go values using the connection's type
// map. Columns with no registered type come back as string (text format) or
// raw bytes (binary format).
func (r *Result) Values(row int) ([]interface{}, error) {
	if row < 0 || row >= len(r.rows) {
		return nil, fmt.Errorf("row %d out of range, result has %d rows", row, len(r.rows))
	}
	out := make([]interface{}, len(r.fields))
	for i, fd := range r.fields {
		buf := r.rows[row][i]
		if buf == nil {
			continue
		}

		dt, ok := r.ci.DataTypeForOID(fd.DataTypeOID)
		if !ok {
			if fd.Format == conn.TextFormatCode {
				out[i] = string(buf)
			} else {
				out[i] = buf
			}
			continue
		}

		var err error
		switch fd.Format {
		case conn.TextFormatCode:
			if d, ok := dt.Value.(pgtype.TextDecoder); ok {
				err = d.DecodeText(r.ci, buf)
			} else {
				out[i] = string(buf)
				continue
			}
		case conn.BinaryFormatCode:
			if d, ok := dt.Value.(pgtype.BinaryDecoder); ok {
				err = d.DecodeBinary(r.ci, buf)
			} else {
				out[i] = buf
				continue
			}
		default:
			return nil, fmt.Errorf("unknown format code %d for column %q", fd.Format, fd.Name)
		}
		if err != nil {
			return nil, err
		}
		out[i] = dt.Value.Get()
	}
	return out, nil
}

// Rows adapts the result to a row iterator compatible with scany's dbscan
// package.
func (r *Result) Rows() *Rows {
	return &Rows{res: r, idx: -1}
}

// ScanAll scans every row of res into dst, which must be a pointer to a slice
// of structs, maps, or primitives, following scany's dbscan conventions.
func ScanAll(dst interface{}, res *Result) error {
	return dbscan.ScanAll(dst, res.Rows())
}

// ScanOne scans exactly one row of res into dst, erroring when the result has
// zero or multiple rows.
func ScanOne(dst interface{}, res *Result) error {
	return dbscan.ScanOne(dst, res.Rows())
}

// Rows iterates a Result row by row. It implements dbscan.Rows.
type Rows struct {
	res *Result
	idx int
	err error
}

// Next advances to the next row.
func (rs *Rows) Next() bool {
	if rs.err != nil {
		return false
	}
	rs.idx++
	return rs.idx < len(rs.res.rows)
}

// Scan decodes the current row's values into dest.
func (rs *Rows) Scan(dest ...interface{}) error {
	if rs.idx < 0 || rs.idx >= len(rs.res.rows) {
		return fmt.Errorf("scan called without a current row")
	}
	if err := rs.res.ScanRow(rs.idx, dest...); err != nil {
		rs.err = err
		return err
	}
	return nil
}

// Columns returns the column names.
func (rs *Rows) Columns() ([]string, error) {
	return rs.res.Columns(), nil
}

// Err returns the first error encountered while scanning.
func (rs *Rows) Err() error { return rs.err }

// Close is a no-op: a Result holds no connection resources.
func (rs *Rows) Close() error { return nil }
