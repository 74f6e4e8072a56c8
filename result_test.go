package pqpipe_test

import (
	"context"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgproto3/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqpipe"
	"pqpipe/internal/pgmock"
)

func goodsHandler(stmt string) []pgproto3.BackendMessage {
	if stmt == "select id, description, price, token from goods" {
		return pgmock.ResultSet(
			[]pgmock.Column{
				{Name: "id", OID: 23},          // int4
				{Name: "description", OID: 25}, // text
				{Name: "price", OID: 1700},     // numeric
				{Name: "token", OID: 2950},     // uuid
			},
			"SELECT 2",
			[]string{"1", "hammer", "12.50", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
			[]string{"2", "nails", "0.05", "6ba7b811-9dad-11d1-80b4-00c04fd430c8"},
		)
	}
	return pgmock.DefaultHandler(stmt)
}

func TestResultScanRowTypedColumns(t *testing.T) {
	c, _ := newTestConn(t, goodsHandler)
	ctx := context.Background()

	res, err := c.Exec(ctx, "select id, description, price, token from goods")
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, []string{"id", "description", "price", "token"}, res.Columns())
	assert.Equal(t, int64(2), res.CommandTag().RowsAffected())
	assert.True(t, res.CommandTag().Select())

	var (
		id    int
		desc  string
		price decimal.Decimal
		token uuid.UUID
	)
	require.NoError(t, res.ScanRow(0, &id, &desc, &price, &token))
	assert.Equal(t, 1, id)
	assert.Equal(t, "hammer", desc)
	assert.True(t, price.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", token.String())
}

func TestResultValues(t *testing.T) {
	c, _ := newTestConn(t, goodsHandler)
	ctx := context.Background()

	res, err := c.Exec(ctx, "select id, description, price, token from goods")
	require.NoError(t, err)

	values, err := res.Values(1)
	require.NoError(t, err)
	require.Len(t, values, 4)
	assert.Equal(t, int32(2), values[0])
	assert.Equal(t, "nails", values[1])
}

func TestScanAllIntoStructSlice(t *testing.T) {
	c, _ := newTestConn(t, goodsHandler)
	ctx := context.Background()

	res, err := c.Exec(ctx, "select id, description, price, token from goods")
	require.NoError(t, err)

	type Goods struct {
		ID          int
		Description string
		Price       decimal.Decimal
		Token       uuid.UUID
	}
	var goods []Goods
	require.NoError(t, pqpipe.ScanAll(&goods, res))
	require.Len(t, goods, 2)
	assert.Equal(t, 1, goods[0].ID)
	assert.Equal(t, "hammer", goods[0].Description)
	assert.Equal(t, 2, goods[1].ID)
	assert.True(t, goods[1].Price.Equal(decimal.RequireFromString("0.05")))
}

// Outcomes own their data: a Result stays readable after the pipeline, the
// transaction, and the connection are gone.
func TestResultOutlivesConnection(t *testing.T) {
	c, _ := newTestConn(t, nil)
	ctx := context.Background()

	tx := c.Autocommit()
	p, err := pqpipe.NewPipeline(tx)
	require.NoError(t, err)

	id, err := p.Enqueue(ctx, "select 5")
	require.NoError(t, err)
	res, err := p.Retrieve(ctx, id)
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, c.Close(ctx))

	var n int
	require.NoError(t, res.ScanRow(0, &n))
	assert.Equal(t, 5, n)
}
