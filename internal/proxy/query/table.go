package query

import (
	"io"

	"github.com/dolthub/go-mysql-server/sql"
	sqltypes "github.com/dolthub/go-mysql-server/sql/types"

	"github.com/relaywire/proxycore/pkg/types"
)

var exchangeSchema = sql.Schema{
	{Name: "id", Type: sqltypes.Text, Source: "exchanges", Nullable: false},
	{Name: "seq", Type: sqltypes.Int64, Source: "exchanges", Nullable: false},
	{Name: "method", Type: sqltypes.Text, Source: "exchanges", Nullable: false},
	{Name: "url", Type: sqltypes.Text, Source: "exchanges", Nullable: false},
	{Name: "resource_type", Type: sqltypes.Text, Source: "exchanges", Nullable: true},
	{Name: "status", Type: sqltypes.Int32, Source: "exchanges", Nullable: true},
	{Name: "state", Type: sqltypes.Text, Source: "exchanges", Nullable: false},
	{Name: "dropped", Type: sqltypes.Boolean, Source: "exchanges", Nullable: false},
	{Name: "intercept_response", Type: sqltypes.Boolean, Source: "exchanges", Nullable: false},
	{Name: "timestamp", Type: sqltypes.Datetime, Source: "exchanges", Nullable: false},
}

// exchangeTable is a read-only snapshot of one project's captured
// exchange history, rebuilt fresh for every query the provider serves.
// There is no live cursor into the project store: the whole history is
// materialized into rows once, at Database() time.
type exchangeTable struct {
	rows []sql.Row
}

func newExchangeTable(exchanges []*types.Exchange) *exchangeTable {
	rows := make([]sql.Row, 0, len(exchanges))
	for _, ex := range exchanges {
		var status int32
		if ex.Response != nil {
			status = int32(ex.Response.Status)
		}
		rows = append(rows, sql.NewRow(
			ex.ID,
			ex.Seq,
			ex.Method,
			ex.URL,
			ex.ResourceType,
			status,
			string(ex.State),
			ex.Dropped,
			ex.InterceptResponse,
			ex.Timestamp,
		))
	}
	return &exchangeTable{rows: rows}
}

func (t *exchangeTable) Name() string              { return "exchanges" }
func (t *exchangeTable) String() string            { return "exchanges" }
func (t *exchangeTable) Schema() sql.Schema        { return exchangeSchema }
func (t *exchangeTable) Collation() sql.CollationID { return sql.Collation_Default }

func (t *exchangeTable) Partitions(ctx *sql.Context) (sql.PartitionIter, error) {
	return &singlePartitionIter{}, nil
}

func (t *exchangeTable) PartitionRows(ctx *sql.Context, partition sql.Partition) (sql.RowIter, error) {
	return &rowSliceIter{rows: t.rows}, nil
}

// singlePartition is the table's only partition: the whole snapshot.
type singlePartition struct{}

func (singlePartition) Key() []byte { return []byte("exchanges") }

type singlePartitionIter struct {
	done bool
}

func (p *singlePartitionIter) Next(ctx *sql.Context) (sql.Partition, error) {
	if p.done {
		return nil, io.EOF
	}
	p.done = true
	return singlePartition{}, nil
}

func (p *singlePartitionIter) Close(ctx *sql.Context) error { return nil }

type rowSliceIter struct {
	rows []sql.Row
	pos  int
}

func (it *rowSliceIter) Next(ctx *sql.Context) (sql.Row, error) {
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}

func (it *rowSliceIter) Close(ctx *sql.Context) error { return nil }
