package query

import (
	"strings"

	"github.com/dolthub/go-mysql-server/sql"
)

// exchangeDatabase exposes a single table, "exchanges", to the SQL
// engine. One instance is built per query, from a fresh snapshot.
type exchangeDatabase struct {
	name  string
	table *exchangeTable
}

func (d *exchangeDatabase) Name() string { return d.name }

func (d *exchangeDatabase) GetTableInsensitive(ctx *sql.Context, tblName string) (sql.Table, bool, error) {
	if strings.EqualFold(tblName, d.table.Name()) {
		return d.table, true, nil
	}
	return nil, false, nil
}

func (d *exchangeDatabase) GetTableNames(ctx *sql.Context) ([]string, error) {
	return []string{d.table.Name()}, nil
}
