package query

import (
	"strings"

	"github.com/dolthub/go-mysql-server/sql"

	"github.com/relaywire/proxycore/pkg/types"
)

// Source is the narrow slice of project.Store the query surface reads
// from. A project's exchange history is the only thing ever exposed
// here; rules, repeater tabs, and anything else a project document
// carries are deliberately left out of the schema.
type Source interface {
	Exchanges() []*types.Exchange
}

// provider is the sql.DatabaseProvider backing the engine. It exposes
// exactly one database, named dbName (Server always passes "project"), and rebuilds
// its table contents from the Source on every lookup — there is no
// caching, since exchange history for a running capture session is
// small enough that a full rebuild per query is cheap.
type provider struct {
	dbName string
	source Source
}

func newProvider(dbName string, source Source) *provider {
	return &provider{dbName: dbName, source: source}
}

func (p *provider) Database(ctx *sql.Context, name string) (sql.Database, error) {
	if !strings.EqualFold(name, p.dbName) {
		return nil, sql.ErrDatabaseNotFound.New(name)
	}
	return p.snapshot(), nil
}

func (p *provider) HasDatabase(ctx *sql.Context, name string) bool {
	return strings.EqualFold(name, p.dbName)
}

func (p *provider) AllDatabases(ctx *sql.Context) []sql.Database {
	return []sql.Database{p.snapshot()}
}

func (p *provider) snapshot() *exchangeDatabase {
	return &exchangeDatabase{name: p.dbName, table: newExchangeTable(p.source.Exchanges())}
}
