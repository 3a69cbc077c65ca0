// Package query implements the optional read-only SQL query surface over
// a project's captured exchange history: an in-process go-mysql-server
// engine, bound to its own loopback listener and speaking the real MySQL
// wire protocol, so an operator can point any MySQL client at the proxy
// and run SELECTs against a single "exchanges" table.
package query

import (
	"context"

	sqle "github.com/dolthub/go-mysql-server"
	"github.com/dolthub/go-mysql-server/server"
	"github.com/dolthub/go-mysql-server/sql"
	"github.com/dolthub/vitess/go/mysql"
	"go.uber.org/zap"
)

// Server hosts the SQL query surface. A disabled Server's Start is a
// no-op, so callers can construct and start it unconditionally.
type Server struct {
	cfg    Config
	source Source
	logger *zap.Logger

	srv *server.Server
}

// New constructs a Server over source, which supplies the live exchange
// snapshot for every query. The database is always named "project".
func New(cfg Config, source Source, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, source: source, logger: logger}
}

// Start binds the listener and serves MySQL wire-protocol connections
// until Shutdown is called. Blocks. Returns nil immediately if the
// surface is disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	engine := sqle.NewDefault(newProvider("project", s.source))

	cfg := server.Config{
		Protocol: "tcp",
		Address:  s.cfg.Listen,
	}

	sessionBuilder := func(_ context.Context, conn *mysql.Conn, addr string) (sql.Session, error) {
		return sql.NewBaseSessionWithClientServer(addr, sql.Client{Address: conn.RemoteAddr().String(), User: conn.User}, conn.ConnectionID), nil
	}

	srv, err := server.NewServer(cfg, engine, sessionBuilder, nil)
	if err != nil {
		return err
	}
	s.srv = srv

	s.logger.Info("sql query surface started", zap.String("address", s.cfg.Listen))
	return srv.Start()
}

// Shutdown stops accepting new connections. A no-op if the surface is
// disabled or was never started.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("shutting down sql query surface")
	return s.srv.Close()
}
