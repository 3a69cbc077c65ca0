// Package chsink implements an optional ClickHouse sink for the Rewrite
// Rule Engine's malformed-rule and invalid-pattern warnings
// (rewrite.WarningSink). It never receives exchange traffic, only
// rule-engine diagnostics, and is a no-op when disabled or unconfigured.
//
// Warnings are buffered and flushed in batches on a ticker. A full
// buffer drops the warning rather than blocking: a warning lost under
// load is an acceptable trade against stalling the rewrite engine's
// hot path.
package chsink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// warning is one buffered rule-engine warning awaiting insertion.
type warning struct {
	ruleID string
	kind   string
	detail string
	at     time.Time
}

// batchInserter is the narrow slice of clickhouse-go's driver.Batch this
// sink drives: append rows, then send them as one insert.
type batchInserter interface {
	Append(args ...interface{}) error
	Send() error
}

// connection is the narrow slice of clickhouse-go's driver.Conn this
// sink drives, kept separate from the real driver types so tests can
// fake it without depending on clickhouse-go's full interface surface.
type connection interface {
	PrepareBatch(ctx context.Context, query string) (batchInserter, error)
	Close() error
}

// chConn adapts a real clickhouse-go connection to connection.
type chConn struct {
	conn driver.Conn
}

func (c chConn) PrepareBatch(ctx context.Context, query string) (batchInserter, error) {
	return c.conn.PrepareBatch(ctx, query)
}

func (c chConn) Close() error { return c.conn.Close() }

// Sink batches rewrite.WarningSink calls into periodic ClickHouse
// inserts. The zero value is not usable; construct with New.
type Sink struct {
	cfg    Config
	logger *zap.Logger

	conn connection

	queue chan warning
	stop  chan struct{}
	done  chan struct{}

	shedOnce sync.Once
	shed     int
}

// New constructs a Sink. If cfg.Enabled is false, the returned Sink's
// RecordWarning is a no-op and Start/Stop do nothing — callers can wire
// it unconditionally.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	s := &Sink{cfg: cfg.withDefaults(), logger: logger}
	if !cfg.Enabled {
		return s, nil
	}

	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("chsink: invalid dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chsink: failed to open connection: %w", err)
	}
	return newWithConnection(cfg, logger, chConn{conn: conn}), nil
}

func newWithConnection(cfg Config, logger *zap.Logger, conn connection) *Sink {
	return &Sink{
		cfg:    cfg.withDefaults(),
		logger: logger,
		conn:   conn,
		queue:  make(chan warning, cfg.withDefaults().QueueDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RecordWarning implements rewrite.WarningSink. Never blocks: if the
// internal queue is full, the warning is dropped and counted.
func (s *Sink) RecordWarning(ruleID, kind, detail string) {
	if s.queue == nil {
		return
	}
	w := warning{ruleID: ruleID, kind: kind, detail: detail, at: time.Now()}
	select {
	case s.queue <- w:
	default:
		s.shedOnce.Do(func() {
			s.logger.Warn("chsink: warning queue full, dropping warnings", zap.String("table", s.cfg.Table))
		})
		s.shed++
	}
}

// Start runs the batch-flush loop until Stop is called. A disabled Sink
// returns immediately.
func (s *Sink) Start() {
	if s.queue == nil {
		return
	}
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]warning, 0, s.cfg.BatchSize)
	for {
		select {
		case <-s.stop:
			s.flush(batch)
			return
		case w := <-s.queue:
			batch = append(batch, w)
			if len(batch) >= s.cfg.BatchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		}
	}
}

// Stop signals the flush loop to drain its buffer and exit, then waits
// for it to finish. A disabled Sink returns immediately; an enabled Sink
// whose Start never ran has no flush loop, so Stop waits until ctx is
// done and returns ctx.Err().
func (s *Sink) Stop(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.conn.Close()
}

// flush inserts batch into ClickHouse and returns a fresh, empty slice
// with the same backing capacity. Insert failures are logged and the
// batch is dropped rather than retried, matching this sink's
// best-effort, diagnostics-only contract.
func (s *Sink) flush(batch []warning) []warning {
	if len(batch) == 0 {
		return batch
	}

	ctx := context.Background()
	chBatch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (rule_id, kind, detail, observed_at)", s.cfg.Table))
	if err != nil {
		s.logger.Error("chsink: failed to prepare batch", zap.Error(err))
		return batch[:0]
	}

	for _, w := range batch {
		if err := chBatch.Append(w.ruleID, w.kind, w.detail, w.at); err != nil {
			s.logger.Error("chsink: failed to append row", zap.Error(err))
		}
	}

	if err := chBatch.Send(); err != nil {
		s.logger.Error("chsink: failed to send batch", zap.Int("rows", len(batch)), zap.Error(err))
	}

	return batch[:0]
}
