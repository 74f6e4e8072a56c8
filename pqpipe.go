// Package pqpipe is a PostgreSQL client library built around a pipelined
// query dispatcher: multiple SQL statements can be submitted over a single
// connection without waiting for each statement's result, and results can be
// retrieved later in any order while the wire stays strictly FIFO.
package pqpipe

import (
	"context"

	"github.com/jackc/pgtype"

	"pqpipe/internal/cfg"
	"pqpipe/internal/conn"
)

// Config, Logger and LogLevel are re-exported so callers can configure
// connections without reaching into internal packages.
type (
	Config   = cfg.Config
	Logger   = cfg.Logger
	LogLevel = cfg.LogLevel
)

// Log levels, highest verbosity first.
const (
	LogLevelTrace = cfg.LogLevelTrace
	LogLevelDebug = cfg.LogLevelDebug
	LogLevelInfo  = cfg.LogLevelInfo
	LogLevelWarn  = cfg.LogLevelWarn
	LogLevelError = cfg.LogLevelError
	LogLevelNone  = cfg.LogLevelNone
)

// CommandTag is the status tag the backend reports for a completed command.
type CommandTag = conn.CommandTag

// Option adjusts connection settings before dialing.
type Option func(*Config)

// WithLogger directs connection and pipeline events to logger at the given
// level. The default is no logging.
func WithLogger(logger Logger, level LogLevel) Option {
	return func(c *Config) {
		c.Logger = logger
		c.LogLevel = level
	}
}

// Conn is a single PostgreSQL session. It is not safe for concurrent use; all
// blocking happens synchronously inside the call that needs the backend.
type Conn struct {
	cc       *conn.Conn
	config   *cfg.Config
	connInfo *pgtype.ConnInfo
}

// Connect establishes a session from a connection string, either a URL
// (postgres://...) or a keyword/value DSN (host=... user=...), layered over
// libpq-compatible environment variables, pgpass and service files.
func Connect(ctx context.Context, connString string, opts ...Option) (*Conn, error) {
	config := &cfg.Config{}
	if err := config.ParseConfig(connString); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(config)
	}
	return ConnectConfig(ctx, config)
}

// ConnectConfig establishes a session from an already-parsed Config.
func ConnectConfig(ctx context.Context, config *Config) (*Conn, error) {
	cc, err := conn.Connect(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Conn{cc: cc, config: config, connInfo: NewConnInfo()}, nil
}

// Close terminates the session.
func (c *Conn) Close(ctx context.Context) error {
	return c.cc.Close(ctx)
}

// IsClosed reports whether the connection is no longer usable.
func (c *Conn) IsClosed() bool { return c.cc.IsClosed() }

// PID returns the backend process ID.
func (c *Conn) PID() uint32 { return c.cc.PID() }

// ParameterStatus returns the last reported value of a run-time parameter
// such as server_version or client_encoding.
func (c *Conn) ParameterStatus(name string) string { return c.cc.ParameterStatus(name) }

// Exec submits sql outside any explicit transaction and waits for its result.
// sql may contain several semicolon-separated statements; they run in one
// implicit transaction and the last statement's result is returned.
//
// Do not call Exec while a Tx obtained from Begin or Autocommit is in use;
// statement arbitration happens on the Tx, not here.
func (c *Conn) Exec(ctx context.Context, sql string) (*Result, error) {
	res, err := c.cc.Exec(ctx, sql)
	if err != nil {
		return nil, err
	}
	return newResult(res, c.connInfo), nil
}

// Begin starts an explicit transaction.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	if _, err := c.cc.Exec(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	return &Tx{conn: c}, nil
}

// Autocommit returns a transaction handle that issues no transaction control
// at all: every statement runs in its own implicit transaction on the
// backend. Commit and Rollback only close the handle. It arbitrates focus
// exactly like an explicit transaction, so pipelines, cursors and copy
// streams work on it unchanged.
func (c *Conn) Autocommit() *Tx {
	return &Tx{conn: c, autocommit: true}
}
