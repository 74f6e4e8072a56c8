package conn

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgproto3/v2"

	"pqpipe/internal/cfg"
)

const (
	statusUninitialized byte = iota
	statusConnecting
	statusClosed
	statusIdle
	statusBusy
)

// PostgreSQL format codes.
const (
	TextFormatCode   = 0
	BinaryFormatCode = 1
)

const wbufLen = 1024

var noDeadline = time.Time{}

// Conn is a synchronous wire-protocol client for a single PostgreSQL session.
// It knows nothing about queueing or result ordering beyond the protocol's
// own FIFO guarantee: submissions go out in call order and their results come
// back in the same order.
type Conn struct {
	conn              net.Conn // the underlying TCP or unix domain socket connection
	pid               uint32   // backend pid
	secretKey         uint32   // key for out-of-band cancel requests
	parameterStatuses map[string]string
	txStatus          byte
	frontend          *pgproto3.Frontend

	config   *cfg.Config
	fallback *cfg.FallbackConfig // the fallback that actually connected; cancel requests redial it

	status byte

	peekedMsg pgproto3.BackendMessage

	// Number of submissions whose ReadyForQuery has not been consumed yet.
	pendingSyncs int

	wbuf []byte
}

// Status reporting helpers.

// IsClosed reports whether the connection is no longer usable.
func (c *Conn) IsClosed() bool { return c.status == statusClosed }

// Busy reports whether at least one submission is awaiting results.
func (c *Conn) Busy() bool { return c.pendingSyncs > 0 }

// PendingSubmissions returns the number of submissions whose result streams
// have not been fully consumed.
func (c *Conn) PendingSubmissions() int { return c.pendingSyncs }

// TxStatus returns the last transaction status reported by the backend:
// 'I' idle, 'T' in transaction, 'E' in failed transaction.
func (c *Conn) TxStatus() byte { return c.txStatus }

// PID returns the backend process ID.
func (c *Conn) PID() uint32 { return c.pid }

// ParameterStatus returns the last reported value of a run-time parameter.
func (c *Conn) ParameterStatus(name string) string { return c.parameterStatuses[name] }

// Close sends a Terminate message and closes the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	if c.status == statusClosed {
		return nil
	}
	c.status = statusClosed

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
	c.conn.Write((&pgproto3.Terminate{}).Encode(nil))
	return c.conn.Close()
}

// hardClose tears down the connection without protocol niceties. Used when
// the link is already broken.
func (c *Conn) hardClose() {
	if c.status != statusClosed {
		c.status = statusClosed
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// peekMessage returns the next backend message without consuming it.
func (c *Conn) peekMessage() (pgproto3.BackendMessage, error) {
	if c.peekedMsg != nil {
		return c.peekedMsg, nil
	}

	msg, err := c.frontend.Receive()
	if err != nil {
		// Close on anything other than a timeout; everything else is fatal.
		var netErr net.Error
		if !(errors.As(err, &netErr) && netErr.Timeout()) {
			c.hardClose()
		}
		return nil, err
	}

	c.peekedMsg = msg
	return msg, nil
}

// receiveMessage consumes the next backend message, applying connection-wide
// side effects (transaction status, parameter changes, notices, fatal
// errors).
func (c *Conn) receiveMessage() (pgproto3.BackendMessage, error) {
	msg, err := c.peekMessage()
	if err != nil {
		return nil, err
	}
	c.peekedMsg = nil

	switch msg := msg.(type) {
	case *pgproto3.ReadyForQuery:
		c.txStatus = msg.TxStatus
	case *pgproto3.ParameterStatus:
		c.parameterStatuses[msg.Name] = msg.Value
	case *pgproto3.ErrorResponse:
		if msg.Severity == "FATAL" {
			c.hardClose()
			return nil, ErrorResponseToPgError(msg)
		}
	case *pgproto3.NoticeResponse:
		c.config.Log(cfg.LogLevelInfo, "notice", map[string]interface{}{
			"severity": msg.Severity,
			"message":  msg.Message,
		})
	case *pgproto3.NotificationResponse:
		c.config.Log(cfg.LogLevelDebug, "notification", map[string]interface{}{
			"channel": msg.Channel,
		})
	}

	return msg, nil
}

// receiveMessageCtx is receiveMessage bounded by the context deadline. A
// context without a deadline blocks until the backend produces a message.
func (c *Conn) receiveMessageCtx(ctx context.Context) (pgproto3.BackendMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errTimeout{err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	msg, err := c.receiveMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// The chunk reader keeps any partially read message, so the
			// stream stays consistent and a later receive picks up where
			// this one stopped.
			return nil, &errTimeout{err: err}
		}
		return nil, err
	}
	return msg, nil
}

// Conn returns the underlying net.Conn.
func (c *Conn) Conn() net.Conn {
	return c.conn
}
