// Package pgmock is an in-process scripted PostgreSQL server used by tests.
// It speaks just enough of the wire protocol to exercise the client: startup
// with optional cleartext password auth, the simple query sub-protocol with
// implicit and explicit transactions, COPY in both directions, and
// out-of-band cancel requests.
package pgmock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgproto3/v2"
)

const cancelRequestCode = 80877102

// Handler produces the backend messages for one statement. Returning a
// single *pgproto3.ErrorResponse marks the statement as failed. Returning a
// leading *pgproto3.CopyInResponse switches the server into copy-in mode for
// that statement.
type Handler func(stmt string) []pgproto3.BackendMessage

// Server is a single-session mock backend listening on a local port.
type Server struct {
	ln       net.Listener
	handler  Handler
	password string

	mu          sync.Mutex
	cancelled   bool
	err         error
	sessionConn net.Conn

	done chan struct{}

	// session state
	inTx     bool
	txFailed bool
}

// Column describes one result column.
type Column struct {
	Name string
	OID  uint32
}

// New starts a mock server. handler may be nil, in which case a built-in
// handler serves BEGIN/COMMIT/ROLLBACK, "select <int>", and answers anything
// else with a syntax error.
func New(handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, handler: handler, done: make(chan struct{})}
	if s.handler == nil {
		s.handler = DefaultHandler
	}
	go s.acceptLoop()
	return s, nil
}

// RequirePassword makes the server demand cleartext password auth.
func (s *Server) RequirePassword(password string) { s.password = password }

// ConnString returns a connection string pointing at the mock.
func (s *Server) ConnString() string {
	addr := s.ln.Addr().(*net.TCPAddr)
	return fmt.Sprintf("host=127.0.0.1 port=%d user=mock database=mock sslmode=disable", addr.Port)
}

// Cancelled reports whether a cancel request was received.
func (s *Server) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Err returns the first protocol error the server encountered, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close shuts the server down, tearing the session connection out from under
// the client if it is still open.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	if s.sessionConn != nil {
		s.sessionConn.Close()
	}
	s.mu.Unlock()
	<-s.done
	return err
}

func (s *Server) setErr(err error) {
	if err == nil || err == io.EOF || errors.Is(err, net.ErrClosed) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// acceptLoop serves the first connection as the session; later connections
// are treated as out-of-band cancel requests.
func (s *Server) acceptLoop() {
	defer close(s.done)

	first, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sessionConn = first
	s.mu.Unlock()
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		s.setErr(s.serveSession(first))
		first.Close()
	}()

	for {
		c, err := s.ln.Accept()
		if err != nil {
			break
		}
		s.serveCancel(c)
		c.Close()
	}
	<-sessionDone
}

func (s *Server) serveCancel(c net.Conn) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(c, buf); err != nil {
		return
	}
	if binary.BigEndian.Uint32(buf[4:8]) == cancelRequestCode {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
	}
}

func (s *Server) serveSession(c net.Conn) error {
	backend := pgproto3.NewBackend(chunkreader.New(c), c)

	if err := s.startup(c, backend); err != nil {
		return err
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *pgproto3.Query:
			if err := s.runQuery(c, backend, msg.String); err != nil {
				return err
			}
		case *pgproto3.Terminate:
			return nil
		default:
			return fmt.Errorf("pgmock: unexpected message %T", msg)
		}
	}
}

func (s *Server) startup(c net.Conn, backend *pgproto3.Backend) error {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return err
		}
		switch msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := c.Write([]byte{'N'}); err != nil {
				return err
			}
		case *pgproto3.StartupMessage:
			if s.password != "" {
				if err := s.write(c, &pgproto3.AuthenticationCleartextPassword{}); err != nil {
					return err
				}
				pw, err := backend.Receive()
				if err != nil {
					return err
				}
				pwMsg, ok := pw.(*pgproto3.PasswordMessage)
				if !ok || pwMsg.Password != s.password {
					s.write(c, Error("28P01", "password authentication failed"))
					return fmt.Errorf("pgmock: bad password")
				}
			}
			if err := s.writeAll(c,
				&pgproto3.AuthenticationOk{},
				&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0 (pgmock)"},
				&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
				&pgproto3.BackendKeyData{ProcessID: 42, SecretKey: 4242},
				&pgproto3.ReadyForQuery{TxStatus: 'I'},
			); err != nil {
				return err
			}
			return nil
		default:
			return fmt.Errorf("pgmock: unexpected startup message %T", msg)
		}
	}
}

// runQuery executes one Query message: every semicolon-separated statement in
// order, stopping at the first failure, then ReadyForQuery. Transaction
// status follows BEGIN/COMMIT/ROLLBACK, and statements in a failed explicit
// transaction are refused the way a real backend refuses them.
func (s *Server) runQuery(c net.Conn, backend *pgproto3.Backend, sql string) error {
	stmts := SplitStatements(sql)
	if len(stmts) == 0 {
		if err := s.write(c, &pgproto3.EmptyQueryResponse{}); err != nil {
			return err
		}
		return s.readyForQuery(c)
	}

	for _, stmt := range stmts {
		if s.inTx && s.txFailed && !isTxControl(stmt) {
			if err := s.write(c, Error("25P02", "current transaction is aborted, commands ignored until end of transaction block")); err != nil {
				return err
			}
			break
		}

		s.trackTx(stmt)
		msgs := s.handler(stmt)
		failed := false
		copyIn := false
		for i, m := range msgs {
			if i == 0 {
				if _, ok := m.(*pgproto3.CopyInResponse); ok {
					copyIn = true
				}
			}
			if _, ok := m.(*pgproto3.ErrorResponse); ok {
				failed = true
			}
			if err := s.write(c, m); err != nil {
				return err
			}
		}
		if copyIn {
			if err := s.consumeCopyIn(c, backend); err != nil {
				return err
			}
		}
		if failed {
			if s.inTx {
				s.txFailed = true
			}
			break
		}
	}
	return s.readyForQuery(c)
}

// consumeCopyIn reads CopyData until the client finishes the copy, then
// reports the number of newline-terminated rows received.
func (s *Server) consumeCopyIn(c net.Conn, backend *pgproto3.Backend) error {
	var data bytes.Buffer
	for {
		msg, err := backend.Receive()
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			data.Write(msg.Data)
		case *pgproto3.CopyDone:
			rows := strings.Count(data.String(), "\n")
			return s.write(c, &pgproto3.CommandComplete{CommandTag: []byte("COPY " + strconv.Itoa(rows))})
		case *pgproto3.CopyFail:
			if s.inTx {
				s.txFailed = true
			}
			return s.write(c, Error("57014", "COPY from stdin failed: "+msg.Message))
		default:
			return fmt.Errorf("pgmock: unexpected message %T during copy", msg)
		}
	}
}

func (s *Server) trackTx(stmt string) {
	switch strings.ToUpper(firstWord(stmt)) {
	case "BEGIN", "START":
		s.inTx = true
		s.txFailed = false
	case "COMMIT", "ROLLBACK", "END", "ABORT":
		s.inTx = false
		s.txFailed = false
	}
}

func isTxControl(stmt string) bool {
	switch strings.ToUpper(firstWord(stmt)) {
	case "COMMIT", "ROLLBACK", "END", "ABORT":
		return true
	}
	return false
}

func firstWord(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (s *Server) readyForQuery(c net.Conn) error {
	status := byte('I')
	if s.inTx {
		status = 'T'
		if s.txFailed {
			status = 'E'
		}
	}
	return s.write(c, &pgproto3.ReadyForQuery{TxStatus: status})
}

func (s *Server) write(c net.Conn, msg pgproto3.BackendMessage) error {
	_, err := c.Write(msg.Encode(nil))
	return err
}

func (s *Server) writeAll(c net.Conn, msgs ...pgproto3.BackendMessage) error {
	var buf []byte
	for _, m := range msgs {
		buf = m.Encode(buf)
	}
	_, err := c.Write(buf)
	return err
}

// DefaultHandler serves transaction control statements and "select <int>",
// and answers anything else with a syntax error.
func DefaultHandler(stmt string) []pgproto3.BackendMessage {
	upper := strings.ToUpper(firstWord(stmt))
	switch upper {
	case "BEGIN", "START":
		return []pgproto3.BackendMessage{&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")}}
	case "COMMIT", "END":
		return []pgproto3.BackendMessage{&pgproto3.CommandComplete{CommandTag: []byte("COMMIT")}}
	case "ROLLBACK", "ABORT":
		return []pgproto3.BackendMessage{&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")}}
	}

	if rest, ok := hasPrefixFold(stmt, "select "); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
			return IntResult(n)
		}
	}
	return []pgproto3.BackendMessage{Error("42601", "syntax error at or near "+strconv.Quote(firstWord(stmt)))}
}

func hasPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// IntResult builds a one-column, one-row int4 result, the shape of
// "select <n>".
func IntResult(n int) []pgproto3.BackendMessage {
	return ResultSet(
		[]Column{{Name: "?column?", OID: 23}},
		"SELECT 1",
		[]string{strconv.Itoa(n)},
	)
}

// ResultSet builds the message sequence of one tabular result in text
// format: RowDescription, one DataRow per row, CommandComplete.
func ResultSet(cols []Column, tag string, rows ...[]string) []pgproto3.BackendMessage {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, col := range cols {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name),
			DataTypeOID:  col.OID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}

	msgs := []pgproto3.BackendMessage{&pgproto3.RowDescription{Fields: fields}}
	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		msgs = append(msgs, &pgproto3.DataRow{Values: values})
	}
	return append(msgs, &pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// Error builds an ERROR-severity ErrorResponse.
func Error(code, message string) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message}
}

// SplitStatements splits the text of one simple-protocol query into its
// semicolon-separated statements, respecting single-quoted strings. Empty
// statements are dropped, like the real backend drops them.
func SplitStatements(sql string) []string {
	var stmts []string
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == ';' && !inQuote:
			if stmt := strings.TrimSpace(b.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			b.Reset()
		default:
			b.WriteByte(ch)
		}
	}
	if stmt := strings.TrimSpace(b.String()); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}
