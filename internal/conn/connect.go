package conn

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgio"
	"github.com/jackc/pgproto3/v2"

	"pqpipe/internal/cfg"
)

const (
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
)

// Connect establishes a session using the primary settings in config, trying
// each fallback in order until one succeeds.
func Connect(ctx context.Context, config *cfg.Config) (*Conn, error) {
	if !config.Parsed() {
		panic("config must be created by ParseConfig")
	}

	fallbacks := append([]*cfg.FallbackConfig{{
		Host:      config.Host,
		Port:      config.Port,
		TLSConfig: config.TLSConfig,
	}}, config.Fallbacks...)

	var err error
	for _, fb := range fallbacks {
		var c *Conn
		c, err = connectFallback(ctx, config, fb)
		if err == nil {
			return c, nil
		}
		var pgerr *PgError
		if errors.As(err, &pgerr) {
			// The server itself rejected us; trying another address will
			// not help.
			return nil, err
		}
	}
	return nil, err
}

func connectFallback(ctx context.Context, config *cfg.Config, fb *cfg.FallbackConfig) (*Conn, error) {
	c := &Conn{
		config:            config,
		fallback:          fb,
		parameterStatuses: make(map[string]string),
		wbuf:              make([]byte, 0, wbufLen),
		status:            statusConnecting,
	}

	network, address := cfg.NetworkAddress(fb.Host, fb.Port)
	netConn, err := config.DialFunc(network, address)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = &errTimeout{err: err}
		}
		return nil, &connectError{config: config, msg: "dial error", err: err}
	}
	c.conn = netConn

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
		defer netConn.SetDeadline(noDeadline)
	}

	if fb.TLSConfig != nil {
		if err := c.startTLS(fb.TLSConfig); err != nil {
			netConn.Close()
			return nil, &connectError{config: config, msg: "tls error", err: err}
		}
	}

	c.frontend = config.BuildFrontend(c.conn, c.conn)

	startupMsg := pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      make(map[string]string),
	}
	for k, v := range config.RuntimeParams {
		startupMsg.Parameters[k] = v
	}
	startupMsg.Parameters["user"] = config.User
	if config.Database != "" {
		startupMsg.Parameters["database"] = config.Database
	}

	if _, err := c.conn.Write(startupMsg.Encode(c.wbuf)); err != nil {
		c.conn.Close()
		return nil, &connectError{config: config, msg: "failed to write startup message", err: err}
	}

	for {
		msg, err := c.receiveMessage()
		if err != nil {
			c.conn.Close()
			if err, ok := err.(*PgError); ok {
				return nil, err
			}
			return nil, &connectError{config: config, msg: "failed to receive message", err: err}
		}

		switch msg := msg.(type) {
		case *pgproto3.BackendKeyData:
			c.pid = msg.ProcessID
			c.secretKey = msg.SecretKey

		case *pgproto3.AuthenticationOk:
		case *pgproto3.AuthenticationCleartextPassword:
			err = c.sendPassword(config.Password)
			if err != nil {
				c.conn.Close()
				return nil, &connectError{config: config, msg: "failed to write password message", err: err}
			}
		case *pgproto3.AuthenticationMD5Password:
			digestedPassword := "md5" + hexMD5(hexMD5(config.Password+config.User)+string(msg.Salt[:]))
			err = c.sendPassword(digestedPassword)
			if err != nil {
				c.conn.Close()
				return nil, &connectError{config: config, msg: "failed to write password message", err: err}
			}
		case *pgproto3.AuthenticationSASL:
			err = c.scramAuth(msg.AuthMechanisms)
			if err != nil {
				c.conn.Close()
				return nil, &connectError{config: config, msg: "failed SASL auth", err: err}
			}

		case *pgproto3.ReadyForQuery:
			c.status = statusIdle
			c.config.Log(cfg.LogLevelInfo, "connection established", map[string]interface{}{
				"host": fb.Host,
				"pid":  c.pid,
			})
			return c, nil
		case *pgproto3.ParameterStatus:
			// handled by receiveMessage
		case *pgproto3.ErrorResponse:
			c.conn.Close()
			return nil, ErrorResponseToPgError(msg)
		default:
			c.conn.Close()
			return nil, &connectError{config: config, msg: "received unexpected message", err: nil}
		}
	}
}

func (c *Conn) startTLS(tlsConfig *tls.Config) error {
	buf := pgio.AppendInt32(nil, 8)
	buf = pgio.AppendInt32(buf, sslRequestCode)
	if _, err := c.conn.Write(buf); err != nil {
		return err
	}

	response := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, response); err != nil {
		return err
	}
	if response[0] != 'S' {
		return errors.New("server refused TLS connection")
	}

	c.conn = tls.Client(c.conn, tlsConfig)
	return nil
}

func (c *Conn) sendPassword(password string) error {
	msg := &pgproto3.PasswordMessage{Password: password}
	_, err := c.conn.Write(msg.Encode(c.wbuf))
	return err
}

func hexMD5(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}
