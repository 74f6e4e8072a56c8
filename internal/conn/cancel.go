package conn

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgio"

	"pqpipe/internal/cfg"
)

// CancelRequest sends a cancel request to the server. It is best-effort: the
// request travels over a fresh connection carrying the backend pid and secret
// key from connection startup, and the server is free to ignore it. Whether
// it beats the running statement is a race either way.
func (c *Conn) CancelRequest(ctx context.Context) error {
	network, address := cfg.NetworkAddress(c.fallback.Host, c.fallback.Port)
	cancelConn, err := c.config.DialFunc(network, address)
	if err != nil {
		return err
	}
	defer cancelConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		cancelConn.SetDeadline(deadline)
	} else {
		cancelConn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	buf := make([]byte, 0, 16)
	buf = pgio.AppendInt32(buf, 16)
	buf = pgio.AppendInt32(buf, cancelRequestCode)
	buf = pgio.AppendUint32(buf, c.pid)
	buf = pgio.AppendUint32(buf, c.secretKey)
	if _, err := cancelConn.Write(buf); err != nil {
		return err
	}

	c.config.Log(cfg.LogLevelInfo, "cancel request sent", map[string]interface{}{"pid": c.pid})

	// The server closes the connection without replying.
	_, err = cancelConn.Read(buf)
	if err != io.EOF {
		return err
	}
	return nil
}
