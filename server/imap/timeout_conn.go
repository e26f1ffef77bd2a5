package imap

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/migadu/mailgate/logger"
)

// timeoutListener hands out connections that close after idleTimeout
// without client input.
type timeoutListener struct {
	net.Listener
	idleTimeout time.Duration
}

func (l *timeoutListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &timeoutConn{Conn: conn, idleTimeout: l.idleTimeout}, nil
}

// timeoutConn pushes the read deadline forward before every read, so the
// deadline measures idle time between client commands.
type timeoutConn struct {
	net.Conn
	idleTimeout time.Duration
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		logger.Debug("IMAP connection idle timeout", "remote", c.Conn.RemoteAddr(), "timeout", c.idleTimeout)
	}
	return n, err
}
