package imap

import (
	"errors"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/pkg/metrics"
)

// teardownDelay leaves room for the tagged response to reach the client
// before the connection is dropped.
const teardownDelay = 250 * time.Millisecond

var errAuthFailed = &imap.Error{
	Type: imap.StatusResponseTypeNo,
	Code: imap.ResponseCodeAuthenticationFailed,
	Text: "Authentication failed",
}

func (s *IMAPSession) Login(username, password string) (err error) {
	start := time.Now()
	defer func() { s.observe("LOGIN", start, err) }()

	return s.authenticate(username, password, "LOGIN")
}

// authenticate verifies the credentials and loads the mailbox snapshot.
// Unknown users and wrong secrets produce the same response. A store
// failure fails the command and drops the connection, since there is no
// mailbox to serve.
func (s *IMAPSession) authenticate(identifier, secret, method string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user, err := s.server.gate.Verify(s.ctx, identifier, secret)
	if err != nil {
		if errors.Is(err, consts.ErrStoreUnavailable) {
			metrics.AuthenticationAttempts.WithLabelValues("imap", "error").Inc()
			return s.abortSession("authentication", err)
		}
		metrics.AuthenticationAttempts.WithLabelValues("imap", "failure").Inc()
		s.Log("authentication failed (method=%s)", method)
		return errAuthFailed
	}

	snapshot, err := s.server.cache.Load(s.ctx, s.server.store, user.ID)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("imap", "error").Inc()
		return s.abortSession("mailbox load", err)
	}

	s.loginSucceeded(user, snapshot, method)
	return nil
}

func (s *IMAPSession) loginSucceeded(user *db.User, snapshot []db.Message, method string) {
	s.User = user
	s.snapshot = snapshot

	authCount := s.server.authenticatedConnections.Add(1)
	metrics.AuthenticationAttempts.WithLabelValues("imap", "success").Inc()
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues("imap").Inc()
	s.Log("authenticated (method=%s, messages=%d, connections: authenticated=%d)", method, len(snapshot), authCount)
}

func (s *IMAPSession) abortSession(op string, err error) *imap.Error {
	s.WarnLog("%s: store failure, closing connection: %v", op, err)
	netConn := s.conn.NetConn()
	time.AfterFunc(teardownDelay, func() {
		netConn.Close()
	})
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeUnavailable,
		Text: "Mailbox temporarily unavailable",
	}
}
