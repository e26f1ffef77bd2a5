package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/migadu/mailgate/pkg/metrics"
)

// AuthenticateMechanisms returns a list of supported SASL mechanisms
func (s *IMAPSession) AuthenticateMechanisms() []string {
	return []string{"PLAIN"}
}

// Authenticate handles SASL authentication for the IMAPSession
func (s *IMAPSession) Authenticate(mechanism string) (sasl.Server, error) {
	s.DebugLog("authentication attempt (mechanism=%s)", mechanism)

	switch mechanism {
	case "PLAIN":
		return sasl.NewPlainServer(func(identity, username, password string) (err error) {
			start := time.Now()
			defer func() { s.observe("AUTHENTICATE", start, err) }()

			// Acting as another user is not supported.
			if identity != "" && identity != username {
				metrics.AuthenticationAttempts.WithLabelValues("imap", "failure").Inc()
				s.Log("SASL PLAIN authorization identity differs from authentication identity")
				return errAuthFailed
			}
			return s.authenticate(username, password, "AUTHENTICATE PLAIN")
		}), nil
	default:
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Unsupported authentication mechanism",
		}
	}
}
