package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/migadu/mailgate/server"
)

// recipient is an accepted RCPT TO, resolved to its mailbox owner.
type recipient struct {
	address server.Address
	user    *db.User
}

type SMTPSession struct {
	server.Session
	backend    *SMTPServerBackend
	conn       *smtp.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time
	mutex      sync.Mutex
	sender     *server.Address
	recipients []recipient
}

var (
	errBadSequence = &smtp.SMTPError{
		Code:         503,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
	}
	errNoSuchUser = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
	errRelayDenied = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relaying denied",
	}
	errStoreUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Mailbox temporarily unavailable, try again later",
	}
)

// observe records the outcome of a command in the command metrics.
func observe(command string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues("smtp", command, status).Inc()
	metrics.CommandDuration.WithLabelValues("smtp", command).Observe(time.Since(start).Seconds())
}

// Mail accepts any syntactically valid sender; this agent never relays, so
// the sender needs no authorization. The null reverse-path is allowed.
func (s *SMTPSession) Mail(from string, opts *smtp.MailOptions) (err error) {
	start := time.Now()
	defer func() { observe("MAIL", start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if from == "" {
		s.sender = &server.Address{}
		s.DebugLog("mail from=<> accepted")
		return nil
	}

	fromAddress, err := server.NewAddress(from)
	if err != nil {
		s.Log("invalid from address: %v", err)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}
	s.sender = &fromAddress
	s.DebugLog("mail from=%s accepted", fromAddress.FullAddress())
	return nil
}

// Rcpt accepts a recipient only when its domain is the delivery domain and
// its local part names an existing user. Rejected recipients never reach
// DATA.
func (s *SMTPSession) Rcpt(to string, opts *smtp.RcptOptions) (err error) {
	start := time.Now()
	defer func() { observe("RCPT", start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.sender == nil {
		return errBadSequence
	}
	if limit := s.backend.maxRecipients; limit > 0 && len(s.recipients) >= limit {
		metrics.RecipientsRejectedTotal.WithLabelValues("limit").Inc()
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	toAddress, err := server.NewAddress(to)
	if err != nil {
		s.Log("invalid to address: %v", err)
		metrics.RecipientsRejectedTotal.WithLabelValues("syntax").Inc()
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient",
		}
	}

	if toAddress.Domain() != s.backend.domain {
		s.Log("recipient %s rejected: domain is not %s", toAddress.FullAddress(), s.backend.domain)
		metrics.RecipientsRejectedTotal.WithLabelValues("domain").Inc()
		return errRelayDenied
	}

	user, err := s.lookupRecipient(toAddress)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			s.Log("recipient %s rejected: no such user", toAddress.FullAddress())
			metrics.RecipientsRejectedTotal.WithLabelValues("unknown_user").Inc()
			return errNoSuchUser
		}
		s.WarnLog("recipient lookup for %s failed: %v", toAddress.FullAddress(), err)
		metrics.RecipientsRejectedTotal.WithLabelValues("store_error").Inc()
		return errStoreUnavailable
	}

	for _, r := range s.recipients {
		if r.user.ID == user.ID {
			s.DebugLog("duplicate recipient %s for user %d", toAddress.FullAddress(), user.ID)
			return nil
		}
	}
	s.recipients = append(s.recipients, recipient{address: toAddress, user: user})

	s.Log("recipient accepted: %s (UserID: %d)", toAddress.FullAddress(), user.ID)
	return nil
}

// lookupRecipient resolves the local part, without any +detail, to a user.
// The full address is tried as well, for stores keyed by email.
func (s *SMTPSession) lookupRecipient(addr server.Address) (*db.User, error) {
	user, err := s.backend.store.FindUserByIdentifier(s.ctx, addr.BaseLocalPart())
	if err == nil || !errors.Is(err, consts.ErrUserNotFound) {
		return user, err
	}
	return s.backend.store.FindUserByIdentifier(s.ctx, addr.BaseAddress())
}

// Data parses the message once and creates one record per accepted
// recipient. A store failure for one recipient does not stop delivery to
// the others; the command fails only when nobody received the message.
func (s *SMTPSession) Data(r io.Reader) (err error) {
	start := time.Now()
	defer func() { observe("DATA", start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.sender == nil || len(s.recipients) == 0 {
		s.Log("DATA command received without valid sender or recipient")
		return errBadSequence
	}

	var buf bytes.Buffer
	var reader io.Reader = r
	if s.backend.maxMessageSize > 0 {
		// Add 1 byte to detect when limit is exceeded
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return s.internalError("failed to read message: %v", err)
	}
	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		s.Log("message size exceeds limit of %d bytes", s.backend.maxMessageSize)
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
		}
	}

	raw := buf.Bytes()
	metrics.MessageSizeBytes.Observe(float64(len(raw)))

	parsed, err := server.ParseInbound(raw)
	if err != nil {
		s.Log("failed to parse message: %v", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	contentHash := s.archive(raw)
	receivedAt := time.Now()

	delivered := 0
	for _, rcpt := range s.recipients {
		msg, err := s.backend.store.CreateMessage(s.ctx, db.NewMessage{
			UserID:      rcpt.user.ID,
			FromAddress: parsed.From,
			ToAddress:   rcpt.address.FullAddress(),
			Subject:     parsed.Subject,
			Body:        parsed.Body,
			MessageID:   parsed.MessageID,
			ContentHash: contentHash,
			Folder:      db.FolderInbox,
			ReceivedAt:  receivedAt,
		})
		if err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failure").Inc()
			s.WarnLog("failed to store message for %s: %v", rcpt.address.FullAddress(), err)
			continue
		}
		s.backend.cache.Invalidate(rcpt.user.ID)
		metrics.DeliveriesTotal.WithLabelValues("success").Inc()
		delivered++
		s.Log("message %d delivered to %s (%d bytes)", msg.ID, rcpt.address.FullAddress(), len(raw))
	}

	if delivered == 0 {
		return errStoreUnavailable
	}
	return nil
}

// archive uploads the raw message when an archiver is configured and
// returns its content hash. Archive failures do not block delivery.
func (s *SMTPSession) archive(raw []byte) string {
	if s.backend.archiver == nil {
		return ""
	}
	hash, err := s.backend.archiver.Archive(s.ctx, s.backend.domain, raw)
	if err != nil {
		s.WarnLog("failed to archive message: %v", err)
		return ""
	}
	return hash
}

func (s *SMTPSession) Reset() {
	start := time.Now()
	defer func() { observe("RSET", start, nil) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sender = nil
	s.recipients = nil
	s.DebugLog("session reset")
}

func (s *SMTPSession) Logout() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	metrics.ConnectionDuration.WithLabelValues("smtp").Observe(time.Since(s.startTime).Seconds())
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Dec()
	activeCount := s.backend.activeConnections.Add(-1)

	if s.cancel != nil {
		s.cancel()
	}

	s.DebugLog("session closed (connections: active=%d)", activeCount)
	return nil
}

func (s *SMTPSession) internalError(format string, a ...interface{}) error {
	s.WarnLog(format, a...)
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 2},
		Message:      fmt.Sprintf(format, a...),
	}
}
