package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/helpers"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/migadu/mailgate/server"
)

// maxLineLength bounds a single command line. RFC 2449 allows 255 octets;
// AUTH initial responses need more.
const maxLineLength = 8192

var errLineTooLong = errors.New("line too long")

type POP3Session struct {
	server.Session
	server *POP3Server

	connMu sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	isTLS  bool

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	phase         phase
	userCandidate string
	mailbox       *maildrop

	// lastStatus is "ok" or "err" for the response most recently written;
	// it labels the command metrics.
	lastStatus string
}

func (s *POP3Session) currentConn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.Close()

	s.writeLine("+OK POP3 server ready")
	s.flush()

	s.Log("connected")

	for {
		if s.server.commandTimeout > 0 {
			s.currentConn().SetReadDeadline(time.Now().Add(s.server.commandTimeout))
		}

		line, err := s.readLine()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.writeLine("-ERR Connection timed out due to inactivity")
				s.flush()
				s.Log("timed out")
			case errors.Is(err, errLineTooLong):
				s.writeLine("-ERR Line too long")
				s.flush()
				s.Log("line too long, closing")
			case err == io.EOF:
				s.Log("client dropped connection")
			case server.IsConnectionError(err):
				s.DebugLog("connection closed: %v", err)
			default:
				s.Log("error: %v", err)
			}
			return
		}

		if s.ctx.Err() != nil {
			s.Log("context cancelled, closing session")
			return
		}

		if s.dispatch(line) {
			s.flush()
			return
		}
		s.flush()
	}
}

func (s *POP3Session) readLine() (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if b.Len() > maxLineLength {
			return "", errLineTooLong
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}

// dispatch runs one command line and reports whether the session ends.
func (s *POP3Session) dispatch(line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		s.writeLine("-ERR Empty command")
		return false
	}

	fields := strings.Fields(line)
	cmd := parseCommand(fields[0])
	args := fields[1:]

	if s.server.debug {
		s.DebugLog("C: %s", helpers.MaskSensitive(line, fields[0], "PASS", "AUTH"))
	}

	if cmd == cmdUnknown {
		s.writeLine("-ERR Unknown command: %s", strings.ToUpper(fields[0]))
		metrics.CommandsTotal.WithLabelValues("pop3", "UNKNOWN", "err").Inc()
		return false
	}

	spec := commandTable[cmd]
	if !spec.allowedIn(s.phase) {
		if s.phase == phaseAuthorization {
			s.writeLine("-ERR Not authenticated")
		} else {
			s.writeLine("-ERR Command not valid in %s state", s.phase)
		}
		metrics.CommandsTotal.WithLabelValues("pop3", cmd.String(), "err").Inc()
		return false
	}

	start := time.Now()
	s.lastStatus = "err"
	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("panic in %s handler: %v", cmd, r)
			s.writeLine("-ERR Internal server error")
			quit = false
		}
		metrics.CommandsTotal.WithLabelValues("pop3", cmd.String(), s.lastStatus).Inc()
		metrics.CommandDuration.WithLabelValues("pop3", cmd.String()).Observe(time.Since(start).Seconds())
	}()

	return spec.handler(s, args)
}

func (s *POP3Session) writeLine(format string, args ...any) {
	line := format
	if len(args) > 0 {
		line = fmt.Sprintf(format, args...)
	}
	if strings.HasPrefix(line, "+OK") {
		s.lastStatus = "ok"
	} else if strings.HasPrefix(line, "-ERR") {
		s.lastStatus = "err"
	}
	s.writer.WriteString(line)
	s.writer.WriteString("\r\n")
}

// writeMultiline writes a +OK status line, the lines, and the terminating
// dot. Lines are dot-stuffed.
func (s *POP3Session) writeMultiline(status string, lines []string) {
	s.writeLine(status)
	for _, l := range lines {
		if strings.HasPrefix(l, ".") {
			s.writer.WriteString(".")
		}
		s.writer.WriteString(l)
		s.writer.WriteString("\r\n")
	}
	s.writer.WriteString(".\r\n")
}

// writeContent writes a +OK status line followed by content, which must
// use CRLF line endings, dot-stuffed and terminated.
func (s *POP3Session) writeContent(status, content string) {
	s.writeLine(status)
	s.writer.WriteString(dotStuffPOP3(content))
	if content != "" && !strings.HasSuffix(content, "\r\n") {
		s.writer.WriteString("\r\n")
	}
	s.writer.WriteString(".\r\n")
}

func (s *POP3Session) flush() {
	if err := s.writer.Flush(); err != nil && !server.IsConnectionError(err) {
		s.DebugLog("flush failed: %v", err)
	}
}

func (s *POP3Session) handleUSER(args []string) bool {
	if len(args) != 1 {
		s.writeLine("-ERR Syntax: USER <name>")
		return false
	}
	s.userCandidate = args[0]
	s.writeLine("+OK User accepted")
	return false
}

func (s *POP3Session) handlePASS(args []string) bool {
	if s.userCandidate == "" {
		s.writeLine("-ERR USER required first")
		return false
	}
	if len(args) == 0 {
		s.writeLine("-ERR Syntax: PASS <password>")
		return false
	}
	identifier := s.userCandidate
	s.userCandidate = ""
	// Passwords may contain spaces.
	return s.authenticate(identifier, strings.Join(args, " "), "pass")
}

// handleAUTH implements RFC 5034 with the PLAIN mechanism only.
func (s *POP3Session) handleAUTH(args []string) bool {
	if len(args) == 0 {
		s.writeMultiline("+OK Supported mechanisms", []string{"PLAIN"})
		return false
	}
	if !strings.EqualFold(args[0], "PLAIN") {
		s.writeLine("-ERR Unsupported authentication mechanism")
		return false
	}

	var (
		user    *db.User
		authErr error
	)
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			authErr = consts.ErrAuthenticationFailed
			return authErr
		}
		user, authErr = s.server.gate.Verify(s.ctx, username, password)
		return authErr
	})

	var response []byte
	if len(args) > 1 {
		decoded, err := decodeSASLResponse(args[1])
		if err != nil {
			s.writeLine("-ERR Invalid base64 encoding")
			return false
		}
		response = decoded
	} else {
		s.writer.WriteString("+ \r\n")
		s.flush()
		line, err := s.readLine()
		if err != nil {
			return true
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			s.writeLine("-ERR Authentication cancelled")
			return false
		}
		decoded, err := decodeSASLResponse(line)
		if err != nil {
			s.writeLine("-ERR Invalid base64 encoding")
			return false
		}
		response = decoded
	}

	if _, _, err := srv.Next(response); err != nil && authErr == nil {
		authErr = consts.ErrAuthenticationFailed
	}
	return s.completeLogin(user, authErr, "plain")
}

func decodeSASLResponse(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (s *POP3Session) authenticate(identifier, secret, method string) bool {
	user, err := s.server.gate.Verify(s.ctx, identifier, secret)
	return s.completeLogin(user, err, method)
}

// completeLogin finishes USER/PASS and AUTH. A store failure at this point
// ends the session, since there is no mailbox to serve.
func (s *POP3Session) completeLogin(user *db.User, err error, method string) bool {
	if err != nil {
		if errors.Is(err, consts.ErrStoreUnavailable) {
			metrics.AuthenticationAttempts.WithLabelValues("pop3", "error").Inc()
			s.WarnLog("authentication store failure: %v", err)
			s.writeLine("-ERR [SYS/TEMP] Mailbox temporarily unavailable")
			return true
		}
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
		s.Log("authentication failed (method=%s)", method)
		s.writeLine("-ERR [AUTH] Authentication failed")
		return false
	}

	snapshot, err := s.server.cache.Load(s.ctx, s.server.store, user.ID)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "error").Inc()
		s.WarnLog("failed to load mailbox for user %d: %v", user.ID, err)
		s.writeLine("-ERR [SYS/TEMP] Mailbox temporarily unavailable")
		return true
	}

	s.User = user
	s.mailbox = newMaildrop(snapshot)
	s.phase = phaseTransaction

	authCount := s.server.authenticatedConnections.Add(1)
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Inc()
	s.Log("authenticated (method=%s, messages=%d, connections: authenticated=%d)", method, len(s.mailbox.messages), authCount)

	s.writeLine("+OK Mailbox locked and ready")
	return false
}

// handleSTLS upgrades the connection in place. The command loop keeps
// running on the TLS stream.
func (s *POP3Session) handleSTLS(args []string) bool {
	if s.isTLS {
		s.writeLine("-ERR Already using TLS")
		return false
	}
	if s.server.startTLSConfig == nil {
		s.writeLine("-ERR STLS not available")
		return false
	}

	s.writeLine("+OK Begin TLS negotiation")
	s.flush()

	plain := s.currentConn()
	tlsConn := tls.Server(plain, s.server.startTLSConfig)
	handshakeCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		metrics.TLSUpgrades.WithLabelValues("pop3", "failure").Inc()
		s.WarnLog("%v: %v", consts.ErrTLSNegotiation, err)
		return true
	}

	s.connMu.Lock()
	s.conn = tlsConn
	s.connMu.Unlock()
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.isTLS = true
	s.userCandidate = ""

	metrics.TLSUpgrades.WithLabelValues("pop3", "success").Inc()
	s.DebugLog("STLS negotiated")
	return false
}

func (s *POP3Session) handleCAPA(args []string) bool {
	caps := []string{"TOP", "USER", "UIDL", "PIPELINING", "RESP-CODES", "SASL PLAIN"}
	if s.server.startTLSConfig != nil && !s.isTLS && s.phase == phaseAuthorization {
		caps = append(caps, "STLS")
	}
	caps = append(caps, "IMPLEMENTATION mailgate")
	s.writeMultiline("+OK Capability list follows", caps)
	return false
}

func (s *POP3Session) handleSTAT(args []string) bool {
	count, size := s.mailbox.stat()
	s.writeLine("+OK %d %d", count, size)
	return false
}

func (s *POP3Session) handleLIST(args []string) bool {
	if len(args) > 0 {
		n, ok := s.messageNumber(args[0])
		if !ok {
			return false
		}
		if _, size, ok := s.lookup(n); ok {
			s.writeLine("+OK %d %d", n, size)
		}
		return false
	}
	count, _ := s.mailbox.stat()
	s.writeMultiline(fmt.Sprintf("+OK %d messages", count), buildListResponseLines(s.mailbox))
	return false
}

func (s *POP3Session) handleUIDL(args []string) bool {
	if len(args) > 0 {
		n, ok := s.messageNumber(args[0])
		if !ok {
			return false
		}
		if msg, _, ok := s.lookup(n); ok {
			s.writeLine("+OK %d %d", n, msg.ID)
		}
		return false
	}
	s.writeMultiline("+OK", buildUIDLResponseLines(s.mailbox))
	return false
}

func (s *POP3Session) handleRETR(args []string) bool {
	if len(args) != 1 {
		s.writeLine("-ERR Syntax: RETR <msg>")
		return false
	}
	n, ok := s.messageNumber(args[0])
	if !ok {
		return false
	}
	msg, _, ok := s.lookup(n)
	if !ok {
		return false
	}
	content := server.RenderMessage(msg, true)
	s.writeContent(fmt.Sprintf("+OK %d octets", len(content)), content)
	return false
}

func (s *POP3Session) handleTOP(args []string) bool {
	if len(args) != 2 {
		s.writeLine("-ERR Syntax: TOP <msg> <lines>")
		return false
	}
	n, ok := s.messageNumber(args[0])
	if !ok {
		return false
	}
	lines, err := strconv.Atoi(args[1])
	if err != nil || lines < 0 {
		s.writeLine("-ERR Invalid line count")
		return false
	}
	msg, _, ok := s.lookup(n)
	if !ok {
		return false
	}
	content := topContent(msg, lines)
	s.writeContent(fmt.Sprintf("+OK %d octets", len(content)), content)
	return false
}

func (s *POP3Session) handleDELE(args []string) bool {
	if len(args) != 1 {
		s.writeLine("-ERR Syntax: DELE <msg>")
		return false
	}
	n, ok := s.messageNumber(args[0])
	if !ok {
		return false
	}
	if _, _, ok := s.lookup(n); !ok {
		return false
	}
	s.mailbox.deleted.mark(n)
	s.writeLine("+OK Message %d deleted", n)
	return false
}

func (s *POP3Session) handleNOOP(args []string) bool {
	s.writeLine("+OK")
	return false
}

// handleRSET reloads the snapshot through the cache and clears every
// deletion mark. Nothing is written to the store.
func (s *POP3Session) handleRSET(args []string) bool {
	snapshot, err := s.server.cache.Load(s.ctx, s.server.store, s.User.ID)
	if err != nil {
		s.WarnLog("RSET reload failed: %v", err)
		s.writeLine("-ERR [SYS/TEMP] Unable to reload mailbox")
		return false
	}
	s.mailbox = newMaildrop(snapshot)
	count, size := s.mailbox.stat()
	s.writeLine("+OK maildrop has %d messages (%d octets)", count, size)
	return false
}

// handleQUIT enters the UPDATE state: every marked message is moved to
// the trash folder before the connection closes.
func (s *POP3Session) handleQUIT(args []string) bool {
	if s.phase != phaseTransaction {
		s.writeLine("+OK Goodbye")
		return true
	}

	ids := s.mailbox.markedIDs()
	failed := 0
	for _, id := range ids {
		err := s.server.store.UpdateMessageFlags(s.ctx, id, db.MessageFlagsUpdate{Folder: db.FolderPtr(db.FolderTrash)})
		if err != nil {
			failed++
			s.WarnLog("failed to move message %d to trash: %v", id, err)
		}
	}
	if len(ids) > 0 {
		s.server.cache.Invalidate(s.User.ID)
		s.Log("committed %d deletions (%d failed)", len(ids)-failed, failed)
	}

	if failed > 0 {
		s.writeLine("-ERR Some deleted messages not removed")
		return true
	}
	s.writeLine("+OK Goodbye")
	return true
}

// messageNumber parses a message number argument, answering -ERR when it
// is not a number.
func (s *POP3Session) messageNumber(arg string) (int, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		s.writeLine("-ERR Invalid message number")
		return 0, false
	}
	return n, true
}

func (s *POP3Session) lookup(n int) (*db.Message, int, bool) {
	msg, size, err := s.mailbox.lookup(n)
	switch {
	case errors.Is(err, errNoSuchMessage):
		s.writeLine("-ERR No such message")
		return nil, 0, false
	case errors.Is(err, errMessageDeleted):
		s.writeLine("-ERR Message %d already deleted", n)
		return nil, 0, false
	}
	return msg, size, true
}

func (s *POP3Session) Close() error {
	totalCount := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
	metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(s.startTime).Seconds())

	if conn := s.currentConn(); conn != nil {
		conn.Close()
	}

	var authCount int64
	if s.phase == phaseTransaction {
		authCount = s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Dec()
	} else {
		authCount = s.server.authenticatedConnections.Load()
	}
	s.Log("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)

	s.mailbox = nil
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
