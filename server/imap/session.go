package imap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	_ "github.com/emersion/go-message/charset"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/migadu/mailgate/server"
)

type IMAPSession struct {
	server.Session
	server    *IMAPServer
	conn      *imapserver.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	mutex     sync.Mutex

	// snapshot is the mailbox as loaded at login or at the last SELECT.
	snapshot []db.Message
	selected *mailboxView
}

func (s *IMAPSession) Context() context.Context {
	return s.ctx
}

func (s *IMAPSession) internalError(format string, a ...interface{}) *imap.Error {
	s.WarnLog(format, a...)
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeServerBug,
		Text: fmt.Sprintf(format, a...),
	}
}

// storeError answers a failing store call. The connection stays usable.
func (s *IMAPSession) storeError(op string, err error) *imap.Error {
	s.WarnLog("%s: store failure: %v", op, err)
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeUnavailable,
		Text: "Mailbox temporarily unavailable",
	}
}

// observe records the outcome of a command in the command metrics.
func (s *IMAPSession) observe(command string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "no"
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeBad {
			status = "bad"
		}
	}
	metrics.CommandsTotal.WithLabelValues("imap", command, status).Inc()
	metrics.CommandDuration.WithLabelValues("imap", command).Observe(time.Since(start).Seconds())
}

func (s *IMAPSession) Close() error {
	if s == nil {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	totalCount := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("imap").Dec()
	metrics.ConnectionDuration.WithLabelValues("imap").Observe(time.Since(s.startTime).Seconds())

	if s.User != nil {
		authCount := s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues("imap").Dec()
		s.Log("closing session (connections: total=%d, authenticated=%d)", totalCount, authCount)
		s.User = nil
	} else {
		s.DebugLog("client dropped unauthenticated connection (connections: total=%d)", totalCount)
	}

	s.snapshot = nil
	s.selected = nil

	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// reload refreshes the snapshot through the message cache.
func (s *IMAPSession) reload() error {
	msgs, err := s.server.cache.Load(s.ctx, s.server.store, s.User.ID)
	if err != nil {
		return err
	}
	s.snapshot = msgs
	return nil
}

// uidNext is one past the highest store id in msgs.
func uidNext(msgs []db.Message) imap.UID {
	var highest int64
	for i := range msgs {
		if msgs[i].ID > highest {
			highest = msgs[i].ID
		}
	}
	return imap.UID(highest + 1)
}

// selectedView returns the selected mailbox or a NO response.
func (s *IMAPSession) selectedView() (*mailboxView, error) {
	if s.selected == nil {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "No mailbox selected",
		}
	}
	return s.selected, nil
}

// applyUpdate mirrors a committed flag update into the snapshot and the view.
func (s *IMAPSession) applyUpdate(id int64, update db.MessageFlagsUpdate) {
	for i := range s.snapshot {
		if s.snapshot[i].ID == id {
			s.snapshot[i] = update.Apply(s.snapshot[i])
			break
		}
	}
	if s.selected != nil {
		if i := s.selected.indexOfID(id); i >= 0 {
			s.selected.messages[i] = update.Apply(s.selected.messages[i])
		}
	}
}

// messageFlags derives the IMAP flags of msg from its stored state.
func messageFlags(msg *db.Message) []imap.Flag {
	flags := make([]imap.Flag, 0, 3)
	if msg.IsRead {
		flags = append(flags, imap.FlagSeen)
	}
	if msg.IsStarred {
		flags = append(flags, imap.FlagFlagged)
	}
	if msg.InFolder(db.FolderTrash) {
		flags = append(flags, imap.FlagDeleted)
	}
	return flags
}

func hasFlag(flags []imap.Flag, flag imap.Flag) bool {
	for _, f := range flags {
		if strings.EqualFold(string(f), string(flag)) {
			return true
		}
	}
	return false
}
