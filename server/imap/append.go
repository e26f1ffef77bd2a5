package imap

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/server"
)

// Append stores a client-composed message, such as a sent copy or a draft,
// in the named folder. Only the parsed fields are kept.
func (s *IMAPSession) Append(mboxName string, r imap.LiteralReader, options *imap.AppendOptions) (data *imap.AppendData, err error) {
	start := time.Now()
	defer func() { s.observe("APPEND", start, err) }()

	_, folder, ok := lookupMailbox(mboxName)
	if !ok {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeTryCreate,
			Text: fmt.Sprintf("mailbox '%s' does not exist", mboxName),
		}
	}

	if limit := s.server.appendLimit; limit > 0 && r.Size() > limit {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeTooBig,
			Text: fmt.Sprintf("message exceeds the %d byte limit", limit),
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, s.internalError("failed to read message: %v", err)
	}

	parsed, err := server.ParseInbound(buf.Bytes())
	if err != nil {
		s.DebugLog("[APPEND] unparsable message: %v", err)
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Message could not be parsed",
		}
	}

	receivedAt := time.Now()
	if options != nil && !options.Time.IsZero() {
		receivedAt = options.Time
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	msg, err := s.server.store.CreateMessage(s.ctx, db.NewMessage{
		UserID:      s.User.ID,
		FromAddress: parsed.From,
		ToAddress:   parsed.To,
		Subject:     parsed.Subject,
		Body:        parsed.Body,
		MessageID:   parsed.MessageID,
		Folder:      folder,
		ReceivedAt:  receivedAt,
	})
	if err != nil {
		return nil, s.storeError("APPEND", err)
	}

	if options != nil {
		// The target folder is fixed by the mailbox name.
		update := flagsUpdate(imap.StoreFlagsAdd, options.Flags)
		update.Folder = nil
		if !update.IsEmpty() {
			if err := s.server.store.UpdateMessageFlags(s.ctx, msg.ID, update); err != nil {
				s.WarnLog("[APPEND] failed to set flags on message %d: %v", msg.ID, err)
			}
		}
	}
	s.server.cache.Invalidate(s.User.ID)

	s.Log("[APPEND] stored message %d in '%s' (%d bytes)", msg.ID, mboxName, buf.Len())
	return &imap.AppendData{
		UID:         imap.UID(msg.ID),
		UIDValidity: uidValidity,
	}, nil
}
