package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/migadu/mailgate/db"
)

var errReadOnly = &imap.Error{
	Type: imap.StatusResponseTypeNo,
	Code: imap.ResponseCode("READ-ONLY"),
	Text: "Mailbox is open read-only",
}

// flagsUpdate maps a STORE flag operation onto stored message state.
// \Seen is the read mark, \Flagged the star and \Deleted a move to the
// trash folder. Combinations with no stored equivalent, such as removing
// \Deleted or any keyword, contribute nothing.
func flagsUpdate(op imap.StoreFlagsOp, flags []imap.Flag) db.MessageFlagsUpdate {
	var update db.MessageFlagsUpdate
	switch op {
	case imap.StoreFlagsAdd:
		if hasFlag(flags, imap.FlagSeen) {
			update.IsRead = db.Bool(true)
		}
		if hasFlag(flags, imap.FlagFlagged) {
			update.IsStarred = db.Bool(true)
		}
		if hasFlag(flags, imap.FlagDeleted) {
			update.Folder = db.FolderPtr(db.FolderTrash)
		}
	case imap.StoreFlagsDel:
		if hasFlag(flags, imap.FlagSeen) {
			update.IsRead = db.Bool(false)
		}
		if hasFlag(flags, imap.FlagFlagged) {
			update.IsStarred = db.Bool(false)
		}
	case imap.StoreFlagsSet:
		update.IsRead = db.Bool(hasFlag(flags, imap.FlagSeen))
		update.IsStarred = db.Bool(hasFlag(flags, imap.FlagFlagged))
		if hasFlag(flags, imap.FlagDeleted) {
			update.Folder = db.FolderPtr(db.FolderTrash)
		}
	}
	return update
}

// Store serves STORE and UID STORE. Unsupported flag changes are accepted
// and leave the message untouched.
func (s *IMAPSession) Store(w *imapserver.FetchWriter, numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) (err error) {
	_, isUID := numSet.(imap.UIDSet)
	command := "STORE"
	if isUID {
		command = "UID STORE"
	}
	start := time.Now()
	defer func() { s.observe(command, start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	view, err := s.selectedView()
	if err != nil {
		return err
	}
	if view.readOnly {
		s.DebugLog("[%s] rejected on read-only mailbox '%s'", command, view.name)
		return errReadOnly
	}

	indexes, err := view.resolve(numSet)
	if err != nil {
		return err
	}

	update := flagsUpdate(flags.Op, flags.Flags)
	modified := false
	defer func() {
		if modified {
			s.server.cache.Invalidate(s.User.ID)
		}
	}()

	for _, i := range indexes {
		msg := &view.messages[i]
		if !update.IsEmpty() {
			if err := s.server.store.UpdateMessageFlags(s.ctx, msg.ID, update); err != nil {
				return s.storeError(command, err)
			}
			modified = true
			s.applyUpdate(msg.ID, update)
		}

		if flags.Silent {
			continue
		}
		m := w.CreateMessage(seqNum(i))
		if isUID {
			m.WriteUID(imap.UID(msg.ID))
		}
		m.WriteFlags(messageFlags(msg))
		if err := m.Close(); err != nil {
			return err
		}
	}

	s.DebugLog("[%s] updated %d message(s) in '%s'", command, len(indexes), view.name)
	return nil
}
