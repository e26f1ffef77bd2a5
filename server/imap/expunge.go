package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
)

// Expunge acknowledges the removal of deleted messages. Messages flagged
// \Deleted already live in the trash folder, so nothing is written to the
// store: the lowest-numbered one is reported and dropped from the view.
// The rest of the view is left as it is until the next SELECT.
func (s *IMAPSession) Expunge(w *imapserver.ExpungeWriter, uids *imap.UIDSet) (err error) {
	start := time.Now()
	defer func() { s.observe("EXPUNGE", start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	view, err := s.selectedView()
	if err != nil {
		return err
	}
	if view.readOnly {
		return errReadOnly
	}

	var restrict map[int]struct{}
	if uids != nil {
		indexes, err := view.resolve(*uids)
		if err != nil {
			return err
		}
		restrict = make(map[int]struct{}, len(indexes))
		for _, i := range indexes {
			restrict[i] = struct{}{}
		}
	}

	for i := range view.messages {
		if restrict != nil {
			if _, ok := restrict[i]; !ok {
				continue
			}
		}
		if !hasFlag(messageFlags(&view.messages[i]), imap.FlagDeleted) {
			continue
		}
		id := view.messages[i].ID
		if err := w.WriteExpunge(seqNum(i)); err != nil {
			return err
		}
		view.remove(i)
		s.DebugLog("[EXPUNGE] message %d expunged from '%s'", id, view.name)
		break
	}
	return nil
}
