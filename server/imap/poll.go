package imap

import (
	"time"

	"github.com/emersion/go-imap/v2/imapserver"
)

// Poll answers NOOP and CHECK. The selected view only changes on SELECT
// and EXPUNGE, so there are no unsolicited updates to report.
func (s *IMAPSession) Poll(w *imapserver.UpdateWriter, allowExpunge bool) error {
	s.observe("NOOP", time.Now(), nil)
	return nil
}
