package imap

import (
	"github.com/emersion/go-imap/v2/imapserver"
)

// Idle waits for DONE. No updates are pushed while idling.
func (s *IMAPSession) Idle(w *imapserver.UpdateWriter, done <-chan struct{}) error {
	s.DebugLog("[IDLE] client entered IDLE")
	select {
	case <-done:
		s.DebugLog("[IDLE] client sent DONE")
	case <-s.ctx.Done():
	}
	return nil
}
