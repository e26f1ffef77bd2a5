package imap

import (
	"github.com/emersion/go-imap/v2"
)

// Create always fails: the hierarchy is fixed to the four folders.
func (s *IMAPSession) Create(name string, options *imap.CreateOptions) error {
	if _, _, ok := lookupMailbox(name); ok {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeAlreadyExists,
			Text: "Mailbox already exists",
		}
	}
	s.DebugLog("[CREATE] refused '%s'", name)
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeNoPerm,
		Text: "Mailbox hierarchy is fixed",
	}
}
