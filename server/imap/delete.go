package imap

import (
	"github.com/emersion/go-imap/v2"
)

func (s *IMAPSession) Delete(mboxName string) error {
	if _, _, ok := lookupMailbox(mboxName); !ok {
		return nonExistent(mboxName)
	}
	s.DebugLog("[DELETE] refused '%s'", mboxName)
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeNoPerm,
		Text: "Default mailboxes cannot be deleted",
	}
}
