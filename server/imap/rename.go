package imap

import (
	"github.com/emersion/go-imap/v2"
)

func (s *IMAPSession) Rename(existingName, newName string, options *imap.RenameOptions) error {
	if _, _, ok := lookupMailbox(existingName); !ok {
		return nonExistent(existingName)
	}
	if _, _, ok := lookupMailbox(newName); ok {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeAlreadyExists,
			Text: "Mailbox already exists",
		}
	}
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeNoPerm,
		Text: "Default mailboxes cannot be renamed",
	}
}
