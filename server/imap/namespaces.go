package imap

import (
	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailgate/consts"
)

// Namespace reports the single personal namespace of the fixed hierarchy.
func (s *IMAPSession) Namespace() (*imap.NamespaceData, error) {
	return &imap.NamespaceData{
		Personal: []imap.NamespaceDescriptor{
			{
				Prefix: "",
				Delim:  consts.MailboxDelimiter,
			},
		},
	}, nil
}
