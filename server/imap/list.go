package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/migadu/mailgate/consts"
)

// List reports the fixed mailbox hierarchy. The answer does not depend on
// which mailbox, if any, is selected. LSUB arrives here too and every
// mailbox counts as subscribed.
func (s *IMAPSession) List(w *imapserver.ListWriter, ref string, patterns []string, options *imap.ListOptions) (err error) {
	start := time.Now()
	defer func() { s.observe("LIST", start, err) }()

	for _, pattern := range patterns {
		if pattern == "" {
			// An empty pattern asks for the hierarchy delimiter only.
			return w.WriteList(&imap.ListData{
				Attrs: []imap.MailboxAttr{imap.MailboxAttrNoSelect},
				Delim: consts.MailboxDelimiter,
			})
		}
	}

	for _, name := range consts.DefaultMailboxes {
		if !matchesAny(name, ref, patterns) {
			continue
		}
		data := &imap.ListData{
			Mailbox: name,
			Delim:   consts.MailboxDelimiter,
			Attrs:   mailboxAttrs(name),
		}
		if err := w.WriteList(data); err != nil {
			return err
		}
	}
	return nil
}

func matchesAny(name, ref string, patterns []string) bool {
	for _, pattern := range patterns {
		if imapserver.MatchList(name, consts.MailboxDelimiter, ref, pattern) {
			return true
		}
	}
	return false
}
