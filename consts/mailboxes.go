package consts

const MailboxDelimiter = '/'

const (
	MailboxInbox  = "INBOX"
	MailboxSent   = "Sent"
	MailboxDrafts = "Drafts"
	MailboxTrash  = "Trash"
)

// DefaultMailboxes is the static IMAP hierarchy, in LIST order.
var DefaultMailboxes = []string{
	MailboxInbox,
	MailboxSent,
	MailboxDrafts,
	MailboxTrash,
}
