package imap

// Every mailbox of the fixed hierarchy is permanently subscribed, so
// SUBSCRIBE and UNSUBSCRIBE only validate the name.

func (s *IMAPSession) Subscribe(mailboxName string) error {
	if _, _, ok := lookupMailbox(mailboxName); !ok {
		return nonExistent(mailboxName)
	}
	return nil
}

func (s *IMAPSession) Unsubscribe(mailboxName string) error {
	if _, _, ok := lookupMailbox(mailboxName); !ok {
		return nonExistent(mailboxName)
	}
	return nil
}
