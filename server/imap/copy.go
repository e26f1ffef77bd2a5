package imap

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Copy acknowledges COPY and UID COPY after validating the arguments.
// Messages are not duplicated into the destination folder.
func (s *IMAPSession) Copy(numSet imap.NumSet, mboxName string) (data *imap.CopyData, err error) {
	start := time.Now()
	defer func() { s.observe("COPY", start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	view, err := s.selectedView()
	if err != nil {
		return nil, err
	}
	if _, _, ok := lookupMailbox(mboxName); !ok {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeTryCreate,
			Text: fmt.Sprintf("destination mailbox '%s' does not exist", mboxName),
		}
	}
	indexes, err := view.resolve(numSet)
	if err != nil {
		return nil, err
	}

	s.DebugLog("[COPY] acknowledged %d message(s) to '%s'", len(indexes), mboxName)
	return nil, nil
}
