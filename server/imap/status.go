package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"
)

func (s *IMAPSession) Status(mboxName string, options *imap.StatusOptions) (data *imap.StatusData, err error) {
	start := time.Now()
	defer func() { s.observe("STATUS", start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	name, folder, ok := lookupMailbox(mboxName)
	if !ok {
		s.DebugLog("[STATUS] mailbox '%s' does not exist", mboxName)
		return nil, nonExistent(mboxName)
	}

	// STATUS reads through the cache and leaves the session snapshot alone.
	msgs, err := s.server.cache.Load(s.ctx, s.server.store, s.User.ID)
	if err != nil {
		return nil, s.storeError("STATUS", err)
	}
	inFolder := folderMessages(msgs, folder)

	statusData := &imap.StatusData{
		Mailbox:     name,
		UIDValidity: uidValidity,
	}
	if options.NumMessages {
		num := uint32(len(inFolder))
		statusData.NumMessages = &num
	}
	if options.UIDNext {
		statusData.UIDNext = uidNext(msgs)
	}
	if options.NumRecent {
		var num uint32
		statusData.NumRecent = &num
	}
	if options.NumUnseen {
		var num uint32
		for i := range inFolder {
			if !inFolder[i].IsRead {
				num++
			}
		}
		statusData.NumUnseen = &num
	}
	return statusData, nil
}
