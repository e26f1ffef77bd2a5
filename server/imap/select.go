package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"
)

// supportedFlags are the flags backed by stored message state.
var supportedFlags = []imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.FlagDeleted}

// Select opens a mailbox for SELECT, or read-only for EXAMINE. The
// snapshot is reloaded through the message cache and the view is the
// folder's messages, newest first.
func (s *IMAPSession) Select(mboxName string, options *imap.SelectOptions) (data *imap.SelectData, err error) {
	readOnly := options != nil && options.ReadOnly
	command := "SELECT"
	if readOnly {
		command = "EXAMINE"
	}
	start := time.Now()
	defer func() { s.observe(command, start, err) }()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// A failed SELECT leaves no mailbox selected.
	s.selected = nil

	name, folder, ok := lookupMailbox(mboxName)
	if !ok {
		s.DebugLog("[%s] unknown mailbox '%s'", command, mboxName)
		return nil, nonExistent(mboxName)
	}

	if err := s.reload(); err != nil {
		return nil, s.storeError(command, err)
	}

	view := newMailboxView(name, folder, readOnly, s.snapshot)
	s.selected = view

	selectData := &imap.SelectData{
		Flags:       supportedFlags,
		NumMessages: view.numMessages(),
		UIDNext:     uidNext(s.snapshot),
		UIDValidity: uidValidity,
		// No "new since last select" tracking.
		NumRecent: 0,
	}
	if !readOnly {
		selectData.PermanentFlags = supportedFlags
	}

	s.DebugLog("[%s] mailbox '%s' selected (messages=%d)", command, name, view.numMessages())
	return selectData, nil
}

func (s *IMAPSession) Unselect() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.selected != nil {
		s.DebugLog("[UNSELECT] mailbox '%s' cleared from session state", s.selected.name)
	}
	s.selected = nil
	return nil
}
