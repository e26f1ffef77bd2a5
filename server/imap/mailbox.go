package imap

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
)

var mailboxFolders = map[string]db.Folder{
	consts.MailboxInbox:  db.FolderInbox,
	consts.MailboxSent:   db.FolderSent,
	consts.MailboxDrafts: db.FolderDrafts,
	consts.MailboxTrash:  db.FolderTrash,
}

// lookupMailbox maps a client mailbox name onto the fixed hierarchy. Names
// match case-insensitively and the canonical name is returned.
func lookupMailbox(name string) (string, db.Folder, bool) {
	for _, canonical := range consts.DefaultMailboxes {
		if strings.EqualFold(name, canonical) {
			return canonical, mailboxFolders[canonical], true
		}
	}
	return "", "", false
}

func nonExistent(name string) *imap.Error {
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Code: imap.ResponseCodeNonExistent,
		Text: "Unknown mailbox: " + name,
	}
}

// mailboxAttrs returns the SPECIAL-USE attributes of a mailbox.
func mailboxAttrs(name string) []imap.MailboxAttr {
	attrs := []imap.MailboxAttr{imap.MailboxAttrHasNoChildren}
	switch name {
	case consts.MailboxSent:
		attrs = append(attrs, imap.MailboxAttrSent)
	case consts.MailboxDrafts:
		attrs = append(attrs, imap.MailboxAttrDrafts)
	case consts.MailboxTrash:
		attrs = append(attrs, imap.MailboxAttrTrash)
	}
	return attrs
}

// folderMessages returns the messages of snapshot in folder f, newest first.
func folderMessages(snapshot []db.Message, f db.Folder) []db.Message {
	var out []db.Message
	for i := range snapshot {
		if snapshot[i].InFolder(f) {
			out = append(out, snapshot[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out
}

// mailboxView is the selected mailbox: the folder-filtered subset of the
// snapshot, newest first. Sequence number n is messages[n-1].
type mailboxView struct {
	name     string
	folder   db.Folder
	readOnly bool
	messages []db.Message
}

func newMailboxView(name string, folder db.Folder, readOnly bool, snapshot []db.Message) *mailboxView {
	return &mailboxView{
		name:     name,
		folder:   folder,
		readOnly: readOnly,
		messages: folderMessages(snapshot, folder),
	}
}

func (v *mailboxView) numMessages() uint32 {
	return uint32(len(v.messages))
}

func (v *mailboxView) indexOfID(id int64) int {
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// remove drops the message at index i. Later sequence numbers shift down.
func (v *mailboxView) remove(i int) {
	v.messages = append(v.messages[:i], v.messages[i+1:]...)
}

// maxUID is the highest UID in the view, or 0 when it is empty.
func (v *mailboxView) maxUID() imap.UID {
	var highest imap.UID
	for i := range v.messages {
		if uid := imap.UID(v.messages[i].ID); uid > highest {
			highest = uid
		}
	}
	return highest
}

// resolve returns the view indexes addressed by numSet in ascending
// sequence order. A sequence number outside the view is an error; UIDs
// that are not present are skipped.
func (v *mailboxView) resolve(numSet imap.NumSet) ([]int, error) {
	n := v.numMessages()
	selected := make(map[int]struct{})

	switch set := numSet.(type) {
	case imap.SeqSet:
		for _, r := range set {
			start, stop := r.Start, r.Stop
			if start == 0 {
				start = n
			}
			if stop == 0 {
				stop = n
			}
			if start > stop {
				start, stop = stop, start
			}
			if start == 0 || stop > n {
				return nil, &imap.Error{
					Type: imap.StatusResponseTypeNo,
					Text: "No such message",
				}
			}
			for seq := start; seq <= stop; seq++ {
				selected[int(seq-1)] = struct{}{}
			}
		}
	case imap.UIDSet:
		highest := v.maxUID()
		for _, r := range set {
			start, stop := r.Start, r.Stop
			if start == 0 {
				start = highest
			}
			if stop == 0 {
				stop = highest
			}
			if start > stop {
				start, stop = stop, start
			}
			for i := range v.messages {
				uid := imap.UID(v.messages[i].ID)
				if uid >= start && uid <= stop {
					selected[i] = struct{}{}
				}
			}
		}
	default:
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeBad,
			Text: "Unsupported number set",
		}
	}

	indexes := make([]int, 0, len(selected))
	for i := range selected {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	return indexes, nil
}

// seqNum is the 1-based sequence number of view index i.
func seqNum(i int) uint32 {
	return uint32(i + 1)
}
