package pop3

import (
	"errors"
	"sort"

	"github.com/migadu/mailgate/db"
	serverPkg "github.com/migadu/mailgate/server"
)

var (
	errNoSuchMessage  = errors.New("no such message")
	errMessageDeleted = errors.New("message already deleted")
)

// deletionSet holds the message numbers marked by DELE. Marks are only
// committed to the store on QUIT.
type deletionSet map[int]struct{}

func (d deletionSet) mark(n int) { d[n] = struct{}{} }

func (d deletionSet) has(n int) bool {
	_, ok := d[n]
	return ok
}

// numbers returns the marked message numbers in ascending order.
func (d deletionSet) numbers() []int {
	out := make([]int, 0, len(d))
	for n := range d {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// maildrop is the session's view of the mailbox: the non-trash messages of
// the snapshot, numbered from 1 in snapshot order. Numbers stay fixed for
// the life of the view; deleted messages keep theirs and are skipped.
type maildrop struct {
	messages []db.Message
	sizes    []int
	deleted  deletionSet
}

func newMaildrop(snapshot []db.Message) *maildrop {
	m := &maildrop{deleted: make(deletionSet)}
	for i := range snapshot {
		if snapshot[i].InFolder(db.FolderTrash) {
			continue
		}
		m.messages = append(m.messages, snapshot[i])
		m.sizes = append(m.sizes, len(serverPkg.RenderMessage(&snapshot[i], true)))
	}
	return m
}

// lookup resolves a 1-based message number that is neither out of range
// nor marked for deletion.
func (m *maildrop) lookup(n int) (*db.Message, int, error) {
	if n < 1 || n > len(m.messages) {
		return nil, 0, errNoSuchMessage
	}
	if m.deleted.has(n) {
		return nil, 0, errMessageDeleted
	}
	return &m.messages[n-1], m.sizes[n-1], nil
}

// stat returns the count and total size of messages not marked deleted.
func (m *maildrop) stat() (count, size int) {
	for i := range m.messages {
		if m.deleted.has(i + 1) {
			continue
		}
		count++
		size += m.sizes[i]
	}
	return count, size
}

// each calls fn for every message not marked deleted.
func (m *maildrop) each(fn func(n int, msg *db.Message, size int)) {
	for i := range m.messages {
		if m.deleted.has(i + 1) {
			continue
		}
		fn(i+1, &m.messages[i], m.sizes[i])
	}
}

// markedIDs returns the store ids of the messages marked for deletion.
func (m *maildrop) markedIDs() []int64 {
	numbers := m.deleted.numbers()
	ids := make([]int64, 0, len(numbers))
	for _, n := range numbers {
		ids = append(ids, m.messages[n-1].ID)
	}
	return ids
}
