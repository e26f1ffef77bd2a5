package db

import (
	"fmt"
	"strings"
	"time"
)

// Folder is the storage-level folder of a message.
type Folder string

const (
	FolderInbox  Folder = "inbox"
	FolderSent   Folder = "sent"
	FolderDrafts Folder = "drafts"
	FolderTrash  Folder = "trash"
)

func (f Folder) Valid() bool {
	switch f {
	case FolderInbox, FolderSent, FolderDrafts, FolderTrash:
		return true
	}
	return false
}

// ParseFolder converts a stored folder value, tolerating case differences.
func ParseFolder(s string) (Folder, error) {
	f := Folder(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown folder %q", s)
	}
	return f, nil
}

// User is an account that can receive mail and authenticate.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Message is one delivered message. ID is persistent and doubles as the
// IMAP UID and the POP3 unique-id.
type Message struct {
	ID          int64
	UserID      int64
	FromAddress string
	ToAddress   string
	Subject     string
	Body        string
	MessageID   string // Message-Id header, may be empty
	ContentHash string // archive key of the raw message, may be empty
	IsRead      bool
	IsStarred   bool
	Folder      Folder
	ReceivedAt  time.Time
}

// InFolder reports whether the message belongs to f.
func (m *Message) InFolder(f Folder) bool {
	return m.Folder == f
}

// NewMessage carries the fields of a message to be created.
type NewMessage struct {
	UserID      int64
	FromAddress string
	ToAddress   string
	Subject     string
	Body        string
	MessageID   string
	ContentHash string
	Folder      Folder // defaults to FolderInbox
	ReceivedAt  time.Time
}

// MessageFlagsUpdate is a partial update; nil fields are left unchanged.
type MessageFlagsUpdate struct {
	IsRead    *bool
	IsStarred *bool
	Folder    *Folder
}

func (u MessageFlagsUpdate) IsEmpty() bool {
	return u.IsRead == nil && u.IsStarred == nil && u.Folder == nil
}

// Apply returns a copy of msg with the update applied.
func (u MessageFlagsUpdate) Apply(msg Message) Message {
	if u.IsRead != nil {
		msg.IsRead = *u.IsRead
	}
	if u.IsStarred != nil {
		msg.IsStarred = *u.IsStarred
	}
	if u.Folder != nil {
		msg.Folder = *u.Folder
	}
	return msg
}

// Bool and FolderPtr build MessageFlagsUpdate fields inline.
func Bool(b bool) *bool { return &b }

func FolderPtr(f Folder) *Folder { return &f }
