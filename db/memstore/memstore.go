// Package memstore is an in-memory mailbox store used by tests and by
// ephemeral development servers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
)

type Store struct {
	mu       sync.RWMutex
	users    []db.User
	messages map[int64]*db.Message
	nextUser int64
	nextMsg  int64

	// FailWith, when set, is returned by every operation.
	FailWith error

	// ListCalls counts ListMessages invocations.
	ListCalls atomic.Int64
}

var (
	_ db.Store        = (*Store)(nil)
	_ db.AccountStore = (*Store)(nil)
)

func New() *Store {
	return &Store{messages: make(map[int64]*db.Message)}
}

func (s *Store) FindUserByIdentifier(ctx context.Context, identifier string) (*db.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, consts.ErrUserNotFound
	}
	for i := range s.users {
		u := s.users[i]
		if strings.EqualFold(u.Username, identifier) || strings.EqualFold(u.Email, identifier) {
			return &u, nil
		}
	}
	return nil, consts.ErrUserNotFound
}

func (s *Store) ListMessages(ctx context.Context, userID int64) ([]db.Message, error) {
	s.ListCalls.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	msgs := []db.Message{}
	for _, m := range s.messages {
		if m.UserID == userID {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
	return msgs, nil
}

func (s *Store) UpdateMessageFlags(ctx context.Context, messageID int64, update db.MessageFlagsUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}

	m, ok := s.messages[messageID]
	if !ok {
		return consts.ErrMessageNotFound
	}
	*m = update.Apply(*m)
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg db.NewMessage) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	if msg.Folder == "" {
		msg.Folder = db.FolderInbox
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	s.nextMsg++
	m := &db.Message{
		ID:          s.nextMsg,
		UserID:      msg.UserID,
		FromAddress: msg.FromAddress,
		ToAddress:   msg.ToAddress,
		Subject:     msg.Subject,
		Body:        msg.Body,
		MessageID:   msg.MessageID,
		ContentHash: msg.ContentHash,
		Folder:      msg.Folder,
		ReceivedAt:  msg.ReceivedAt,
	}
	s.messages[m.ID] = m
	out := *m
	return &out, nil
}

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) || strings.EqualFold(u.Email, email) {
			return nil, fmt.Errorf("user %q already exists: %w", username, consts.ErrDBUniqueViolation)
		}
	}
	s.nextUser++
	u := db.User{
		ID:           s.nextUser,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	s.users = append(s.users, u)
	return &u, nil
}

// Message returns a copy of a stored message, for assertions.
func (s *Store) Message(id int64) (db.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return db.Message{}, false
	}
	return *m, true
}

// SetFailure makes every subsequent call return err; nil restores service.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.FailWith = err
	s.mu.Unlock()
}
