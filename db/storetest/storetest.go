// Package storetest holds a behavioural suite every db.Store implementation
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is what the suite needs from a store under test.
type Backend interface {
	db.Store
	db.AccountStore
}

// Run exercises newStore against the Store contract. Each subtest gets a
// fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("FindUserByIdentifier", func(t *testing.T) {
		s := newStore(t)
		created, err := s.CreateUser(ctx, "alice", "Alice@Example.com", "{BLF-CRYPT}x")
		require.NoError(t, err)

		for _, ident := range []string{"alice", "ALICE", "alice@example.com", "  Alice@Example.COM "} {
			u, err := s.FindUserByIdentifier(ctx, ident)
			require.NoError(t, err, ident)
			assert.Equal(t, created.ID, u.ID)
			assert.Equal(t, "{BLF-CRYPT}x", u.PasswordHash)
		}

		_, err = s.FindUserByIdentifier(ctx, "bob")
		assert.ErrorIs(t, err, consts.ErrUserNotFound)
		_, err = s.FindUserByIdentifier(ctx, "")
		assert.ErrorIs(t, err, consts.ErrUserNotFound)
	})

	t.Run("CreateUserDuplicate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateUser(ctx, "alice", "alice@example.com", "h")
		require.NoError(t, err)
		_, err = s.CreateUser(ctx, "ALICE", "other@example.com", "h")
		assert.ErrorIs(t, err, consts.ErrDBUniqueViolation)
	})

	t.Run("ListMessagesNewestFirst", func(t *testing.T) {
		s := newStore(t)
		alice, err := s.CreateUser(ctx, "alice", "alice@example.com", "h")
		require.NoError(t, err)
		bob, err := s.CreateUser(ctx, "bob", "bob@example.com", "h")
		require.NoError(t, err)

		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		for i, subj := range []string{"first", "second", "third"} {
			_, err := s.CreateMessage(ctx, db.NewMessage{
				UserID:     alice.ID,
				Subject:    subj,
				ReceivedAt: base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
		}
		_, err = s.CreateMessage(ctx, db.NewMessage{UserID: bob.ID, Subject: "bob's"})
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "third", msgs[0].Subject)
		assert.Equal(t, "second", msgs[1].Subject)
		assert.Equal(t, "first", msgs[2].Subject)
		for _, m := range msgs {
			assert.Equal(t, db.FolderInbox, m.Folder)
			assert.False(t, m.IsRead)
		}

		empty, err := s.ListMessages(ctx, 9999)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("CreateMessageRoundTrip", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, "alice", "alice@example.com", "h")
		require.NoError(t, err)

		received := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
		m, err := s.CreateMessage(ctx, db.NewMessage{
			UserID:      u.ID,
			FromAddress: "carol@example.org",
			ToAddress:   "alice@example.com",
			Subject:     "Greetings",
			Body:        "line one\r\nline two",
			MessageID:   "<abc@example.org>",
			ContentHash: "deadbeef",
			Folder:      db.FolderSent,
			ReceivedAt:  received,
		})
		require.NoError(t, err)
		assert.NotZero(t, m.ID)

		msgs, err := s.ListMessages(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		got := msgs[0]
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, "carol@example.org", got.FromAddress)
		assert.Equal(t, "alice@example.com", got.ToAddress)
		assert.Equal(t, "Greetings", got.Subject)
		assert.Equal(t, "line one\r\nline two", got.Body)
		assert.Equal(t, "<abc@example.org>", got.MessageID)
		assert.Equal(t, "deadbeef", got.ContentHash)
		assert.Equal(t, db.FolderSent, got.Folder)
		assert.True(t, received.Equal(got.ReceivedAt), "received_at %v != %v", got.ReceivedAt, received)
	})

	t.Run("UpdateMessageFlags", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, "alice", "alice@example.com", "h")
		require.NoError(t, err)
		m, err := s.CreateMessage(ctx, db.NewMessage{UserID: u.ID, Subject: "s"})
		require.NoError(t, err)

		require.NoError(t, s.UpdateMessageFlags(ctx, m.ID, db.MessageFlagsUpdate{IsRead: db.Bool(true)}))
		require.NoError(t, s.UpdateMessageFlags(ctx, m.ID, db.MessageFlagsUpdate{IsStarred: db.Bool(true)}))

		msgs, err := s.ListMessages(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].IsRead)
		assert.True(t, msgs[0].IsStarred)
		assert.Equal(t, db.FolderInbox, msgs[0].Folder)

		require.NoError(t, s.UpdateMessageFlags(ctx, m.ID, db.MessageFlagsUpdate{
			IsStarred: db.Bool(false),
			Folder:    db.FolderPtr(db.FolderTrash),
		}))
		msgs, err = s.ListMessages(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, msgs[0].IsRead)
		assert.False(t, msgs[0].IsStarred)
		assert.Equal(t, db.FolderTrash, msgs[0].Folder)

		err = s.UpdateMessageFlags(ctx, m.ID+1000, db.MessageFlagsUpdate{IsRead: db.Bool(true)})
		assert.ErrorIs(t, err, consts.ErrMessageNotFound)
	})
}
