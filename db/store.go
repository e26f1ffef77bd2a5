package db

import "context"

// Store is the mailbox persistence boundary consumed by the protocol
// engines. Implementations return consts.ErrUserNotFound and
// consts.ErrMessageNotFound for missing rows.
type Store interface {
	// FindUserByIdentifier resolves a username or an email address,
	// case-insensitively.
	FindUserByIdentifier(ctx context.Context, identifier string) (*User, error)

	// ListMessages returns every message of the user, newest first.
	ListMessages(ctx context.Context, userID int64) ([]Message, error)

	UpdateMessageFlags(ctx context.Context, messageID int64, update MessageFlagsUpdate) error

	CreateMessage(ctx context.Context, msg NewMessage) (*Message, error)
}

// AccountStore is implemented by stores that can provision users.
type AccountStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error)
}
