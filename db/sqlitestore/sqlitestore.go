// Package sqlitestore is a single-file mailbox store for small deployments
// and tests, backed by the pure-Go modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/metrics"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT    NOT NULL,
	email         TEXT    NOT NULL,
	password_hash TEXT    NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (LOWER(username));
CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (LOWER(email));

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	from_address TEXT    NOT NULL DEFAULT '',
	to_address   TEXT    NOT NULL DEFAULT '',
	subject      TEXT    NOT NULL DEFAULT '',
	body         TEXT    NOT NULL DEFAULT '',
	message_id   TEXT    NOT NULL DEFAULT '',
	content_hash TEXT    NOT NULL DEFAULT '',
	is_read      INTEGER NOT NULL DEFAULT 0,
	is_starred   INTEGER NOT NULL DEFAULT 0,
	folder       TEXT    NOT NULL DEFAULT 'inbox'
		CHECK (folder IN ('inbox', 'sent', 'drafts', 'trash')),
	received_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_user_received_idx ON messages (user_id, received_at DESC, id DESC);
`

// Store implements db.Store and db.AccountStore on a SQLite file.
type Store struct {
	db *sql.DB
}

var (
	_ db.Store        = (*Store)(nil)
	_ db.AccountStore = (*Store)(nil)
)

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent sessions.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("SQLite: failed to enable WAL", "path", path, "error", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}

	logger.Info("SQLite: store opened", "path", path)
	return &Store{db: sqlDB}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func observe(operation string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues(driverName, operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, consts.ErrUserNotFound) && !errors.Is(err, consts.ErrMessageNotFound) {
		status = "failure"
	}
	metrics.StoreOperationsTotal.WithLabelValues(driverName, operation, status).Inc()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*db.User, error) {
	var u db.User
	var created int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(0, created)
	return &u, nil
}

func scanMessage(row scanner) (db.Message, error) {
	var m db.Message
	var folder string
	var received int64
	if err := row.Scan(&m.ID, &m.UserID, &m.FromAddress, &m.ToAddress, &m.Subject, &m.Body,
		&m.MessageID, &m.ContentHash, &m.IsRead, &m.IsStarred, &folder, &received); err != nil {
		return m, err
	}
	f, err := db.ParseFolder(folder)
	if err != nil {
		return m, err
	}
	m.Folder = f
	m.ReceivedAt = time.Unix(0, received)
	return m, nil
}

const (
	userColumns    = `id, username, email, password_hash, created_at`
	messageColumns = `id, user_id, from_address, to_address, subject, body, message_id,
		content_hash, is_read, is_starred, folder, received_at`
)

func (s *Store) FindUserByIdentifier(ctx context.Context, identifier string) (user *db.User, err error) {
	start := time.Now()
	defer func() { observe("find_user", start, err) }()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, consts.ErrUserNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE LOWER(username) = LOWER(?) OR LOWER(email) = LOWER(?)
		ORDER BY id LIMIT 1`, identifier, identifier)
	user, err = scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

func (s *Store) ListMessages(ctx context.Context, userID int64) (msgs []db.Message, err error) {
	start := time.Now()
	defer func() { observe("list_messages", start, err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE user_id = ?
		ORDER BY received_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs = []db.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) UpdateMessageFlags(ctx context.Context, messageID int64, update db.MessageFlagsUpdate) (err error) {
	start := time.Now()
	defer func() { observe("update_flags", start, err) }()

	var folder any
	if update.Folder != nil {
		folder = string(*update.Folder)
	}
	var isRead, isStarred any
	if update.IsRead != nil {
		isRead = *update.IsRead
	}
	if update.IsStarred != nil {
		isStarred = *update.IsStarred
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_read = COALESCE(?, is_read),
		    is_starred = COALESCE(?, is_starred),
		    folder = COALESCE(?, folder)
		WHERE id = ?`, isRead, isStarred, folder, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message flags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg db.NewMessage) (created *db.Message, err error) {
	start := time.Now()
	defer func() { observe("create_message", start, err) }()

	if msg.Folder == "" {
		msg.Folder = db.FolderInbox
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (user_id, from_address, to_address, subject, body, message_id, content_hash, folder, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.FromAddress, msg.ToAddress, msg.Subject, msg.Body, msg.MessageID, msg.ContentHash,
		string(msg.Folder), msg.ReceivedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload message: %w", err)
	}
	return &m, nil
}

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (created *db.User, err error) {
	start := time.Now()
	defer func() { observe("create_user", start, err) }()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		strings.TrimSpace(username), strings.TrimSpace(email), passwordHash, time.Now().UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("user %q already exists: %w", username, consts.ErrDBUniqueViolation)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}
