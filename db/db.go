package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/mailgate/config"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/metrics"
)

const driverPostgres = "postgres"

// Database is the PostgreSQL implementation of Store and AccountStore.
type Database struct {
	Pool *pgxpool.Pool
}

var (
	_ Store        = (*Database)(nil)
	_ AccountStore = (*Database)(nil)
)

// NewDatabase opens a connection pool and verifies it with a ping.
func NewDatabase(ctx context.Context, cfg config.PostgresConfig) (*Database, error) {
	logger.Info("Database: connecting", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "user", cfg.User, "tls", cfg.TLSMode)

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool created", "max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns)
	return &Database{Pool: pool}, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// observe records the duration and outcome of a store operation.
func observe(driver, operation string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues(driver, operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, consts.ErrUserNotFound) && !errors.Is(err, consts.ErrMessageNotFound) {
		status = "failure"
	}
	metrics.StoreOperationsTotal.WithLabelValues(driver, operation, status).Inc()
}

const userColumns = `id, username, email, password_hash, created_at`

func (db *Database) FindUserByIdentifier(ctx context.Context, identifier string) (user *User, err error) {
	start := time.Now()
	defer func() { observe(driverPostgres, "find_user", start, err) }()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, consts.ErrUserNotFound
	}

	var u User
	err = db.Pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(username) = LOWER($1) OR LOWER(email) = LOWER($1)
		ORDER BY id
		LIMIT 1`, identifier).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &u, nil
}

const messageColumns = `id, user_id, from_address, to_address, subject, body, message_id,
	COALESCE(content_hash, ''), is_read, is_starred, folder, received_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var folder string
	if err := row.Scan(&m.ID, &m.UserID, &m.FromAddress, &m.ToAddress, &m.Subject, &m.Body,
		&m.MessageID, &m.ContentHash, &m.IsRead, &m.IsStarred, &folder, &m.ReceivedAt); err != nil {
		return m, err
	}
	f, err := ParseFolder(folder)
	if err != nil {
		return m, err
	}
	m.Folder = f
	return m, nil
}

func (db *Database) ListMessages(ctx context.Context, userID int64) (msgs []Message, err error) {
	start := time.Now()
	defer func() { observe(driverPostgres, "list_messages", start, err) }()

	rows, err := db.Pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE user_id = $1
		ORDER BY received_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs = []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

func (db *Database) UpdateMessageFlags(ctx context.Context, messageID int64, update MessageFlagsUpdate) (err error) {
	start := time.Now()
	defer func() { observe(driverPostgres, "update_flags", start, err) }()

	var folder *string
	if update.Folder != nil {
		s := string(*update.Folder)
		folder = &s
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE messages
		SET is_read = COALESCE($2, is_read),
		    is_starred = COALESCE($3, is_starred),
		    folder = COALESCE($4, folder)
		WHERE id = $1`, messageID, update.IsRead, update.IsStarred, folder)
	if err != nil {
		return fmt.Errorf("failed to update message flags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

func (db *Database) CreateMessage(ctx context.Context, msg NewMessage) (created *Message, err error) {
	start := time.Now()
	defer func() { observe(driverPostgres, "create_message", start, err) }()

	if msg.Folder == "" {
		msg.Folder = FolderInbox
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	var contentHash *string
	if msg.ContentHash != "" {
		contentHash = &msg.ContentHash
	}

	row := db.Pool.QueryRow(ctx, `
		INSERT INTO messages (user_id, from_address, to_address, subject, body, message_id, content_hash, folder, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		msg.UserID, msg.FromAddress, msg.ToAddress, msg.Subject, msg.Body, msg.MessageID, contentHash,
		string(msg.Folder), msg.ReceivedAt)

	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return &m, nil
}

func (db *Database) CreateUser(ctx context.Context, username, email, passwordHash string) (created *User, err error) {
	start := time.Now()
	defer func() { observe(driverPostgres, "create_user", start, err) }()

	var u User
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO users (username, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		strings.TrimSpace(username), strings.TrimSpace(email), passwordHash,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("user %q already exists: %w", username, consts.ErrDBUniqueViolation)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}
