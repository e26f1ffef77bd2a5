package testutils

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/db/memstore"
	"github.com/migadu/mailgate/helpers"
	"github.com/migadu/mailgate/pkg/msgcache"
	"github.com/stretchr/testify/require"
)

const (
	TestUser     = "alice"
	TestEmail    = "alice@example.com"
	TestPassword = "correct horse"
)

// SeedTime is the receipt time of the oldest seeded message; each further
// message arrives one minute later.
var SeedTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

var (
	hashOnce   sync.Once
	cachedHash string
)

func passwordHash(t *testing.T) string {
	hashOnce.Do(func() {
		h, err := db.GenerateBcryptHash(TestPassword)
		if err == nil {
			cachedHash = h
		}
	})
	require.NotEmpty(t, cachedHash, "failed to hash test password")
	return cachedHash
}

// SeedMailbox returns a store holding alice@example.com with n inbox
// messages "Message 1" (oldest) through "Message n" (newest).
func SeedMailbox(t *testing.T, n int) (*memstore.Store, *db.User) {
	t.Helper()
	store := memstore.New()
	user, err := store.CreateUser(context.Background(), TestUser, TestEmail, passwordHash(t))
	require.NoError(t, err)

	for i := 1; i <= n; i++ {
		AddMessage(t, store, user.ID, db.NewMessage{
			Subject: fmt.Sprintf("Message %d", i),
			Body:    fmt.Sprintf("Body of message %d\r\nSecond line\r\nThird line", i),
		}, i)
	}
	return store, user
}

// AddMessage creates msg for userID with a receipt time offset minutes
// after SeedTime. Empty address fields get defaults.
func AddMessage(t *testing.T, store db.Store, userID int64, msg db.NewMessage, offset int) *db.Message {
	t.Helper()
	msg.UserID = userID
	if msg.FromAddress == "" {
		msg.FromAddress = "bob@example.org"
	}
	if msg.ToAddress == "" {
		msg.ToAddress = TestEmail
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = SeedTime.Add(time.Duration(offset) * time.Minute)
	}
	created, err := store.CreateMessage(context.Background(), msg)
	require.NoError(t, err)
	return created
}

// NewCache returns a message cache that is stopped when the test ends.
func NewCache(t *testing.T) *msgcache.Cache {
	t.Helper()
	c := msgcache.New(5*time.Minute, time.Hour)
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

// MockArchiver is an in-memory storage.Archiver.
type MockArchiver struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Err     error
}

func NewMockArchiver() *MockArchiver {
	return &MockArchiver{Objects: make(map[string][]byte)}
}

func (m *MockArchiver) Archive(ctx context.Context, domain string, raw []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	hash := helpers.HashContent(raw)
	m.Objects[helpers.NewS3Key(domain, hash)] = append([]byte(nil), raw...)
	return hash, nil
}

func (m *MockArchiver) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Objects)
}
