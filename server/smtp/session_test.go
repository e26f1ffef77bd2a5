package smtp

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/db/memstore"
	"github.com/migadu/mailgate/pkg/msgcache"
	"github.com/migadu/mailgate/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "example.com"

const testMessage = "From: Bob <bob@example.org>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Lunch\r\n" +
	"Message-Id: <lunch-1@example.org>\r\n" +
	"\r\n" +
	"Are we still on for noon?\r\n"

// failingStore fails CreateMessage for a single user.
type failingStore struct {
	*memstore.Store
	failFor int64
}

func (f *failingStore) CreateMessage(ctx context.Context, msg db.NewMessage) (*db.Message, error) {
	if msg.UserID == f.failFor {
		return nil, errors.New("disk full")
	}
	return f.Store.CreateMessage(ctx, msg)
}

type testServer struct {
	backend *SMTPServerBackend
	addr    string
	cache   *msgcache.Cache
}

func startTestServer(t *testing.T, store db.Store, options SMTPServerOptions) *testServer {
	t.Helper()
	cache := testutils.NewCache(t)
	backend, err := New(context.Background(), "smtp-test", "mx.example.com", "127.0.0.1:0", testDomain, store, cache, options)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go backend.Serve(ln)
	t.Cleanup(func() { backend.Close() })

	return &testServer{backend: backend, addr: ln.Addr().String(), cache: cache}
}

func dial(t *testing.T, addr string) *smtp.Client {
	t.Helper()
	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Hello("client.example.org"))
	return c
}

func sendData(c *smtp.Client, raw string) error {
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(raw)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func requireSMTPCode(t *testing.T, err error, code int, enhanced smtp.EnhancedCode) {
	t.Helper()
	require.Error(t, err)
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected *smtp.SMTPError, got %T: %v", err, err)
	assert.Equal(t, code, smtpErr.Code)
	assert.Equal(t, enhanced, smtpErr.EnhancedCode)
}

func addUser(t *testing.T, store *memstore.Store, username string) *db.User {
	t.Helper()
	hash, err := db.GenerateBcryptHash("secret")
	require.NoError(t, err)
	user, err := store.CreateUser(context.Background(), username, username+"@"+testDomain, hash)
	require.NoError(t, err)
	return user
}

func messagesOf(t *testing.T, store db.Store, userID int64) []db.Message {
	t.Helper()
	msgs, err := store.ListMessages(context.Background(), userID)
	require.NoError(t, err)
	return msgs
}

func TestDeliveryStoresMessageAndInvalidatesCache(t *testing.T) {
	store, alice := testutils.SeedMailbox(t, 1)
	ts := startTestServer(t, store, SMTPServerOptions{})

	ts.cache.Set(alice.ID, messagesOf(t, store, alice.ID))
	_, cached := ts.cache.Get(alice.ID)
	require.True(t, cached)

	c := dial(t, ts.addr)
	require.NoError(t, c.Mail("bob@example.org", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, sendData(c, testMessage))
	require.NoError(t, c.Quit())

	msgs := messagesOf(t, store, alice.ID)
	require.Len(t, msgs, 2)
	got := msgs[0]
	assert.Equal(t, "Lunch", got.Subject)
	assert.Equal(t, "bob@example.org", got.FromAddress)
	assert.Equal(t, "alice@example.com", got.ToAddress)
	assert.Equal(t, "<lunch-1@example.org>", got.MessageID)
	assert.Equal(t, db.FolderInbox, got.Folder)
	assert.False(t, got.IsRead)
	assert.Contains(t, got.Body, "Are we still on for noon?")

	_, cached = ts.cache.Get(alice.ID)
	assert.False(t, cached)
}

func TestRecipientGating(t *testing.T) {
	tests := []struct {
		name     string
		rcpt     string
		code     int
		enhanced smtp.EnhancedCode
	}{
		{"known user", "alice@example.com", 0, smtp.EnhancedCode{}},
		{"case-insensitive", "ALICE@Example.COM", 0, smtp.EnhancedCode{}},
		{"detail suffix", "alice+lists@example.com", 0, smtp.EnhancedCode{}},
		{"other domain", "alice@example.org", 550, smtp.EnhancedCode{5, 7, 1}},
		{"subdomain", "alice@mail.example.com", 550, smtp.EnhancedCode{5, 7, 1}},
		{"unknown user", "nobody@example.com", 550, smtp.EnhancedCode{5, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, alice := testutils.SeedMailbox(t, 0)
			ts := startTestServer(t, store, SMTPServerOptions{})
			c := dial(t, ts.addr)

			require.NoError(t, c.Mail("bob@example.org", nil))
			err := c.Rcpt(tt.rcpt, nil)
			if tt.code == 0 {
				require.NoError(t, err)
				require.NoError(t, sendData(c, testMessage))
				assert.Len(t, messagesOf(t, store, alice.ID), 1)
				return
			}
			requireSMTPCode(t, err, tt.code, tt.enhanced)

			// With no accepted recipient there is nothing to deliver to.
			assert.Error(t, sendData(c, testMessage))
			assert.Empty(t, messagesOf(t, store, alice.ID))
		})
	}
}

func TestRejectedRecipientDoesNotBlockAcceptedOnes(t *testing.T) {
	store, alice := testutils.SeedMailbox(t, 0)
	bob := addUser(t, store, "bob")
	ts := startTestServer(t, store, SMTPServerOptions{})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("carol@example.net", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	assert.Error(t, c.Rcpt("nobody@example.com", nil))
	assert.Error(t, c.Rcpt("bob@elsewhere.org", nil))
	require.NoError(t, sendData(c, testMessage))

	assert.Len(t, messagesOf(t, store, alice.ID), 1)
	assert.Empty(t, messagesOf(t, store, bob.ID))
}

func TestDeliveryIsIndependentPerRecipient(t *testing.T) {
	mem, alice := testutils.SeedMailbox(t, 0)
	bob := addUser(t, mem, "bob")
	store := &failingStore{Store: mem, failFor: alice.ID}
	ts := startTestServer(t, store, SMTPServerOptions{})

	ts.cache.Set(alice.ID, nil)
	ts.cache.Set(bob.ID, nil)

	c := dial(t, ts.addr)
	require.NoError(t, c.Mail("carol@example.net", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	require.NoError(t, sendData(c, testMessage))

	assert.Empty(t, messagesOf(t, mem, alice.ID))
	bobMsgs := messagesOf(t, mem, bob.ID)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, "bob@example.com", bobMsgs[0].ToAddress)

	_, cached := ts.cache.Get(bob.ID)
	assert.False(t, cached)
	_, cached = ts.cache.Get(alice.ID)
	assert.True(t, cached, "nothing changed for alice")
}

func TestDeliveryFailsWhenNoRecipientIsStored(t *testing.T) {
	mem, alice := testutils.SeedMailbox(t, 0)
	store := &failingStore{Store: mem, failFor: alice.ID}
	ts := startTestServer(t, store, SMTPServerOptions{})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("carol@example.net", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	requireSMTPCode(t, sendData(c, testMessage), 451, smtp.EnhancedCode{4, 3, 0})
}

func TestStoreFailureDuringRcptIsTemporary(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 0)
	ts := startTestServer(t, store, SMTPServerOptions{})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("carol@example.net", nil))
	store.SetFailure(errors.New("connection refused"))
	requireSMTPCode(t, c.Rcpt("alice@example.com", nil), 451, smtp.EnhancedCode{4, 3, 0})
}

func TestDuplicateRecipientDeliversOnce(t *testing.T) {
	store, alice := testutils.SeedMailbox(t, 0)
	ts := startTestServer(t, store, SMTPServerOptions{})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("carol@example.net", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, c.Rcpt("alice+work@example.com", nil))
	require.NoError(t, sendData(c, testMessage))

	assert.Len(t, messagesOf(t, store, alice.ID), 1)
}

func TestNullSenderIsAccepted(t *testing.T) {
	store, alice := testutils.SeedMailbox(t, 0)
	ts := startTestServer(t, store, SMTPServerOptions{})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, sendData(c, testMessage))
	assert.Len(t, messagesOf(t, store, alice.ID), 1)
}

func TestMessageSizeLimit(t *testing.T) {
	tests := []struct {
		name        string
		limit       int64
		bodyLines   int
		expectError bool
	}{
		{"within limit", 4096, 10, false},
		{"over limit", 512, 40, true},
		{"no limit configured", 0, 2000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, alice := testutils.SeedMailbox(t, 0)
			ts := startTestServer(t, store, SMTPServerOptions{MaxMessageSize: tt.limit})
			c := dial(t, ts.addr)

			require.NoError(t, c.Mail("bob@example.org", nil))
			require.NoError(t, c.Rcpt("alice@example.com", nil))
			raw := testMessage + strings.Repeat(strings.Repeat("x", 62)+"\r\n", tt.bodyLines)
			err := sendData(c, raw)
			if tt.expectError {
				requireSMTPCode(t, err, 552, smtp.EnhancedCode{5, 3, 4})
				assert.Empty(t, messagesOf(t, store, alice.ID))
				return
			}
			require.NoError(t, err)
			assert.Len(t, messagesOf(t, store, alice.ID), 1)
		})
	}
}

func TestRecipientLimit(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 0)
	addUser(t, store, "bob")
	ts := startTestServer(t, store, SMTPServerOptions{MaxRecipients: 1})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("carol@example.net", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	requireSMTPCode(t, c.Rcpt("bob@example.com", nil), 452, smtp.EnhancedCode{4, 5, 3})
}

func TestArchiveOncePerMessage(t *testing.T) {
	store, alice := testutils.SeedMailbox(t, 0)
	bob := addUser(t, store, "bob")
	archiver := testutils.NewMockArchiver()
	ts := startTestServer(t, store, SMTPServerOptions{Archiver: archiver})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("carol@example.net", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	require.NoError(t, sendData(c, testMessage))

	assert.Equal(t, 1, archiver.Count())
	aliceMsgs := messagesOf(t, store, alice.ID)
	bobMsgs := messagesOf(t, store, bob.ID)
	require.Len(t, aliceMsgs, 1)
	require.Len(t, bobMsgs, 1)
	assert.NotEmpty(t, aliceMsgs[0].ContentHash)
	assert.Equal(t, aliceMsgs[0].ContentHash, bobMsgs[0].ContentHash)
}

func TestArchiveFailureDoesNotBlockDelivery(t *testing.T) {
	store, alice := testutils.SeedMailbox(t, 0)
	archiver := testutils.NewMockArchiver()
	archiver.Err = errors.New("bucket unreachable")
	ts := startTestServer(t, store, SMTPServerOptions{Archiver: archiver})
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("carol@example.net", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, sendData(c, testMessage))

	msgs := messagesOf(t, store, alice.ID)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ContentHash)
}

func TestHTMLOnlyMessageIsConvertedToText(t *testing.T) {
	store, alice := testutils.SeedMailbox(t, 0)
	ts := startTestServer(t, store, SMTPServerOptions{})
	c := dial(t, ts.addr)

	raw := "From: news@example.org\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: Newsletter\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>Hello <b>Alice</b></p></body></html>\r\n"

	require.NoError(t, c.Mail("news@example.org", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, sendData(c, raw))

	msgs := messagesOf(t, store, alice.ID)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "Hello")
	assert.Contains(t, msgs[0].Body, "Alice")
	assert.NotContains(t, msgs[0].Body, "<p>")
}

func TestStartTLS(t *testing.T) {
	certFile, keyFile := testutils.WriteSelfSignedCert(t)
	store, alice := testutils.SeedMailbox(t, 0)
	ts := startTestServer(t, store, SMTPServerOptions{
		TLSUseStartTLS: true,
		TLSCertFile:    certFile,
		TLSKeyFile:     keyFile,
	})
	c := dial(t, ts.addr)

	ok, _ := c.Extension("STARTTLS")
	require.True(t, ok)
	require.NoError(t, c.StartTLS(testutils.ClientTLSConfig()))

	require.NoError(t, c.Mail("bob@example.org", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, sendData(c, testMessage))
	assert.Len(t, messagesOf(t, store, alice.ID), 1)
}

func TestNewRequiresDomain(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 0)
	_, err := New(context.Background(), "smtp-test", "mx", "127.0.0.1:0", " ", store, testutils.NewCache(t), SMTPServerOptions{})
	assert.Error(t, err)
}
