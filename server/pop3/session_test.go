package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/db/memstore"
	serverPkg "github.com/migadu/mailgate/server"
	"github.com/migadu/mailgate/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, store *memstore.Store, options POP3ServerOptions) *POP3Server {
	t.Helper()
	srv, err := New(context.Background(), "pop3-test", "localhost", "127.0.0.1:0", store, testutils.NewCache(t), options)
	require.NoError(t, err)
	t.Cleanup(func() { srv.cancel() })
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// dial runs a session over net.Pipe and consumes the greeting.
func dial(t *testing.T, srv *POP3Server) *testClient {
	t.Helper()
	client, serverSide := net.Pipe()
	go srv.ServeConn(serverSide)
	t.Cleanup(func() { client.Close() })

	c := &testClient{t: t, conn: client, r: bufio.NewReader(client)}
	c.conn.SetDeadline(time.Now().Add(10 * time.Second))
	assert.Equal(t, "+OK POP3 server ready", c.readLine())
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\r\n")
}

func (c *testClient) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

// readMultiline reads up to the terminating dot and un-stuffs the lines.
func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, strings.TrimPrefix(line, "."))
	}
}

// readBody reads a multi-line body and returns the exact content the
// server meant to transmit.
func (c *testClient) readBody() string {
	c.t.Helper()
	var b strings.Builder
	for _, line := range c.readMultiline() {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

func (c *testClient) login() {
	c.t.Helper()
	require.Equal(c.t, "+OK User accepted", c.cmd("USER "+testutils.TestEmail))
	require.Equal(c.t, "+OK Mailbox locked and ready", c.cmd("PASS "+testutils.TestPassword))
}

func (c *testClient) list() (string, []string) {
	c.t.Helper()
	status := c.cmd("LIST")
	require.True(c.t, strings.HasPrefix(status, "+OK"), status)
	return status, c.readMultiline()
}

func (c *testClient) quit() {
	c.t.Helper()
	assert.Equal(c.t, "+OK Goodbye", c.cmd("QUIT"))
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(c.t, err, io.EOF)
}

func octets(t *testing.T, status string) int {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(status, "+OK %d octets", &n)
	require.NoError(t, err, status)
	return n
}

func TestCommandTableIsComplete(t *testing.T) {
	for c := cmdUnknown + 1; c < numCommands; c++ {
		assert.NotNil(t, commandTable[c].handler, "command %s has no handler", c)
		assert.Equal(t, c, parseCommand(strings.ToLower(c.String())))
	}
	assert.Equal(t, cmdUnknown, parseCommand("XYZZY"))
}

func TestAuthorizationPhase(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 1)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))

	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"transaction command before login", "STAT", "-ERR Not authenticated"},
		{"retr before login", "RETR 1", "-ERR Not authenticated"},
		{"pass without user", "PASS secret", "-ERR USER required first"},
		{"unknown command", "FROB", "-ERR Unknown command: FROB"},
		{"stls without tls", "STLS", "-ERR STLS not available"},
		{"empty line", "", "-ERR Empty command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.cmd(tt.command))
		})
	}

	// The connection survives every error above.
	c.login()
}

func TestAuthenticationFailuresAreGeneric(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 1)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))

	c.cmd("USER nobody@example.com")
	unknown := c.cmd("PASS " + testutils.TestPassword)
	c.cmd("USER " + testutils.TestEmail)
	wrong := c.cmd("PASS wrong")

	assert.Equal(t, "-ERR [AUTH] Authentication failed", unknown)
	assert.Equal(t, unknown, wrong)

	// Still in AUTHORIZATION and able to log in.
	assert.Equal(t, "-ERR Not authenticated", c.cmd("LIST"))
	c.login()
}

func TestLoginByUsername(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 2)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))

	c.cmd("USER " + testutils.TestUser)
	assert.Equal(t, "+OK Mailbox locked and ready", c.cmd("PASS "+testutils.TestPassword))
	assert.Equal(t, "-ERR Command not valid in TRANSACTION state", c.cmd("USER again"))
}

func TestCapa(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 0)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))

	assert.Equal(t, "+OK Capability list follows", c.cmd("CAPA"))
	caps := c.readMultiline()
	assert.Contains(t, caps, "TOP")
	assert.Contains(t, caps, "USER")
	assert.Contains(t, caps, "UIDL")
	assert.Contains(t, caps, "PIPELINING")
	assert.Contains(t, caps, "SASL PLAIN")
	assert.NotContains(t, caps, "STLS")
}

func TestEndToEndDeleteAndQuit(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 3)
	srv := newTestServer(t, store, POP3ServerOptions{})

	c := dial(t, srv)
	c.login()
	status, lines := c.list()
	assert.Equal(t, "+OK 3 messages", status)
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.True(t, strings.HasPrefix(line, strconv.Itoa(i+1)+" "), line)
	}

	assert.Equal(t, "+OK Message 2 deleted", c.cmd("DELE 2"))
	c.quit()

	c2 := dial(t, srv)
	c2.login()
	status, lines = c2.list()
	assert.Equal(t, "+OK 2 messages", status)
	assert.Len(t, lines, 2)

	trashed := 0
	for id := int64(1); id <= 3; id++ {
		msg, ok := store.Message(id)
		require.True(t, ok)
		if msg.Folder == db.FolderTrash {
			trashed++
			assert.Equal(t, "Message 2", msg.Subject, "the second newest message was deleted")
		}
	}
	assert.Equal(t, 1, trashed)
}

func TestDeleThenRsetRestoresList(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 4)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))
	c.login()

	before, beforeLines := c.list()

	for _, n := range []string{"1", "3"} {
		require.True(t, strings.HasPrefix(c.cmd("DELE "+n), "+OK"))
	}
	mid, midLines := c.list()
	assert.Equal(t, "+OK 2 messages", mid)
	assert.Len(t, midLines, 2)

	assert.True(t, strings.HasPrefix(c.cmd("RSET"), "+OK"))
	after, afterLines := c.list()
	assert.Equal(t, before, after)
	assert.Equal(t, beforeLines, afterLines)

	// RSET has no store effect.
	c.quit()
	for id := int64(1); id <= 4; id++ {
		msg, _ := store.Message(id)
		assert.Equal(t, db.FolderInbox, msg.Folder)
	}
}

func TestDeletedMessageIsRejected(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 3)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))
	c.login()

	require.Equal(t, "+OK Message 2 deleted", c.cmd("DELE 2"))

	tests := []struct {
		command string
		want    string
	}{
		{"RETR 2", "-ERR Message 2 already deleted"},
		{"TOP 2 1", "-ERR Message 2 already deleted"},
		{"DELE 2", "-ERR Message 2 already deleted"},
		{"LIST 2", "-ERR Message 2 already deleted"},
		{"UIDL 2", "-ERR Message 2 already deleted"},
		{"RETR 9", "-ERR No such message"},
		{"RETR x", "-ERR Invalid message number"},
		{"RETR", "-ERR Syntax: RETR <msg>"},
		{"TOP 1 -1", "-ERR Invalid line count"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, c.cmd(tt.command))
		})
	}

	// Numbers stay fixed: message 3 is still 3.
	assert.True(t, strings.HasPrefix(c.cmd("LIST 3"), "+OK 3 "))
	count, _, _ := strings.Cut(strings.TrimPrefix(c.cmd("STAT"), "+OK "), " ")
	assert.Equal(t, "2", count)
}

func TestRetrAndTopSizesAreExact(t *testing.T) {
	store, user := testutils.SeedMailbox(t, 2)
	testutils.AddMessage(t, store, user.ID, db.NewMessage{
		Subject:   "dots",
		Body:      ".leading dot\n.\nmiddle\r\n..double\nno trailing newline",
		MessageID: "<dots@example.org>",
	}, 10)

	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))
	c.login()

	_, lines := c.list()
	require.Len(t, lines, 3)

	for n := 1; n <= 3; n++ {
		var listed int
		_, err := fmt.Sscanf(strings.TrimPrefix(c.cmd(fmt.Sprintf("LIST %d", n)), "+OK "), "%d %d", new(int), &listed)
		require.NoError(t, err)

		status := c.cmd(fmt.Sprintf("RETR %d", n))
		body := c.readBody()
		assert.Equal(t, len(body), octets(t, status), "RETR %d", n)
		assert.Equal(t, listed, len(body), "LIST %d", n)

		for _, k := range []int{0, 1, 2, 50} {
			status := c.cmd(fmt.Sprintf("TOP %d %d", n, k))
			top := c.readBody()
			assert.Equal(t, len(top), octets(t, status), "TOP %d %d", n, k)
			assert.True(t, strings.HasPrefix(body, top))
		}
	}

	// The newest message is the dotted one.
	assert.True(t, strings.HasPrefix(c.cmd("RETR 1"), "+OK"))
	body := c.readBody()
	assert.Contains(t, body, "Subject: dots\r\n")
	assert.Contains(t, body, "Message-Id: <dots@example.org>\r\n")
	assert.True(t, strings.HasSuffix(body, "\r\n\r\n.leading dot\r\n.\r\nmiddle\r\n..double\r\nno trailing newline\r\n"))
}

func TestUIDL(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 3)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))
	c.login()

	assert.Equal(t, "+OK", c.cmd("UIDL"))
	// Newest first: store ids 3, 2, 1.
	assert.Equal(t, []string{"1 3", "2 2", "3 1"}, c.readMultiline())
	assert.Equal(t, "+OK 2 2", c.cmd("UIDL 2"))
	assert.Equal(t, "+OK", c.cmd("NOOP"))
}

func TestSnapshotIsStableUntilRset(t *testing.T) {
	store, user := testutils.SeedMailbox(t, 2)
	srv := newTestServer(t, store, POP3ServerOptions{})
	c := dial(t, srv)
	c.login()

	// A delivery during the session invalidates the cache but the session
	// keeps its snapshot.
	testutils.AddMessage(t, store, user.ID, db.NewMessage{Subject: "late"}, 30)
	srv.cache.Invalidate(user.ID)

	status, _ := c.list()
	assert.Equal(t, "+OK 2 messages", status)

	require.True(t, strings.HasPrefix(c.cmd("RSET"), "+OK"))
	status, _ = c.list()
	assert.Equal(t, "+OK 3 messages", status)
}

func TestTrashedMessagesAreNotListed(t *testing.T) {
	store, user := testutils.SeedMailbox(t, 2)
	testutils.AddMessage(t, store, user.ID, db.NewMessage{Subject: "gone", Folder: db.FolderTrash}, 5)

	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))
	c.login()
	status, _ := c.list()
	assert.Equal(t, "+OK 2 messages", status)
}

func TestAuthPlain(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 1)
	srv := newTestServer(t, store, POP3ServerOptions{})
	creds := func(authz, user, pass string) string {
		return base64.StdEncoding.EncodeToString([]byte(authz + "\x00" + user + "\x00" + pass))
	}

	t.Run("initial response", func(t *testing.T) {
		c := dial(t, srv)
		assert.Equal(t, "+OK Mailbox locked and ready", c.cmd("AUTH PLAIN "+creds("", testutils.TestEmail, testutils.TestPassword)))
		assert.Equal(t, "+OK 1 messages", c.cmd("LIST"))
	})

	t.Run("continuation", func(t *testing.T) {
		c := dial(t, srv)
		assert.Equal(t, "+ ", c.cmd("AUTH PLAIN"))
		assert.Equal(t, "+OK Mailbox locked and ready", c.cmd(creds("", testutils.TestUser, testutils.TestPassword)))
	})

	t.Run("wrong password", func(t *testing.T) {
		c := dial(t, srv)
		assert.Equal(t, "-ERR [AUTH] Authentication failed", c.cmd("AUTH PLAIN "+creds("", testutils.TestEmail, "nope")))
	})

	t.Run("impersonation", func(t *testing.T) {
		c := dial(t, srv)
		assert.Equal(t, "-ERR [AUTH] Authentication failed", c.cmd("AUTH PLAIN "+creds("root", testutils.TestEmail, testutils.TestPassword)))
	})

	t.Run("cancelled", func(t *testing.T) {
		c := dial(t, srv)
		assert.Equal(t, "+ ", c.cmd("AUTH PLAIN"))
		assert.Equal(t, "-ERR Authentication cancelled", c.cmd("*"))
	})

	t.Run("bad base64", func(t *testing.T) {
		c := dial(t, srv)
		assert.Equal(t, "-ERR Invalid base64 encoding", c.cmd("AUTH PLAIN !!!"))
	})

	t.Run("unsupported mechanism", func(t *testing.T) {
		c := dial(t, srv)
		assert.Equal(t, "-ERR Unsupported authentication mechanism", c.cmd("AUTH CRAM-MD5"))
	})
}

func TestStoreFailureDuringLoginEndsSession(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 1)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))

	store.SetFailure(errors.New("connection refused"))
	c.cmd("USER " + testutils.TestEmail)
	assert.Equal(t, "-ERR [SYS/TEMP] Mailbox temporarily unavailable", c.cmd("PASS "+testutils.TestPassword))

	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestQuitCommitFailureIsReported(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 2)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))
	c.login()

	c.cmd("DELE 1")
	store.SetFailure(errors.New("disk full"))
	assert.Equal(t, "-ERR Some deleted messages not removed", c.cmd("QUIT"))
}

func TestQuitBeforeLogin(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 0)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{}))
	c.quit()
}

func TestSTLSUpgradeResumesCommandLoop(t *testing.T) {
	certFile, keyFile := testutils.WriteSelfSignedCert(t)
	tlsConfig, err := serverPkg.LoadTLSConfig(certFile, keyFile)
	require.NoError(t, err)

	store, _ := testutils.SeedMailbox(t, 2)
	c := dial(t, newTestServer(t, store, POP3ServerOptions{TLSUseStartTLS: true, TLSConfig: tlsConfig}))

	assert.Equal(t, "+OK Capability list follows", c.cmd("CAPA"))
	assert.Contains(t, c.readMultiline(), "STLS")

	// A USER given in plaintext does not survive the upgrade.
	c.cmd("USER " + testutils.TestEmail)
	require.Equal(t, "+OK Begin TLS negotiation", c.cmd("STLS"))

	tlsConn := tls.Client(c.conn, testutils.ClientTLSConfig())
	require.NoError(t, tlsConn.Handshake())
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)

	assert.Equal(t, "-ERR USER required first", c.cmd("PASS "+testutils.TestPassword))

	assert.Equal(t, "+OK Capability list follows", c.cmd("CAPA"))
	assert.NotContains(t, c.readMultiline(), "STLS")
	assert.Equal(t, "-ERR Already using TLS", c.cmd("STLS"))

	c.login()
	status, _ := c.list()
	assert.Equal(t, "+OK 2 messages", status)
	c.quit()
}

func TestServeOverTCP(t *testing.T) {
	store, _ := testutils.SeedMailbox(t, 1)
	srv := newTestServer(t, store, POP3ServerOptions{})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	assert.Equal(t, "+OK POP3 server ready", c.readLine())
	c.login()

	assert.Eventually(t, func() bool { return srv.GetAuthenticatedConnections() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.GetTotalConnections())

	go srv.Close()
	line, _ := c.r.ReadString('\n')
	assert.Equal(t, "-ERR Server shutting down, please reconnect\r\n", line)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	assert.Eventually(t, func() bool { return srv.GetTotalConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
}
