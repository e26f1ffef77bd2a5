package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/authgate"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/migadu/mailgate/pkg/msgcache"
	serverPkg "github.com/migadu/mailgate/server"
	"github.com/migadu/mailgate/server/idgen"
)

// uidValidity is constant: UIDs are store ids and are never reassigned.
const uidValidity uint32 = 1

type IMAPServer struct {
	addr     string
	name     string
	hostname string
	store    db.Store
	gate     *authgate.Gate
	cache    *msgcache.Cache
	appCtx   context.Context
	cancel   context.CancelFunc
	server   *imapserver.Server
	caps     imap.CapSet

	// tlsConfig is used for STARTTLS, and also on accept when implicitTLS is set.
	tlsConfig   *tls.Config
	implicitTLS bool

	commandTimeout time.Duration
	appendLimit    int64

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	listenerMu sync.Mutex
	listener   net.Listener
}

type IMAPServerOptions struct {
	Debug          bool
	TLS            bool
	TLSUseStartTLS bool
	TLSCertFile    string
	TLSKeyFile     string
	// TLSConfig, when set, is used instead of loading TLSCertFile/TLSKeyFile.
	TLSConfig      *tls.Config
	CommandTimeout time.Duration
	// AppendLimit caps APPEND literals in bytes; 0 means no limit.
	AppendLimit    int64
}

func New(appCtx context.Context, name, hostname, imapAddr string, store db.Store, cache *msgcache.Cache, options IMAPServerOptions) (*IMAPServer, error) {
	if store == nil {
		return nil, errors.New("imap: store is required")
	}
	if cache == nil {
		return nil, errors.New("imap: message cache is required")
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &IMAPServer{
		hostname:       hostname,
		name:           name,
		addr:           imapAddr,
		store:          store,
		gate:           authgate.New(store),
		cache:          cache,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		commandTimeout: options.CommandTimeout,
		appendLimit:    options.AppendLimit,
		caps: imap.CapSet{
			imap.CapIMAP4rev1:   struct{}{},
			imap.CapLiteralPlus: struct{}{},
			imap.CapSASLIR:      struct{}{},
			imap.CapAuthPlain:   struct{}{},
			imap.CapUnselect:    struct{}{},
		},
	}

	if options.TLS || options.TLSUseStartTLS {
		tlsConfig := options.TLSConfig
		if tlsConfig == nil {
			var err error
			tlsConfig, err = serverPkg.LoadTLSConfig(options.TLSCertFile, options.TLSKeyFile)
			if err != nil {
				serverCancel()
				return nil, err
			}
		}
		s.tlsConfig = tlsConfig
		s.implicitTLS = options.TLS
	}

	var debugWriter io.Writer
	if options.Debug {
		debugWriter = os.Stdout
	}

	s.server = imapserver.New(&imapserver.Options{
		NewSession:   s.newSession,
		Logger:       slog.NewLogLogger(logger.Get().Handler(), slog.LevelWarn),
		InsecureAuth: !options.TLS,
		DebugWriter:  debugWriter,
		Caps:         s.caps,
		TLSConfig:    s.tlsConfig,
	})

	return s, nil
}

func (s *IMAPServer) newSession(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	totalCount := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("imap").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("imap").Inc()

	netConn := conn.NetConn()

	session := &IMAPSession{
		server:    s,
		conn:      conn,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	session.RemoteIP = serverPkg.RemoteHost(netConn)
	session.Protocol = "IMAP"
	session.ServerName = s.name
	session.Id = idgen.New()
	session.HostName = s.hostname
	session.Stats = s

	greeting := &imapserver.GreetingData{
		PreAuth: false,
	}

	authCount := s.authenticatedConnections.Load()
	session.DebugLog("connected (connections: total=%d, authenticated=%d)", totalCount, authCount)

	return session, greeting, nil
}

// Start binds the listener and serves until the application context ends.
// A bind failure is reported on errChan.
func (s *IMAPServer) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	if s.commandTimeout > 0 {
		listener = &timeoutListener{Listener: listener, idleTimeout: s.commandTimeout}
	}
	if s.implicitTLS {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	logger.Info("IMAP server listening", "name", s.name, "addr", s.addr, "tls", s.implicitTLS, "starttls", s.tlsConfig != nil && !s.implicitTLS)

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until the server is closed.
func (s *IMAPServer) Serve(listener net.Listener) error {
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	go func() {
		<-s.appCtx.Done()
		s.server.Close()
	}()

	err := s.server.Serve(listener)
	if s.appCtx.Err() != nil {
		return nil
	}
	return err
}

// Addr returns the bound listener address, or nil before Serve.
func (s *IMAPServer) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *IMAPServer) Close() {
	s.cancel()
	if s.server != nil {
		// This closes the listener and the active client connections.
		s.server.Close()
	}
}

// GetTotalConnections returns the current total connection count
func (s *IMAPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *IMAPServer) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
