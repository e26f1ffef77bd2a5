package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/authgate"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/migadu/mailgate/pkg/msgcache"
	serverPkg "github.com/migadu/mailgate/server"
	"github.com/migadu/mailgate/server/idgen"
)

type POP3Server struct {
	addr     string
	name     string
	hostname string
	store    db.Store
	gate     *authgate.Gate
	cache    *msgcache.Cache
	appCtx   context.Context
	cancel   context.CancelFunc

	// tlsConfig terminates TLS on accept; startTLSConfig is offered through STLS.
	tlsConfig      *tls.Config
	startTLSConfig *tls.Config

	commandTimeout time.Duration
	debug          bool

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	listenerMu sync.Mutex
	listener   net.Listener

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup
}

type POP3ServerOptions struct {
	Debug          bool
	TLS            bool
	TLSUseStartTLS bool
	TLSCertFile    string
	TLSKeyFile     string
	// TLSConfig, when set, is used instead of loading TLSCertFile/TLSKeyFile.
	TLSConfig      *tls.Config
	CommandTimeout time.Duration
}

func New(appCtx context.Context, name, hostname, popAddr string, store db.Store, cache *msgcache.Cache, options POP3ServerOptions) (*POP3Server, error) {
	if store == nil {
		return nil, errors.New("pop3: store is required")
	}
	if cache == nil {
		return nil, errors.New("pop3: message cache is required")
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &POP3Server{
		hostname:       hostname,
		name:           name,
		addr:           popAddr,
		store:          store,
		gate:           authgate.New(store),
		cache:          cache,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		commandTimeout: options.CommandTimeout,
		debug:          options.Debug,
		activeSessions: make(map[*POP3Session]struct{}),
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
		if options.TLS {
			server.tlsConfig = tlsConfig
		} else {
			server.startTLSConfig = tlsConfig
		}
	}

	return server, nil
}

// Start binds the listener and serves until the application context ends.
// A bind failure is reported on errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	logger.Info("POP3 server listening", "name", s.name, "addr", s.addr, "tls", s.tlsConfig != nil, "stls", s.startTLSConfig != nil)

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until the server is closed.
func (s *POP3Server) Serve(listener net.Listener) error {
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	go func() {
		<-s.appCtx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.appCtx.Err() != nil {
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return nil
			}
			if serverPkg.IsConnectionError(err) {
				logger.Debug("POP3: accept failed", "name", s.name, "error", err)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		go s.ServeConn(conn)
	}
}

// ServeConn runs one session on conn and returns when it ends.
func (s *POP3Server) ServeConn(conn net.Conn) {
	session := s.newSession(conn)
	s.addSession(session)
	defer s.removeSession(session)
	session.handleConnection()
}

func (s *POP3Server) newSession(conn net.Conn) *POP3Session {
	totalCount := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	_, isTLS := conn.(*tls.Conn)
	session := &POP3Session{
		server:    s,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		isTLS:     isTLS,
		startTime: time.Now(),
		phase:     phaseAuthorization,
	}
	session.RemoteIP = serverPkg.RemoteHost(conn)
	session.Protocol = "POP3"
	session.ServerName = s.name
	session.Id = idgen.New()
	session.HostName = s.hostname
	session.Stats = s

	authCount := s.authenticatedConnections.Load()
	session.DebugLog("new session (connections: total=%d, authenticated=%d)", totalCount, authCount)
	return session
}

// Addr returns the bound listener address, or nil before Serve.
func (s *POP3Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *POP3Server) Close() {
	// Step 1: Send graceful shutdown messages to all active sessions
	s.sendGracefulShutdownMessage()

	// Step 2: Cancel context; this also closes the listener
	if s.cancel != nil {
		s.cancel()
	}

	// Step 3: Wait for active sessions to finish gracefully (with timeout)
	s.waitForSessionsDrain(30 * time.Second)
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
	s.sessionsWg.Add(1)
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	if _, ok := s.activeSessions[session]; ok {
		delete(s.activeSessions, session)
		s.sessionsWg.Done()
	}
}

// sendGracefulShutdownMessage tells every connected client that the server
// is going away and closes its connection to unblock pending reads.
func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Debug("POP3: Sending graceful shutdown message to active connections", "name", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		if conn := session.currentConn(); conn != nil {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.Write([]byte("-ERR Server shutting down, please reconnect\r\n"))
		}
	}

	// Give clients a brief moment to receive the message
	time.Sleep(500 * time.Millisecond)

	for _, session := range activeSessions {
		if conn := session.currentConn(); conn != nil {
			conn.Close()
		}
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
