package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/migadu/mailgate/pkg/msgcache"
	"github.com/migadu/mailgate/server"
	"github.com/migadu/mailgate/server/idgen"
	"github.com/migadu/mailgate/storage"
)

// SMTPServerBackend is the inbound delivery agent for a single domain. It
// never relays and offers no AUTH.
type SMTPServerBackend struct {
	addr     string
	name     string
	hostname string
	domain   string
	store    db.Store
	cache    *msgcache.Cache
	archiver storage.Archiver
	server   *smtp.Server
	appCtx   context.Context

	tlsConfig   *tls.Config
	implicitTLS bool

	maxMessageSize int64
	maxRecipients  int

	// Connection counters
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

type SMTPServerOptions struct {
	Debug          bool
	TLS            bool
	TLSUseStartTLS bool
	TLSCertFile    string
	TLSKeyFile     string
	// TLSConfig, when set, is used instead of loading TLSCertFile/TLSKeyFile.
	TLSConfig      *tls.Config
	CommandTimeout time.Duration
	// MaxMessageSize caps DATA in bytes; 0 means no limit.
	MaxMessageSize int64
	// MaxRecipients caps RCPT TO per transaction; 0 means no limit.
	MaxRecipients int
	// Archiver, when set, receives every accepted raw message once.
	Archiver storage.Archiver
}

func New(appCtx context.Context, name, hostname, addr, domain string, store db.Store, cache *msgcache.Cache, options SMTPServerOptions) (*SMTPServerBackend, error) {
	if store == nil {
		return nil, errors.New("smtp: store is required")
	}
	if cache == nil {
		return nil, errors.New("smtp: message cache is required")
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, errors.New("smtp: delivery domain is required")
	}

	backend := &SMTPServerBackend{
		addr:           addr,
		name:           name,
		hostname:       hostname,
		domain:         domain,
		store:          store,
		cache:          cache,
		archiver:       options.Archiver,
		appCtx:         appCtx,
		maxMessageSize: options.MaxMessageSize,
		maxRecipients:  options.MaxRecipients,
	}

	if options.TLS || options.TLSUseStartTLS {
		tlsConfig := options.TLSConfig
		if tlsConfig == nil {
			var err error
			tlsConfig, err = server.LoadTLSConfig(options.TLSCertFile, options.TLSKeyFile)
			if err != nil {
				return nil, err
			}
		}
		backend.tlsConfig = tlsConfig
		backend.implicitTLS = options.TLS
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.Network = "tcp"
	s.ReadTimeout = options.CommandTimeout
	s.WriteTimeout = options.CommandTimeout
	if options.MaxMessageSize > 0 {
		// Leave room for the session to see the overflow and answer 552 itself.
		s.MaxMessageBytes = options.MaxMessageSize + 1
	}

	// We only advertise STARTTLS on the plaintext listener.
	if backend.tlsConfig != nil && !backend.implicitTLS {
		s.TLSConfig = backend.tlsConfig
		logger.Debug("SMTP: StartTLS is enabled", "name", name)
	}

	if options.Debug {
		s.Debug = os.Stdout
	}

	backend.server = s
	return backend, nil
}

func (b *SMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	activeCount := b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("smtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Inc()

	s := &SMTPSession{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	s.RemoteIP = server.RemoteHost(c.Conn())
	s.Id = idgen.New()
	s.HostName = b.hostname
	s.ServerName = b.name
	s.Protocol = "SMTP"
	s.Stats = b

	s.DebugLog("new session (connections: active=%d)", activeCount)
	return s, nil
}

// Start binds the listener and serves until the application context ends.
// A bind failure is reported on errChan.
func (b *SMTPServerBackend) Start(errChan chan error) {
	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}

	if b.implicitTLS {
		listener = tls.NewListener(listener, b.tlsConfig)
		logger.Info("SMTP server listening with TLS", "name", b.name, "addr", b.addr, "domain", b.domain)
	} else {
		logger.Info("SMTP server listening", "name", b.name, "addr", b.addr, "domain", b.domain, "starttls", b.tlsConfig != nil)
	}

	if err := b.Serve(listener); err != nil {
		errChan <- fmt.Errorf("SMTP server error: %w", err)
	}
}

// Serve accepts connections on listener until the server is closed.
func (b *SMTPServerBackend) Serve(listener net.Listener) error {
	go func() {
		<-b.appCtx.Done()
		b.server.Close()
	}()

	err := b.server.Serve(listener)
	if b.appCtx.Err() != nil || errors.Is(err, smtp.ErrServerClosed) {
		logger.Info("SMTP server stopped gracefully", "name", b.name)
		return nil
	}
	return err
}

func (b *SMTPServerBackend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *SMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *SMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

// GetAuthenticatedConnections is always zero: SMTP sessions never authenticate.
func (b *SMTPServerBackend) GetAuthenticatedConnections() int64 {
	return 0
}
