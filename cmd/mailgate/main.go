package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/mailgate/config"
	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/db/sqlitestore"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/migadu/mailgate/pkg/msgcache"
	"github.com/migadu/mailgate/server/imap"
	"github.com/migadu/mailgate/server/pop3"
	"github.com/migadu/mailgate/server/smtp"
	"github.com/migadu/mailgate/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverDependencies holds the shared services handed to every server.
type serverDependencies struct {
	store     db.Store
	closers   []func()
	cache     *msgcache.Cache
	archiver  storage.Archiver
	collector *metrics.Collector
	hostname  string
	config    config.Config
	wg        sync.WaitGroup
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailgate version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) && !isFlagSet("config") {
			fmt.Fprintf(os.Stderr, "MAILGATE: default configuration file '%s' not found, using defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "MAILGATE: failed to load configuration '%s': %v\n", *configPath, err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "MAILGATE: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILGATE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "MAILGATE: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("mailgate starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer deps.close()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		logger.Infof("Waiting for all servers to stop gracefully...")
		done := make(chan struct{})
		go func() {
			deps.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Infof("All server listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		// Only a listener bind failure ends up here.
		deps.close()
		logger.Fatalf("Server error: %v", err)
	}
}

// initializeServices opens the mailbox store, the message cache and the
// optional archive.
func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	deps := &serverDependencies{hostname: hostname, config: cfg}

	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.AutoMigrate {
			logger.Info("Running database migrations")
			if err := db.RunMigrations(ctx, cfg.Store.Postgres); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		logger.Infof("Connecting to database at %s:%s as user %s, using database %s",
			cfg.Store.Postgres.Host, cfg.Store.Postgres.Port, cfg.Store.Postgres.User, cfg.Store.Postgres.Name)
		database, err := db.NewDatabase(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the database: %w", err)
		}
		deps.store = database
		deps.closers = append(deps.closers, database.Close)
	case "sqlite":
		logger.Infof("Opening SQLite store at %s", cfg.Store.SQLite.Path)
		store, err := sqlitestore.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		deps.store = store
		deps.closers = append(deps.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Error closing sqlite store", "error", err)
			}
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	ttl, err := cfg.Cache.GetTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid cache ttl: %w", err)
	}
	sweep, err := cfg.Cache.GetSweepInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid cache sweep interval: %w", err)
	}
	deps.cache = msgcache.New(ttl, sweep)
	deps.closers = append(deps.closers, func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := deps.cache.Stop(stopCtx); err != nil {
			logger.Warn("Message cache did not stop cleanly", "error", err)
		}
	})
	logger.Info("Message cache ready", "ttl", ttl, "sweep_interval", sweep)

	if cfg.S3.Enabled {
		logger.Infof("Connecting to S3 endpoint '%s', bucket '%s'", cfg.S3.Endpoint, cfg.S3.Bucket)
		s3storage, err := storage.New(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage at endpoint '%s': %w", cfg.S3.Endpoint, err)
		}
		deps.archiver = s3storage
	}

	deps.collector = metrics.NewCollector(deps.cache, 0)
	deps.closers = append(deps.closers, deps.collector.Stop)

	return deps, nil
}

// close releases the shared services in reverse order of creation. It is
// safe to call more than once.
func (d *serverDependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 1)

	for _, server := range deps.config.GetAllServers() {
		switch server.Type {
		case config.ServerTypePOP3:
			go startPOP3Server(ctx, deps, server, errChan)
		case config.ServerTypeIMAP:
			go startIMAPServer(ctx, deps, server, errChan)
		case config.ServerTypeSMTP:
			go startSMTPServer(ctx, deps, server, errChan)
		case config.ServerTypeMetrics:
			go startMetricsServer(ctx, deps, server, errChan)
		default:
			logger.Infof("WARNING: Unknown server type '%s' for server '%s', skipping", server.Type, server.Name)
		}
	}

	go deps.collector.Start(ctx)
	return errChan
}

func startPOP3Server(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	deps.wg.Add(1)
	defer deps.wg.Done()

	commandTimeout, err := serverConfig.GetCommandTimeout()
	if err != nil {
		logger.Infof("POP3 [%s] Invalid command timeout: %v, using default", serverConfig.Name, err)
		commandTimeout = config.DefaultCommandTimeout
	}

	s, err := pop3.New(ctx, serverConfig.Name, deps.hostname, serverConfig.Addr, deps.store, deps.cache, pop3.POP3ServerOptions{
		Debug:          serverConfig.Debug,
		TLS:            serverConfig.TLS,
		TLSUseStartTLS: serverConfig.TLSUseStartTLS,
		TLSCertFile:    serverConfig.TLSCertFile,
		TLSKeyFile:     serverConfig.TLSKeyFile,
		CommandTimeout: commandTimeout,
	})
	if err != nil {
		errChan <- err
		return
	}
	deps.collector.AddServer(serverConfig.Name, s)

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down POP3 server %s...", serverConfig.Name)
		s.Close()
	}()

	s.Start(errChan)
}

func startIMAPServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	deps.wg.Add(1)
	defer deps.wg.Done()

	commandTimeout, err := serverConfig.GetCommandTimeout()
	if err != nil {
		logger.Infof("IMAP [%s] Invalid command timeout: %v, using default", serverConfig.Name, err)
		commandTimeout = config.DefaultCommandTimeout
	}
	appendLimit, err := deps.config.Delivery.GetMaxMessageSize()
	if err != nil {
		appendLimit = config.DefaultMaxMessageSize
	}

	s, err := imap.New(ctx, serverConfig.Name, deps.hostname, serverConfig.Addr, deps.store, deps.cache, imap.IMAPServerOptions{
		Debug:          serverConfig.Debug,
		TLS:            serverConfig.TLS,
		TLSUseStartTLS: serverConfig.TLSUseStartTLS,
		TLSCertFile:    serverConfig.TLSCertFile,
		TLSKeyFile:     serverConfig.TLSKeyFile,
		CommandTimeout: commandTimeout,
		AppendLimit:    appendLimit,
	})
	if err != nil {
		errChan <- err
		return
	}
	deps.collector.AddServer(serverConfig.Name, s)

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down IMAP server %s...", serverConfig.Name)
		s.Close()
	}()

	s.Start(errChan)
}

func startSMTPServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	deps.wg.Add(1)
	defer deps.wg.Done()

	commandTimeout, err := serverConfig.GetCommandTimeout()
	if err != nil {
		logger.Infof("SMTP [%s] Invalid command timeout: %v, using default", serverConfig.Name, err)
		commandTimeout = config.DefaultCommandTimeout
	}
	maxMessageSize, err := deps.config.Delivery.GetMaxMessageSize()
	if err != nil {
		maxMessageSize = config.DefaultMaxMessageSize
	}

	s, err := smtp.New(ctx, serverConfig.Name, deps.hostname, serverConfig.Addr, deps.config.Delivery.Domain, deps.store, deps.cache, smtp.SMTPServerOptions{
		Debug:          serverConfig.Debug,
		TLS:            serverConfig.TLS,
		TLSUseStartTLS: serverConfig.TLSUseStartTLS,
		TLSCertFile:    serverConfig.TLSCertFile,
		TLSKeyFile:     serverConfig.TLSKeyFile,
		CommandTimeout: commandTimeout,
		MaxMessageSize: maxMessageSize,
		MaxRecipients:  deps.config.Delivery.GetMaxRecipients(),
		Archiver:       deps.archiver,
	})
	if err != nil {
		errChan <- fmt.Errorf("failed to create SMTP server: %w", err)
		return
	}
	deps.collector.AddServer(serverConfig.Name, s)

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down SMTP server %s...", serverConfig.Name)
		if err := s.Close(); err != nil {
			logger.Infof("Error closing SMTP server: %v", err)
		}
	}()

	s.Start(errChan)
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, serverConfig config.ServerConfig, errChan chan error) {
	deps.wg.Add(1)
	defer deps.wg.Done()

	path := serverConfig.Path
	if path == "" {
		path = "/metrics"
	}

	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              serverConfig.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down metrics server %s...", serverConfig.Name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Info("Metrics server listening", "name", serverConfig.Name, "addr", serverConfig.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version})
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
