package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fernwood/parley/pkg/database"
	"github.com/fernwood/parley/pkg/protocol"
)

// Package loggers. Tests swap these out to silence output; -debug points
// debugLog at stderr.
var (
	errorLog = log.New(log.Writer(), "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging turns on debug output.
func EnableDebugLogging() {
	debugLog.SetOutput(log.Writer())
}

// Server represents the Parley chat server
type Server struct {
	db         *database.DB
	listener   net.Listener
	httpServer *http.Server
	sessions   *SessionManager
	channels   *ChannelManager
	hasher     PasswordHasher
	config     ServerConfig
	metrics    *Metrics
	startTime  time.Time
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort           int
	HTTPPort          int
	MaxMessageLength  int
	MaxUsernameLength int
	HistoryLimit      int
	SeedChannels      []string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           7465,
		HTTPPort:          7466,
		MaxMessageLength:  4096,
		MaxUsernameLength: 20,
		HistoryLimit:      50,
	}
}

// ConfigFromTOML flattens a loaded config file into a ServerConfig.
func ConfigFromTOML(cfg TOMLConfig) ServerConfig {
	return ServerConfig{
		TCPPort:           cfg.Server.TCPPort,
		HTTPPort:          cfg.Server.HTTPPort,
		MaxMessageLength:  cfg.Limits.MaxMessageLength,
		MaxUsernameLength: cfg.Limits.MaxUsernameLength,
		HistoryLimit:      cfg.Limits.HistoryLimit,
		SeedChannels:      cfg.Channels.SeedChannels,
	}
}

// NewServer creates a new server instance. It opens the database, seeds
// the configured channels, and warms each channel's history cache so the
// first join after a restart still sees recent messages.
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}

	s := &Server{
		db:        db,
		sessions:  NewSessionManager(),
		channels:  NewChannelManager(config.HistoryLimit),
		hasher:    NewBcryptHasher(),
		config:    config,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}

	if err := s.seedChannels(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed channels: %w", err)
	}

	if err := s.loadChannels(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}

	return s, nil
}

// SetMetrics attaches metrics to the server.
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
	s.sessions.SetMetrics(metrics)
}

// seedChannels creates the configured seed channels if missing.
func (s *Server) seedChannels() error {
	for _, name := range s.config.SeedChannels {
		existing, err := s.db.GetChannelByName(name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if _, err := s.db.CreateChannel(name); err != nil {
			return err
		}
		log.Printf("Seeded channel #%s", name)
	}
	return nil
}

// loadChannels registers every stored channel and warms its history cache.
func (s *Server) loadChannels() error {
	channels, err := s.db.ListChannels()
	if err != nil {
		return err
	}

	for _, ch := range channels {
		state := s.channels.Register(ch)
		history, err := s.db.RecentMessages(ch.ID, s.config.HistoryLimit)
		if err != nil {
			return err
		}
		s.channels.WarmHistory(state, history)
	}
	return nil
}

// GetChannels returns the list of channels from the database
func (s *Server) GetChannels() ([]*database.Channel, error) {
	return s.db.ListChannels()
}

// Start begins accepting TCP connections and serving HTTP.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	log.Printf("TCP server listening on %s", addr)

	if err := s.startHTTPServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}

	s.stopHTTPServer()

	// Mark authenticated users offline before dropping their connections.
	for _, sess := range s.sessions.GetAllSessions() {
		if user := sess.User(); user != nil {
			if err := s.db.SetUserStatus(user.ID, database.StatusOffline); err != nil {
				errorLog.Printf("Failed to set user %s offline: %v", user.Username, err)
			}
		}
	}

	s.sessions.CloseAll()
	s.wg.Wait()

	return s.db.Close()
}

// acceptLoop accepts incoming connections, backing off on transient
// errors so a resource exhaustion blip doesn't spin the CPU.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	backoff := 5 * time.Millisecond
	const maxBackoff = 1 * time.Second

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}

			errorLog.Printf("Accept error: %v (retrying in %v)", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 5 * time.Millisecond

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the read loop for a single client connection.
// The deferred cleanup runs on every exit path, so a session that
// vanishes mid-anything still leaves the registries and its user's
// status consistent.
func (s *Server) handleConnection(netConn net.Conn) {
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	conn := protocol.NewConn(netConn)
	sess := s.sessions.CreateSession(conn)

	debugLog.Printf("New connection from %s (session %d)", conn.RemoteAddr(), sess.ID)

	defer s.cleanupSession(sess)

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if protocol.Recoverable(err) {
				// Malformed or oversized line; the line is already
				// consumed, so report it and keep the connection.
				s.sendError(sess, "", protocol.CodeProtocolError, "Malformed message")
				continue
			}
			select {
			case <-s.shutdown:
			default:
				if err == io.EOF {
					debugLog.Printf("Session %d disconnected", sess.ID)
				} else {
					debugLog.Printf("Session %d read error: %v", sess.ID, err)
				}
			}
			return
		}

		s.metrics.RecordMessageReceived(env.Type)

		if err := s.handleMessage(sess, env); err != nil {
			errorLog.Printf("Session %d handle error: %v", sess.ID, err)
			s.sendError(sess, env.Type, protocol.CodeServerError, "Internal error")
		}
	}
}

// cleanupSession tears down everything a live session holds: channel
// membership (announced to remaining members), online status, and the
// session registry entry.
func (s *Server) cleanupSession(sess *Session) {
	if left := s.channels.Leave(sess); left != nil {
		s.broadcastUserLeft(left, sess.Username())
	}

	s.sessions.RemoveSession(sess.ID)

	// Skip the offline write when a displacing login still holds the
	// user on another session.
	if user := sess.User(); user != nil {
		if _, stillOnline := s.sessions.FindByUsername(user.Username); !stillOnline {
			if err := s.db.SetUserStatus(user.ID, database.StatusOffline); err != nil {
				errorLog.Printf("Failed to set user %s offline: %v", user.Username, err)
			}
		}
	}
}

// handleMessage dispatches an envelope to the appropriate handler
func (s *Server) handleMessage(sess *Session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeLogin:
		return s.handleLogin(sess, env)
	case protocol.TypeRegister:
		return s.handleRegister(sess, env)
	case protocol.TypeJoinChannel:
		return s.handleJoinChannel(sess, env)
	case protocol.TypeSendMessage:
		return s.handleSendMessage(sess, env)
	case protocol.TypeCreateChannel:
		return s.handleCreateChannel(sess, env)
	default:
		return s.sendError(sess, env.Type, protocol.CodeUnhandledType,
			fmt.Sprintf("Unhandled message type %q", env.Type))
	}
}
