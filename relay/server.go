package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fwdcast/fwdcast/crypto"
	"github.com/fwdcast/fwdcast/logging"
	"github.com/fwdcast/fwdcast/protocol"
)

// DefaultRequestTimeout is how long a viewer handler waits for the origin.
const DefaultRequestTimeout = 30 * time.Second

// DefaultAuthWindow is the cooldown after too many failed password attempts.
const DefaultAuthWindow = 30 * time.Second

// Server is the public relay: it accepts origin registrations on /ws and
// bridges viewer HTTP requests into the tunnel.
type Server struct {
	addr     string
	upgrader websocket.Upgrader

	store          *SessionStore
	pages          *Pages
	metrics        *Metrics
	requestTimeout time.Duration
	authWindow     time.Duration
	maxAuthFails   int

	httpServer *http.Server
	listener   net.Listener
	readyFn    func()

	log logging.Logger
}

type ServerConfig struct {
	Addr       string
	Host       string
	PublicBase string

	MaxViewers     int
	RequestTimeout time.Duration
	AuthWindow     time.Duration

	Logger  logging.Logger
	Metrics *Metrics
}

func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}

	pages, err := NewPages(logger)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	authWindow := cfg.AuthWindow
	if authWindow <= 0 {
		authWindow = DefaultAuthWindow
	}

	store := NewSessionStore(StoreConfig{
		Host:       cfg.Host,
		PublicBase: cfg.PublicBase,
		MaxViewers: cfg.MaxViewers,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})

	return &Server{
		addr:           cfg.Addr,
		store:          store,
		pages:          pages,
		metrics:        cfg.Metrics,
		requestTimeout: requestTimeout,
		authWindow:     authWindow,
		maxAuthFails:   5,
		log:            logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}, nil
}

// Store exposes the session store for tests and embedding callers.
func (s *Server) Store() *SessionStore {
	return s.store
}

func (s *Server) SetReadyCallback(fn func()) {
	s.readyFn = fn
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleRegister)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", s.handleViewer)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.listener = ln

	s.httpServer = &http.Server{Handler: mux}

	s.store.StartExpiryChecker()
	defer s.store.StopExpiryChecker()

	s.log.WithFields(logging.Fields{"addr": ln.Addr().String()}).Info("relay", "start", "Relay listening")

	if s.readyFn != nil {
		s.readyFn()
	}

	go func() {
		<-ctx.Done()
		s.httpServer.Shutdown(context.Background())
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay serve: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	s.store.StopExpiryChecker()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// handleRegister accepts an origin WebSocket, performs the register handshake,
// and hands the connection to the duplex loop.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("relay", "register", "WebSocket upgrade failed")
		return
	}

	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		s.log.WithError(err).Warn("relay", "register", "Failed to read register frame")
		conn.Close()
		return
	}

	reg, ok := msg.(*protocol.Register)
	if !ok {
		s.log.WithFields(logging.Fields{"type": string(msg.MessageType())}).Warn("relay", "register", "Expected register frame")
		conn.Close()
		return
	}

	expiresAt := time.Unix(reg.ExpiresAt, 0)
	if !expiresAt.After(time.Now()) {
		s.log.Warn("relay", "register", "Register frame carries an expiry in the past")
		conn.Close()
		return
	}

	passwordHash, err := crypto.HashPassword(reg.Password)
	if err != nil {
		s.log.WithError(err).Error("relay", "register", "Failed to hash password")
		conn.Close()
		return
	}

	session, err := s.store.Create(conn, expiresAt, passwordHash)
	if err != nil {
		s.log.WithError(err).Error("relay", "register", "Failed to create session")
		conn.Close()
		return
	}

	url := s.store.GenerateURL(session.ID)
	if err := session.WriteFrame(protocol.NewRegistered(session.ID, url)); err != nil {
		s.log.WithError(err).Error("relay", "register", "Failed to send registered frame")
		s.store.Remove(session.ID)
		conn.Close()
		return
	}

	s.log.WithFields(logging.Fields{
		"session_id":   session.ID,
		"has_password": len(passwordHash) > 0,
		"expires_in":   time.Until(expiresAt).Round(time.Minute).String(),
	}).Info("relay", "register", "Session registered")

	go s.readLoop(session)
}
