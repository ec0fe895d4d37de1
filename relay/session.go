package relay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fwdcast/fwdcast/logging"
	"github.com/fwdcast/fwdcast/protocol"
)

const (
	// MaxViewers is how many viewers may hold a session concurrently.
	MaxViewers = 3

	// ExpiryCheckInterval is the sweeper tick.
	ExpiryCheckInterval = 10 * time.Second

	// DefaultSessionDuration is the conventional share lifetime. The relay
	// does not apply it: a register frame without a future expiry is rejected.
	DefaultSessionDuration = 30 * time.Minute
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrMaxViewersReached = errors.New("max viewers reached")
)

// PendingRequest is a viewer HTTP request waiting for the origin's response.
// Done is closed exactly once: on the end frame, or when the session dies.
type PendingRequest struct {
	ID             string
	ResponseWriter http.ResponseWriter
	Done           chan struct{}

	mu        sync.Mutex
	responded bool
}

// MarkResponded records that a response frame reached this request.
func (p *PendingRequest) MarkResponded() {
	p.mu.Lock()
	p.responded = true
	p.mu.Unlock()
}

// Responded reports whether any response frame arrived before Done fired.
func (p *PendingRequest) Responded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responded
}

// ResponseState is the streaming state of one in-flight response.
type ResponseState struct {
	HeadersSent bool
	Flusher     http.Flusher
	mu          sync.Mutex
}

// Session is one active origin connection and everything scoped to it.
type Session struct {
	ID           string
	Conn         protocol.Conn
	ExpiresAt    time.Time
	MaxViewers   int
	PasswordHash []byte

	mu             sync.Mutex
	viewerCount    int
	failedAttempts int
	lastAttemptAt  time.Time
	pending        map[string]*PendingRequest
	responses      map[string]*ResponseState
	authTokens     map[string]struct{}
}

// IsExpired reports whether the session's lifetime has elapsed. Lifetimes are
// never extended.
func (s *Session) IsExpired() bool {
	return !time.Now().Before(s.ExpiresAt)
}

// WriteFrame sends one frame to the origin. Writes are serialized because
// concurrent viewer handlers share the channel.
func (s *Session) WriteFrame(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Conn.WriteMessage(protocol.TextFrame, data)
}

// RememberAuthToken records a minted cookie token. Tokens die with the
// session.
func (s *Session) RememberAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authTokens == nil {
		s.authTokens = make(map[string]struct{})
	}
	s.authTokens[token] = struct{}{}
}

// HasAuthToken reports whether token was minted by this session.
func (s *Session) HasAuthToken(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.authTokens[token]
	return ok
}

func (s *Session) setResponseState(reqID string, state *ResponseState) {
	s.mu.Lock()
	s.responses[reqID] = state
	s.mu.Unlock()
}

func (s *Session) responseState(reqID string) *ResponseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[reqID]
}

func (s *Session) clearResponseState(reqID string) {
	s.mu.Lock()
	delete(s.responses, reqID)
	s.mu.Unlock()
}

// SessionStore manages all live sessions in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	host       string
	publicBase string
	maxViewers int
	stopCh     chan struct{}
	stopOnce   sync.Once

	log     logging.Logger
	metrics *Metrics
}

type StoreConfig struct {
	// Host backs the default public base URL when PublicBase is unset.
	Host       string
	PublicBase string
	MaxViewers int
	Logger     logging.Logger
	Metrics    *Metrics
}

func NewSessionStore(cfg StoreConfig) *SessionStore {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}
	maxViewers := cfg.MaxViewers
	if maxViewers <= 0 {
		maxViewers = MaxViewers
	}
	return &SessionStore{
		sessions:   make(map[string]*Session),
		host:       cfg.Host,
		publicBase: cfg.PublicBase,
		maxViewers: maxViewers,
		stopCh:     make(chan struct{}),
		log:        logger,
		metrics:    cfg.Metrics,
	}
}

// generateSessionID returns 6 CSPRNG bytes as 12 lowercase hex characters.
func generateSessionID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create allocates a fresh session. Collisions on the 48-bit ID space are
// retried under the store lock so concurrent creates stay distinct.
func (s *SessionStore) Create(conn protocol.Conn, expiresAt time.Time, passwordHash []byte) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	session := &Session{
		ID:           id,
		Conn:         conn,
		ExpiresAt:    expiresAt,
		MaxViewers:   s.maxViewers,
		PasswordHash: passwordHash,
		pending:      make(map[string]*PendingRequest),
		responses:    make(map[string]*ResponseState),
		authTokens:   make(map[string]struct{}),
	}

	s.mu.Lock()
	for s.sessions[session.ID] != nil {
		session.ID, err = generateSessionID()
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("generate session id: %w", err)
		}
	}
	s.sessions[session.ID] = session
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}

	return session, nil
}

// Get returns a live session, removing it first if its lifetime has elapsed.
func (s *SessionStore) Get(id string) *Session {
	s.mu.RLock()
	session := s.sessions[id]
	s.mu.RUnlock()

	if session == nil {
		return nil
	}
	if session.IsExpired() {
		s.Remove(id)
		return nil
	}
	return session
}

// Remove deletes a session and unblocks every waiting viewer. Idempotent.
func (s *SessionStore) Remove(id string) {
	s.mu.Lock()
	session := s.sessions[id]
	if session != nil {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if session == nil {
		return
	}

	session.mu.Lock()
	for _, req := range session.pending {
		close(req.Done)
	}
	session.pending = make(map[string]*PendingRequest)
	session.responses = make(map[string]*ResponseState)
	session.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
}

// Expire tells the origin its session is over, closes the channel, and
// removes the session. Best-effort on the wire; removal always happens.
func (s *SessionStore) Expire(id string) {
	s.mu.RLock()
	session := s.sessions[id]
	s.mu.RUnlock()

	if session == nil {
		return
	}

	if err := session.WriteFrame(protocol.NewExpired()); err != nil {
		s.log.WithError(err).Debug("store", "expire", "Expired frame not delivered")
	}
	session.Conn.Close()
	s.Remove(id)

	if s.metrics != nil {
		s.metrics.ExpiredSessions.Inc()
	}
}

// StartExpiryChecker runs the sweeper until StopExpiryChecker is called.
func (s *SessionStore) StartExpiryChecker() {
	go func() {
		ticker := time.NewTicker(ExpiryCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.expireSessions()
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *SessionStore) StopExpiryChecker() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *SessionStore) expireSessions() {
	var expired []string

	s.mu.RLock()
	for id, session := range s.sessions {
		if session.IsExpired() {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.log.WithFields(logging.Fields{"session_id": id}).Info("store", "expire", "Session expired")
		s.Expire(id)
	}
}

// GenerateURL builds the public URL for a session: {base}/{id}/.
func (s *SessionStore) GenerateURL(sessionID string) string {
	base := s.publicBase
	if base == "" {
		base = "http://" + s.host
	}
	return fmt.Sprintf("%s/%s/", base, sessionID)
}

// IncrementViewers admits one viewer, or reports why it cannot.
func (s *SessionStore) IncrementViewers(id string) error {
	session := s.Get(id)
	if session == nil {
		return ErrSessionNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.viewerCount >= session.MaxViewers {
		return ErrMaxViewersReached
	}
	session.viewerCount++

	if s.metrics != nil {
		s.metrics.ActiveViewers.Inc()
	}
	return nil
}

// DecrementViewers releases one viewer slot, clamping at zero.
func (s *SessionStore) DecrementViewers(id string) {
	session := s.Get(id)
	if session == nil {
		return
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.viewerCount > 0 {
		session.viewerCount--
		if s.metrics != nil {
			s.metrics.ActiveViewers.Dec()
		}
	}
}

// ViewerCount returns the current count, or -1 when the session is gone.
func (s *SessionStore) ViewerCount(id string) int {
	session := s.Get(id)
	if session == nil {
		return -1
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	return session.viewerCount
}

// AddPending registers a waiter for a request ID.
func (s *SessionStore) AddPending(sessionID string, req *PendingRequest) error {
	session := s.Get(sessionID)
	if session == nil {
		return ErrSessionNotFound
	}

	session.mu.Lock()
	session.pending[req.ID] = req
	session.mu.Unlock()
	return nil
}

func (s *SessionStore) GetPending(sessionID, reqID string) *PendingRequest {
	session := s.Get(sessionID)
	if session == nil {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	return session.pending[reqID]
}

func (s *SessionStore) RemovePending(sessionID, reqID string) {
	session := s.Get(sessionID)
	if session == nil {
		return
	}

	session.mu.Lock()
	delete(session.pending, reqID)
	session.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (s *SessionStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SessionExists reports raw map membership, ignoring expiry.
func (s *SessionStore) SessionExists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}
