package origin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/fwdcast/fwdcast/logging"
	"github.com/fwdcast/fwdcast/protocol"
	"github.com/fwdcast/fwdcast/storage"
)

// State is the agent's connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultConnectAttempts bounds the pre-Active retry loop.
	DefaultConnectAttempts = 10

	// DefaultRetryDelay is the fixed pause between connection attempts.
	DefaultRetryDelay = 500 * time.Millisecond

	// ShutdownGrace is how long Close waits for in-flight requests to send
	// their end frames.
	ShutdownGrace = 5 * time.Second
)

// ErrNotActive is returned when an operation needs a live session.
var ErrNotActive = errors.New("agent not active")

// TransferStats is a running summary of what the agent has served.
type TransferStats struct {
	RequestsServed int64
	BytesSent      int64
	LastPath       string
}

// Agent is the origin side of the tunnel: it registers the shared directory
// with a relay and services viewer requests the relay forwards.
type Agent struct {
	relayURL string
	baseDir  string
	duration time.Duration
	password string

	maxAttempts int
	retryDelay  time.Duration

	mu        sync.RWMutex
	state     State
	conn      protocol.Conn
	sessionID string
	publicURL string

	// writeMu serializes frame writes; request handlers run concurrently.
	writeMu sync.Mutex

	statsMu sync.Mutex
	stats   TransferStats

	onURL        func(string)
	onStats      func(TransferStats)
	onExpired    func()
	onDisconnect func(error)
	onError      func(error)

	scanner   *Scanner
	listing   *ListingRenderer
	transfers storage.TransferRepo
	shareID   string

	cancelRequests context.CancelFunc
	inflight       sync.WaitGroup

	log logging.Logger
}

type AgentConfig struct {
	// RelayURL is the relay's WebSocket registration endpoint,
	// e.g. ws://relay.example:8080/ws.
	RelayURL string

	// BaseDir is the absolute path of the directory to share.
	BaseDir string

	// Duration is the session lifetime requested at registration.
	Duration time.Duration

	Password string
	Excludes []string

	MaxAttempts int
	RetryDelay  time.Duration

	// Transfers, when set, records every serviced request. ShareID tags
	// the rows.
	Transfers storage.TransferRepo
	ShareID   string

	Logger logging.Logger
}

func NewAgent(cfg AgentConfig) (*Agent, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}

	listing, err := NewListingRenderer()
	if err != nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultConnectAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = 30 * time.Minute
	}

	return &Agent{
		relayURL:    cfg.RelayURL,
		baseDir:     cfg.BaseDir,
		duration:    duration,
		password:    cfg.Password,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		scanner:     NewScanner(cfg.BaseDir, cfg.Excludes),
		listing:     listing,
		transfers:   cfg.Transfers,
		shareID:     cfg.ShareID,
		log:         logger,
	}, nil
}

func (a *Agent) OnURL(fn func(url string))          { a.onURL = fn }
func (a *Agent) OnStats(fn func(TransferStats))     { a.onStats = fn }
func (a *Agent) OnExpired(fn func())                { a.onExpired = fn }
func (a *Agent) OnDisconnect(fn func(err error))    { a.onDisconnect = fn }
func (a *Agent) OnError(fn func(err error))         { a.onError = fn }

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

func (a *Agent) PublicURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.publicURL
}

func (a *Agent) Stats() TransferStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Connect dials the relay and registers the share. Pre-Active failures retry
// on a fixed delay up to the configured attempt bound; once Active a lost
// connection is terminal and surfaces through OnDisconnect.
func (a *Agent) Connect(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    a.retryDelay,
		Max:    a.retryDelay,
		Jitter: false,
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		lastErr = a.connect(ctx)
		if lastErr == nil {
			return nil
		}

		a.setState(StateDisconnected)
		a.log.WithError(lastErr).WithFields(logging.Fields{
			"attempt": attempt,
		}).Warn("origin", "connect", "Connection attempt failed")

		if attempt == a.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return fmt.Errorf("connect to relay after %d attempts: %w", a.maxAttempts, lastErr)
}

func (a *Agent) connect(ctx context.Context) error {
	a.setState(StateConnecting)
	a.log.WithFields(logging.Fields{"relay_url": a.relayURL}).Info("origin", "connect", "Connecting to relay")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.relayURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	a.setState(StateRegistering)

	expiresAt := time.Now().Add(a.duration).Unix()
	register := protocol.NewRegister(a.baseDir, expiresAt, a.password)
	if err := protocol.WriteFrame(conn, register); err != nil {
		conn.Close()
		return fmt.Errorf("send register: %w", err)
	}

	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read registered: %w", err)
	}

	registered, ok := msg.(*protocol.Registered)
	if !ok {
		conn.Close()
		return fmt.Errorf("expected registered frame, got %s", msg.MessageType())
	}

	reqCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.conn = conn
	a.sessionID = registered.SessionID
	a.publicURL = registered.URL
	a.state = StateActive
	a.cancelRequests = cancel
	a.mu.Unlock()

	a.log.WithFields(logging.Fields{
		"session_id": registered.SessionID,
		"public_url": registered.URL,
	}).Info("origin", "connect", "Session active")

	if a.onURL != nil {
		a.onURL(registered.URL)
	}

	go a.readLoop(reqCtx, conn)

	return nil
}

// readLoop consumes frames from the relay until the channel dies. Each
// request frame gets its own goroutine; expired ends the session.
func (a *Agent) readLoop(ctx context.Context, conn protocol.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleChannelDown(err)
			return
		}

		msg, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			a.log.WithError(decodeErr).Error("origin", "tunnel", "Malformed frame from relay")
			conn.Close()
			a.handleChannelDown(decodeErr)
			return
		}

		switch m := msg.(type) {
		case *protocol.Request:
			if a.State() != StateActive {
				// Shutting down: no new requests are taken on.
				continue
			}
			a.inflight.Add(1)
			go func(req *protocol.Request) {
				defer a.inflight.Done()
				a.serveRequest(ctx, req)
			}(m)
		case *protocol.Expired:
			a.log.Info("origin", "tunnel", "Session expired by relay")
			a.handleExpired()
			return
		default:
			a.log.WithFields(logging.Fields{
				"type": string(msg.MessageType()),
			}).Warn("origin", "tunnel", "Unexpected frame from relay")
		}
	}
}

func (a *Agent) handleExpired() {
	a.mu.Lock()
	alreadyClosing := a.state == StateClosing || a.state == StateClosed
	a.state = StateClosing
	cancel := a.cancelRequests
	conn := a.conn
	a.mu.Unlock()

	if alreadyClosing {
		return
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if a.onExpired != nil {
		a.onExpired()
	}
	a.setState(StateClosed)
}

func (a *Agent) handleChannelDown(err error) {
	a.mu.Lock()
	wasActive := a.state == StateActive
	a.state = StateClosing
	cancel := a.cancelRequests
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasActive && a.onDisconnect != nil {
		a.onDisconnect(err)
	}
	a.setState(StateClosed)
}

// Close shuts the agent down: no new requests are accepted, in-flight
// handlers get a grace period to finish their end frames, then the channel
// closes.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.state == StateClosed || a.state == StateClosing {
		a.mu.Unlock()
		return nil
	}
	a.state = StateClosing
	conn := a.conn
	cancel := a.cancelRequests
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		a.log.Warn("origin", "shutdown", "Grace period elapsed with requests in flight")
		if cancel != nil {
			cancel()
		}
	}

	if conn != nil {
		conn.Close()
	}
	a.setState(StateClosed)
	return nil
}

// Wait blocks until ctx is cancelled.
func (a *Agent) Wait(ctx context.Context) {
	<-ctx.Done()
}

func (a *Agent) recordTransfer(method, path string, status int, bytes int64, started time.Time) {
	a.statsMu.Lock()
	a.stats.RequestsServed++
	a.stats.BytesSent += bytes
	a.stats.LastPath = path
	stats := a.stats
	a.statsMu.Unlock()

	if a.onStats != nil {
		a.onStats(stats)
	}

	if a.transfers != nil {
		err := a.transfers.Save(&storage.Transfer{
			ShareID:    a.shareID,
			Method:     method,
			Path:       path,
			Status:     status,
			Bytes:      bytes,
			DurationMs: time.Since(started).Milliseconds(),
		})
		if err != nil {
			a.log.WithError(err).Warn("origin", "transfer-log", "Failed to record transfer")
		}
	}
}
