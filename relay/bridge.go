package relay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fwdcast/fwdcast/logging"
	"github.com/fwdcast/fwdcast/protocol"
)

const authCookiePrefix = "fwdcast_auth_"

// handleViewer bridges one viewer HTTP request into the session's tunnel.
// URL format: /{session-id}/path/to/resource.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		s.pages.NotFound(w, "Invalid URL")
		return
	}

	sessionID := parts[0]
	resourcePath := "/"
	if len(parts) > 1 {
		resourcePath = "/" + parts[1]
	}

	session := s.store.Get(sessionID)
	if session == nil {
		s.pages.NotFound(w, "Session not found or expired")
		return
	}

	if len(session.PasswordHash) > 0 {
		if strings.HasPrefix(resourcePath, "/__auth__") {
			s.handleAuth(w, r, session)
			return
		}
		if !s.viewerAuthenticated(r, session) {
			currentPath := "/" + sessionID + resourcePath
			redirectURL := fmt.Sprintf("/%s/__auth__?redirect=%s", sessionID, currentPath)
			http.Redirect(w, r, redirectURL, http.StatusFound)
			return
		}
	}

	// POST has no meaning past the auth subflow.
	if r.Method == http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.store.IncrementViewers(sessionID); err != nil {
		if err == ErrMaxViewersReached {
			s.pages.ViewerLimit(w, "Too many viewers. Please try again later.")
			return
		}
		s.pages.NotFound(w, "Session not found")
		return
	}
	defer s.store.DecrementViewers(sessionID)

	reqID := ulid.Make().String()
	logger := s.log.WithTraceID(reqID).WithFields(logging.Fields{
		"session_id": sessionID,
		"method":     r.Method,
		"path":       resourcePath,
	})

	pending := &PendingRequest{
		ID:             reqID,
		ResponseWriter: w,
		Done:           make(chan struct{}),
	}

	if err := s.store.AddPending(sessionID, pending); err != nil {
		s.pages.NotFound(w, "Session not found")
		return
	}
	defer s.store.RemovePending(sessionID, reqID)

	if err := session.WriteFrame(protocol.NewRequest(reqID, r.Method, resourcePath)); err != nil {
		logger.WithError(err).Warn("relay", "bridge", "Failed to forward request to origin")
		s.pages.GatewayTimeout(w, "The sharer is not responding")
		return
	}

	start := time.Now()
	select {
	case <-pending.Done:
		if !pending.Responded() {
			// The session died underneath this request before any
			// response frame arrived.
			s.pages.GatewayTimeout(w, "The sharer disconnected before responding")
			return
		}
		logger.WithFields(logging.Fields{
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("relay", "bridge", "Request completed")
	case <-time.After(s.requestTimeout):
		if s.metrics != nil {
			s.metrics.RequestTimeouts.Inc()
		}
		logger.Warn("relay", "bridge", "Request timed out")
		s.pages.GatewayTimeout(w, "Request timed out")
	}
}

// viewerAuthenticated checks the session-scoped cookie against the tokens the
// session has minted.
func (s *Server) viewerAuthenticated(r *http.Request, session *Session) bool {
	cookie, err := r.Cookie(authCookiePrefix + session.ID)
	if err != nil {
		return false
	}
	return session.HasAuthToken(cookie.Value)
}
