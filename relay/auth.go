package relay

import (
	"net/http"
	"time"

	"github.com/fwdcast/fwdcast/crypto"
	"github.com/fwdcast/fwdcast/logging"
)

// handleAuth is the password subflow for protected sessions. The relay is the
// authentication authority: it holds the hash and mints the cookie tokens.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, session *Session) {
	redirect := r.URL.Query().Get("redirect")
	if redirect == "" || redirect == "/"+session.ID+"/__auth__" {
		redirect = "/" + session.ID + "/"
	}

	if r.Method != http.MethodPost {
		s.pages.Login(w, session.ID, redirect, false)
		return
	}

	r.ParseForm()
	password := r.FormValue("password")

	session.mu.Lock()
	if session.failedAttempts >= s.maxAuthFails {
		sinceLast := time.Since(session.lastAttemptAt)
		if sinceLast < s.authWindow {
			session.mu.Unlock()
			remaining := int((s.authWindow - sinceLast).Seconds()) + 1
			s.pages.RateLimited(w, session.ID, redirect, remaining)
			return
		}
		session.failedAttempts = 0
	}
	session.lastAttemptAt = time.Now()
	session.mu.Unlock()

	if crypto.VerifyPassword(password, session.PasswordHash) {
		session.mu.Lock()
		session.failedAttempts = 0
		session.mu.Unlock()

		token := crypto.NewAuthToken()
		session.RememberAuthToken(token)

		http.SetCookie(w, &http.Cookie{
			Name:     authCookiePrefix + session.ID,
			Value:    token,
			Path:     "/" + session.ID,
			MaxAge:   3600,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	session.mu.Lock()
	session.failedAttempts++
	attempts := session.failedAttempts
	session.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AuthFailures.Inc()
	}
	s.log.WithFields(logging.Fields{
		"session_id": session.ID,
		"attempts":   attempts,
	}).Warn("relay", "auth", "Wrong password")

	s.pages.Login(w, session.ID, redirect, true)
}
