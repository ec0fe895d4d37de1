package relay

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdcast/fwdcast/crypto"
	"github.com/fwdcast/fwdcast/protocol"
)

func protectedSession(t *testing.T, srv *Server, conn *fakeConn, password string) *Session {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	return newActiveSession(t, srv, conn, hash)
}

func postPassword(srv *Server, session *Session, password string) *httptest.ResponseRecorder {
	form := url.Values{"password": {password}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/"+session.ID+"/__auth__?redirect=/"+session.ID+"/docs/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.handleViewer(rec, req)
	return rec
}

func TestProtectedSessionRedirectsToLogin(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	conn := newFakeConn()
	session := protectedSession(t, srv, conn, "secret")
	defer srv.Store().Remove(session.ID)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+session.ID+"/docs/readme.md", nil)
	srv.handleViewer(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "/"+session.ID+"/__auth__")
	assert.Contains(t, location, "redirect=/"+session.ID+"/docs/readme.md")
}

func TestLoginPageRendered(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	conn := newFakeConn()
	session := protectedSession(t, srv, conn, "secret")
	defer srv.Store().Remove(session.ID)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+session.ID+"/__auth__?redirect=/"+session.ID+"/", nil)
	srv.handleViewer(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "password")
}

func TestCorrectPasswordSetsCookieAndRedirects(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	conn := newFakeConn()
	session := protectedSession(t, srv, conn, "secret")
	defer srv.Store().Remove(session.ID)

	rec := postPassword(srv, session, "secret")

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/"+session.ID+"/docs/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, authCookiePrefix+session.ID, cookie.Name)
	assert.NotEqual(t, "secret", cookie.Value)
	assert.Equal(t, "/"+session.ID, cookie.Path)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.True(t, session.HasAuthToken(cookie.Value))
}

func TestCookieGrantsAccess(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	conn := newFakeConn()
	session := protectedSession(t, srv, conn, "secret")
	defer conn.Close()
	defer srv.Store().Remove(session.ID)

	login := postPassword(srv, session, "secret")
	cookies := login.Result().Cookies()
	require.Len(t, cookies, 1)

	go srv.readLoop(session)
	echoOrigin(conn, 200, "contents")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+session.ID+"/file.txt", nil)
	req.AddCookie(cookies[0])
	srv.handleViewer(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "contents", rec.Body.String())
}

func TestWrongPasswordShowsError(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	conn := newFakeConn()
	session := protectedSession(t, srv, conn, "secret")
	defer srv.Store().Remove(session.ID)

	rec := postPassword(srv, session, "nope")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
	assert.Contains(t, strings.ToLower(rec.Body.String()), "incorrect")
}

func TestAuthRateLimitAfterRepeatedFailures(t *testing.T) {
	srv := newTestServer(t, ServerConfig{AuthWindow: time.Minute})
	conn := newFakeConn()
	session := protectedSession(t, srv, conn, "secret")
	defer srv.Store().Remove(session.ID)

	for i := 0; i < srv.maxAuthFails; i++ {
		rec := postPassword(srv, session, "nope")
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postPassword(srv, session, "secret")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuthRateLimitResetsAfterWindow(t *testing.T) {
	srv := newTestServer(t, ServerConfig{AuthWindow: 30 * time.Millisecond})
	conn := newFakeConn()
	session := protectedSession(t, srv, conn, "secret")
	defer srv.Store().Remove(session.ID)

	for i := 0; i < srv.maxAuthFails; i++ {
		postPassword(srv, session, "nope")
	}

	time.Sleep(50 * time.Millisecond)

	rec := postPassword(srv, session, "secret")
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestAuthTokenScopedToSession(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	connA := newFakeConn()
	connB := newFakeConn()
	sessionA := protectedSession(t, srv, connA, "secret")
	sessionB := protectedSession(t, srv, connB, "secret")
	defer srv.Store().Remove(sessionA.ID)
	defer srv.Store().Remove(sessionB.ID)

	login := postPassword(srv, sessionA, "secret")
	cookies := login.Result().Cookies()
	require.Len(t, cookies, 1)

	// A's token means nothing to B, even when presented under B's cookie name.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+sessionB.ID+"/file.txt", nil)
	req.AddCookie(&http.Cookie{Name: authCookiePrefix + sessionB.ID, Value: cookies[0].Value})
	srv.handleViewer(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "__auth__")
}

func TestUnprotectedSessionSkipsAuth(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	conn := newFakeConn()
	session := newActiveSession(t, srv, conn, nil)
	defer conn.Close()
	defer srv.Store().Remove(session.ID)

	go srv.readLoop(session)
	echoOrigin(conn, 200, "open")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+session.ID+"/file.txt", nil)
	srv.handleViewer(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "open", rec.Body.String())
}

func TestAuthPathForwardedWhenUnprotected(t *testing.T) {
	srv := newTestServer(t, ServerConfig{RequestTimeout: 50 * time.Millisecond})
	conn := newFakeConn()
	session := newActiveSession(t, srv, conn, nil)
	defer conn.Close()
	defer srv.Store().Remove(session.ID)

	// With no password, __auth__ is just another path for the origin, which
	// answers it 404.
	go srv.readLoop(session)
	echoOrigin(conn, 404)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+session.ID+"/__auth__", nil)
	srv.handleViewer(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	frames := conn.sentFrames(t)
	require.NotEmpty(t, frames)
	fwd, ok := frames[0].(*protocol.Request)
	require.True(t, ok)
	assert.Equal(t, "/__auth__", fwd.Path)
}
