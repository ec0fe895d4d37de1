package relay

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *SessionStore {
	return NewSessionStore(StoreConfig{Host: "relay.example.com"})
}

func TestGenerateSessionIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{12}$`)
	for i := 0; i < 50; i++ {
		id, err := generateSessionID()
		require.NoError(t, err)
		assert.Regexp(t, pattern, id)
	}
}

func TestCreateConcurrentUniqueIDs(t *testing.T) {
	store := newTestStore()
	expiresAt := time.Now().Add(30 * time.Minute)

	const n = 50
	var mu sync.Mutex
	ids := make(map[string]bool)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := store.Create(newFakeConn(), expiresAt, nil)
			if err != nil {
				t.Errorf("create session: %v", err)
				return
			}
			mu.Lock()
			ids[session.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, n)
	assert.Equal(t, n, store.SessionCount())
}

func TestGetReturnsLiveSession(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	got := store.Get(session.ID)
	require.NotNil(t, got)
	assert.Equal(t, session.ID, got.ID)
}

func TestGetExpiredSessionRemoves(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(-time.Second), nil)
	require.NoError(t, err)

	assert.Nil(t, store.Get(session.ID))
	assert.False(t, store.SessionExists(session.ID))
}

func TestGetUnknownSession(t *testing.T) {
	store := newTestStore()
	assert.Nil(t, store.Get("000000000000"))
}

func TestRemoveClosesAllPending(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	reqs := []*PendingRequest{
		{ID: "r1", Done: make(chan struct{})},
		{ID: "r2", Done: make(chan struct{})},
		{ID: "r3", Done: make(chan struct{})},
	}
	for _, r := range reqs {
		require.NoError(t, store.AddPending(session.ID, r))
	}

	store.Remove(session.ID)

	for _, r := range reqs {
		select {
		case <-r.Done:
		default:
			t.Fatalf("pending %s not unblocked by Remove", r.ID)
		}
	}
}

func TestRemoveIdempotent(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	store.Remove(session.ID)
	store.Remove(session.ID)
	store.Remove("nonexistent")

	assert.Equal(t, 0, store.SessionCount())
}

func TestViewerCountBounds(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	for i := 0; i < MaxViewers; i++ {
		require.NoError(t, store.IncrementViewers(session.ID))
	}
	assert.ErrorIs(t, store.IncrementViewers(session.ID), ErrMaxViewersReached)
	assert.Equal(t, MaxViewers, store.ViewerCount(session.ID))

	store.DecrementViewers(session.ID)
	assert.Equal(t, MaxViewers-1, store.ViewerCount(session.ID))
	require.NoError(t, store.IncrementViewers(session.ID))
}

func TestDecrementClampsAtZero(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	store.DecrementViewers(session.ID)
	store.DecrementViewers(session.ID)
	assert.Equal(t, 0, store.ViewerCount(session.ID))
}

func TestViewerCountConcurrent(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.IncrementViewers(session.ID) == nil {
				store.DecrementViewers(session.ID)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, store.ViewerCount(session.ID))
}

func TestIncrementViewersUnknownSession(t *testing.T) {
	store := newTestStore()
	assert.ErrorIs(t, store.IncrementViewers("missing"), ErrSessionNotFound)
	assert.Equal(t, -1, store.ViewerCount("missing"))
}

func TestGenerateURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  StoreConfig
		want string
	}{
		{
			name: "host fallback",
			cfg:  StoreConfig{Host: "relay.example.com"},
			want: "http://relay.example.com/%s/",
		},
		{
			name: "public base wins",
			cfg:  StoreConfig{Host: "ignored", PublicBase: "https://share.example.com"},
			want: "https://share.example.com/%s/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewSessionStore(tt.cfg)
			session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
			require.NoError(t, err)

			got := store.GenerateURL(session.ID)
			assert.Contains(t, got, session.ID)
			assert.True(t, strings.HasSuffix(got, "/"+session.ID+"/"))

			parsed, err := url.Parse(got)
			require.NoError(t, err)
			assert.NotEmpty(t, parsed.Host)
		})
	}
}

func TestExpireSendsFrameAndRemoves(t *testing.T) {
	store := newTestStore()
	conn := newFakeConn()
	session, err := store.Create(conn, time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	store.Expire(session.ID)

	assert.False(t, store.SessionExists(session.ID))
	assert.True(t, conn.isClosed())

	frames := conn.sentFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "expired", string(frames[0].MessageType()))
}

func TestAuthTokens(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	assert.False(t, session.HasAuthToken(""))
	assert.False(t, session.HasAuthToken("unknown"))

	session.RememberAuthToken("tok-1")
	assert.True(t, session.HasAuthToken("tok-1"))
	assert.False(t, session.HasAuthToken("tok-2"))
}

func TestPendingLifecycle(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	req := &PendingRequest{ID: "r1", Done: make(chan struct{})}
	require.NoError(t, store.AddPending(session.ID, req))

	assert.Equal(t, req, store.GetPending(session.ID, "r1"))
	assert.Nil(t, store.GetPending(session.ID, "other"))

	store.RemovePending(session.ID, "r1")
	assert.Nil(t, store.GetPending(session.ID, "r1"))
}

func TestAddPendingUnknownSession(t *testing.T) {
	store := newTestStore()
	err := store.AddPending("missing", &PendingRequest{ID: "r1", Done: make(chan struct{})})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStopExpiryCheckerIdempotent(t *testing.T) {
	store := newTestStore()
	store.StartExpiryChecker()
	store.StopExpiryChecker()
	store.StopExpiryChecker()
}

func TestSessionLifetimeNotExtendedByActivity(t *testing.T) {
	store := newTestStore()
	session, err := store.Create(newFakeConn(), time.Now().Add(40*time.Millisecond), nil)
	require.NoError(t, err)

	require.NoError(t, store.IncrementViewers(session.ID))
	store.DecrementViewers(session.ID)

	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, store.Get(session.ID))
}
