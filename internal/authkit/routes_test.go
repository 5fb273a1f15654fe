package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testFrontendURL = "https://app.soundsouls.test"

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		FrontendURL:           testFrontendURL,
		CookieName:            "test.sid",
		SameSiteMode:          http.SameSiteLaxMode,
		SessionSecret:         []byte("session-secret-1234567890"),
		SessionIssuer:         "test-issuer",
		SessionMaxAge:         24 * time.Hour,
		StateTTL:              5 * time.Minute,
		CSRFRotationInterval:  15 * time.Minute,
		MaxConcurrentSessions: 3,
		AuthRateLimit:         10,
		AuthRateWindow:        15 * time.Minute,
	}
}

type stubProvider struct {
	mutex          sync.Mutex
	clock          Clock
	identity       Identity
	exchangeErr    error
	identityErr    error
	refreshErr     error
	exchangeCalls  int
	refreshCalls   int
	refreshStarted chan struct{}
	refreshRelease chan struct{}
}

func newStubProvider(clock Clock) *stubProvider {
	return &stubProvider{
		clock: clock,
		identity: Identity{
			ProviderID:   "spotify-user",
			DisplayName:  "Listener",
			Email:        "listener@example.com",
			ProfileImage: "https://img.example.com/a.png",
		},
	}
}

func (provider *stubProvider) AuthorizationURL(state string) string {
	return "https://accounts.spotify.test/authorize?state=" + url.QueryEscape(state)
}

func (provider *stubProvider) Exchange(ctx context.Context, code string) (TokenSet, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.exchangeCalls++
	if provider.exchangeErr != nil {
		return TokenSet{}, provider.exchangeErr
	}
	return TokenSet{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresAt:    provider.clock.Now().Add(time.Hour),
	}, nil
}

func (provider *stubProvider) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if provider.identityErr != nil {
		return Identity{}, provider.identityErr
	}
	return provider.identity, nil
}

func (provider *stubProvider) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	provider.mutex.Lock()
	provider.refreshCalls++
	started, release, refreshErr := provider.refreshStarted, provider.refreshRelease, provider.refreshErr
	provider.mutex.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return TokenSet{}, ctx.Err()
		}
	}
	if refreshErr != nil {
		return TokenSet{}, refreshErr
	}
	return TokenSet{
		AccessToken:  "access-refreshed",
		RefreshToken: refreshToken,
		ExpiresAt:    provider.clock.Now().Add(2 * time.Hour),
	}, nil
}

func (provider *stubProvider) calls() (int, int) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return provider.exchangeCalls, provider.refreshCalls
}

type failingAuditStore struct {
	*MemoryStore
	recordErr error
	countErr  error
}

func (store *failingAuditStore) RecordLogin(ctx context.Context, audit SessionAudit) error {
	if store.recordErr != nil {
		return store.recordErr
	}
	return store.MemoryStore.RecordLogin(ctx, audit)
}

func (store *failingAuditStore) CountOpen(ctx context.Context, applicationUserID string) (int64, error) {
	if store.countErr != nil {
		return 0, store.countErr
	}
	return store.MemoryStore.CountOpen(ctx, applicationUserID)
}

type routeHarness struct {
	t        *testing.T
	router   *gin.Engine
	clock    *controllableClock
	store    *MemoryStore
	sessions *MemorySessionStore
	manager  *SessionManager
	provider *stubProvider
	metrics  *CounterMetrics
	service  *Service
}

type harnessOption func(*Dependencies)

func newRouteHarness(t *testing.T, options ...harnessOption) *routeHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := &controllableClock{current: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	sessionStore := NewMemorySessionStore()
	sessionStore.now = clock.Now
	manager := newTestSessionManager(t, sessionStore, clock)
	provider := newStubProvider(clock)
	metrics := NewCounterMetrics()
	dependencies := Dependencies{
		Provider: provider,
		Users:    store,
		Audits:   store,
		Attempts: store,
		Sessions: manager,
		Clock:    clock,
		Logger:   zaptest.NewLogger(t),
		Metrics:  metrics,
	}
	for _, option := range options {
		option(&dependencies)
	}
	service, err := NewService(newTestServerConfig(), dependencies)
	require.NoError(t, err)

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies(nil))
	service.MountAuthRoutes(router)
	api := router.Group("/api", service.RequireSession(), service.LimitConcurrentSessions())
	api.GET("/profile", func(contextGin *gin.Context) {
		session, _ := SessionFromContext(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{"user_id": session.UserID})
	})
	api.POST("/playlists", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusCreated, gin.H{"created": true})
	})

	return &routeHarness{
		t:        t,
		router:   router,
		clock:    clock,
		store:    store,
		sessions: sessionStore,
		manager:  manager,
		provider: provider,
		metrics:  metrics,
		service:  service,
	}
}

// browser carries one cookie jar against the harness router.
type browser struct {
	harness  *routeHarness
	cookie   *http.Cookie
	remoteIP string
}

func (harness *routeHarness) newBrowser() *browser {
	return &browser{harness: harness, remoteIP: "203.0.113.10"}
}

func (client *browser) do(method string, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	client.harness.t.Helper()
	request := httptest.NewRequest(method, target, bytes.NewReader(body))
	request.RemoteAddr = client.remoteIP + ":40000"
	if body != nil && request.Header.Get("Content-Type") == "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	if client.cookie != nil {
		request.AddCookie(&http.Cookie{Name: client.cookie.Name, Value: client.cookie.Value})
	}
	recorder := httptest.NewRecorder()
	client.harness.router.ServeHTTP(recorder, request)
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name != client.harness.manager.CookieName() {
			continue
		}
		if cookie.MaxAge < 0 || cookie.Value == "" {
			client.cookie = nil
			continue
		}
		client.cookie = cookie
	}
	return recorder
}

func (client *browser) startLogin() string {
	client.harness.t.Helper()
	recorder := client.do(http.MethodGet, "/auth/login", nil, nil)
	require.Equal(client.harness.t, http.StatusFound, recorder.Code)
	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(client.harness.t, err)
	state := location.Query().Get("state")
	require.NotEmpty(client.harness.t, state)
	return state
}

func (client *browser) callback(query url.Values) *httptest.ResponseRecorder {
	return client.do(http.MethodGet, "/auth/callback?"+query.Encode(), nil, nil)
}

func (client *browser) login(code string) {
	client.harness.t.Helper()
	state := client.startLogin()
	recorder := client.callback(url.Values{"state": {state}, "code": {code}})
	require.Equal(client.harness.t, http.StatusFound, recorder.Code)
	require.Equal(client.harness.t, testFrontendURL+"/profile", recorder.Header().Get("Location"))
}

func (client *browser) status() map[string]any {
	client.harness.t.Helper()
	recorder := client.do(http.MethodGet, "/auth/status", nil, nil)
	require.Equal(client.harness.t, http.StatusOK, recorder.Code)
	return decodeBody(client.harness.t, recorder)
}

func (client *browser) csrfToken() string {
	client.harness.t.Helper()
	token, _ := client.status()["csrfToken"].(string)
	require.NotEmpty(client.harness.t, token)
	return token
}

func (client *browser) sessionID() string {
	client.harness.t.Helper()
	require.NotNil(client.harness.t, client.cookie)
	sessionID, err := client.harness.manager.codec.parse(client.cookie.Value)
	require.NoError(client.harness.t, err)
	return sessionID
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return payload
}

func loginErrorLocation(code string) string {
	return testFrontendURL + "/login?error=" + url.QueryEscape(code)
}

func TestLoginStoresStateAndRedirectsToProvider(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()

	state := client.startLogin()
	require.Len(t, state, stateByteLength*2)

	stored, err := harness.sessions.Get(context.Background(), client.sessionID())
	require.NoError(t, err)
	require.Equal(t, PhaseLoginPending, stored.Phase())
	require.Equal(t, state, stored.LoginState.Nonce)
	require.Equal(t, harness.clock.Now().Add(5*time.Minute), stored.LoginState.ExpiresAt)
	require.Len(t, stored.CSRFToken, csrfByteLength*2)
	require.Equal(t, int64(1), harness.metrics.Count(metricLoginStarted))
}

func TestLoginFailsWhenSessionCannotBeSaved(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := &controllableClock{current: time.Now().UTC()}
	store := NewMemoryStore()
	manager := newTestSessionManager(t, &failingSessionStore{saveErr: errors.New("disk full")}, clock)
	service, err := NewService(newTestServerConfig(), Dependencies{
		Provider: newStubProvider(clock),
		Users:    store,
		Audits:   store,
		Attempts: store,
		Sessions: manager,
		Clock:    clock,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	router := gin.New()
	service.MountAuthRoutes(router)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Empty(t, recorder.Header().Get("Location"))
	require.Equal(t, "session_unavailable", decodeBody(t, recorder)["error"])
}

func TestCallbackSuccessRegeneratesSessionAndRecordsAudit(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()

	state := client.startLogin()
	pendingSessionID := client.sessionID()

	recorder := client.callback(url.Values{"state": {state}, "code": {"code-1"}})
	require.Equal(t, http.StatusFound, recorder.Code)
	require.Equal(t, testFrontendURL+"/profile", recorder.Header().Get("Location"))

	authenticatedSessionID := client.sessionID()
	require.NotEqual(t, pendingSessionID, authenticatedSessionID)
	_, err := harness.sessions.Get(context.Background(), pendingSessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	session, err := harness.sessions.Get(context.Background(), authenticatedSessionID)
	require.NoError(t, err)
	require.Equal(t, PhaseAuthenticated, session.Phase())
	require.Nil(t, session.LoginState)
	require.Equal(t, "spotify-user", session.SpotifyID)
	require.NotEmpty(t, session.CSRFToken)
	require.Equal(t, harness.clock.Now(), session.SessionStart)

	require.Equal(t, 1, harness.store.UserCount())
	user, err := harness.store.GetUser(context.Background(), session.UserID)
	require.NoError(t, err)
	require.Equal(t, "access-code-1", user.AccessToken)
	require.Equal(t, "refresh-code-1", user.RefreshToken)

	audits := harness.store.Audits(session.UserID)
	require.Len(t, audits, 1)
	require.Equal(t, harness.clock.Now(), audits[0].LoginAt)
	require.Nil(t, audits[0].LogoutAt)
	require.Equal(t, "203.0.113.10", audits[0].IPAddress)

	attempts := harness.store.Attempts()
	require.Len(t, attempts, 1)
	require.Empty(t, attempts[0].Error)
	require.Equal(t, session.UserID, attempts[0].UserID)
	require.Equal(t, int64(1), harness.metrics.Count(metricLoginSuccess))
}

func TestCallbackUpsertsReturningUserWithoutDuplicates(t *testing.T) {
	harness := newRouteHarness(t)
	harness.newBrowser().login("code-1")
	harness.newBrowser().login("code-2")

	require.Equal(t, 1, harness.store.UserCount())
}

func TestCallbackRejections(t *testing.T) {
	testCases := []struct {
		name           string
		prepare        func(harness *routeHarness)
		query          func(state string) url.Values
		expectedError  string
		expectExchange bool
	}{
		{
			name:          "provider denial",
			query:         func(state string) url.Values { return url.Values{"error": {"access_denied"}, "state": {state}} },
			expectedError: "access_denied",
		},
		{
			name:          "missing state",
			query:         func(state string) url.Values { return url.Values{"code": {"code-1"}} },
			expectedError: callbackErrorStateMismatch,
		},
		{
			name:          "forged state",
			query:         func(state string) url.Values { return url.Values{"state": {"forged"}, "code": {"code-1"}} },
			expectedError: callbackErrorStateMismatch,
		},
		{
			name:          "expired state",
			prepare:       func(harness *routeHarness) { harness.clock.Advance(5*time.Minute + time.Second) },
			query:         func(state string) url.Values { return url.Values{"state": {state}, "code": {"code-1"}} },
			expectedError: callbackErrorStateExpired,
		},
		{
			name:          "missing code",
			query:         func(state string) url.Values { return url.Values{"state": {state}} },
			expectedError: callbackErrorInvalidCode,
		},
		{
			name: "code rejected by provider",
			prepare: func(harness *routeHarness) {
				harness.provider.exchangeErr = &ProviderError{StatusCode: http.StatusBadRequest, Code: "invalid_grant", Message: "Invalid authorization code"}
			},
			query:          func(state string) url.Values { return url.Values{"state": {state}, "code": {"code-1"}} },
			expectedError:  callbackErrorInvalidCode,
			expectExchange: true,
		},
		{
			name: "provider outage",
			prepare: func(harness *routeHarness) {
				harness.provider.exchangeErr = &ProviderError{StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}
			},
			query:          func(state string) url.Values { return url.Values{"state": {state}, "code": {"code-1"}} },
			expectedError:  callbackErrorAuthFailed,
			expectExchange: true,
		},
		{
			name:           "identity lookup failure",
			prepare:        func(harness *routeHarness) { harness.provider.identityErr = ErrInvalidIdentity },
			query:          func(state string) url.Values { return url.Values{"state": {state}, "code": {"code-1"}} },
			expectedError:  callbackErrorAuthFailed,
			expectExchange: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness := newRouteHarness(t)
			client := harness.newBrowser()
			state := client.startLogin()
			if testCase.prepare != nil {
				testCase.prepare(harness)
			}

			recorder := client.callback(testCase.query(state))

			require.Equal(t, http.StatusFound, recorder.Code)
			require.Equal(t, loginErrorLocation(testCase.expectedError), recorder.Header().Get("Location"))
			exchangeCalls, _ := harness.provider.calls()
			if testCase.expectExchange {
				require.Equal(t, 1, exchangeCalls)
			} else {
				require.Zero(t, exchangeCalls)
			}
			require.Zero(t, harness.store.UserCount())
			require.False(t, client.status()["isLoggedIn"].(bool))

			attempts := harness.store.Attempts()
			require.Len(t, attempts, 1)
			require.Equal(t, testCase.expectedError, attempts[0].Error)

			stored, err := harness.sessions.Get(context.Background(), client.sessionID())
			require.NoError(t, err)
			require.Nil(t, stored.LoginState)
		})
	}
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	state := client.startLogin()
	client.callback(url.Values{"state": {state}, "code": {"code-1"}})

	attacker := harness.newBrowser()
	attacker.cookie = nil
	replayed := attacker.callback(url.Values{"state": {state}, "code": {"code-1"}})
	require.Equal(t, loginErrorLocation(callbackErrorStateMismatch), replayed.Header().Get("Location"))

	repeated := client.callback(url.Values{"state": {state}, "code": {"code-2"}})
	require.Equal(t, loginErrorLocation(callbackErrorStateMismatch), repeated.Header().Get("Location"))
	exchangeCalls, _ := harness.provider.calls()
	require.Equal(t, 1, exchangeCalls)
}

func TestCallbackAuditFailureDoesNotAuthenticate(t *testing.T) {
	harness := newRouteHarness(t, func(dependencies *Dependencies) {
		dependencies.Audits = &failingAuditStore{MemoryStore: dependencies.Users.(*MemoryStore), recordErr: errors.New("audit table offline")}
	})
	client := harness.newBrowser()
	state := client.startLogin()

	recorder := client.callback(url.Values{"state": {state}, "code": {"code-1"}})

	require.Equal(t, loginErrorLocation(callbackErrorAuthFailed), recorder.Header().Get("Location"))
	require.Nil(t, client.cookie)
	require.False(t, client.status()["isLoggedIn"].(bool))
	require.Equal(t, int64(1), harness.metrics.Count(metricLoginFailure))
}

func TestStatusReportsAuthenticatedUser(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	require.Equal(t, map[string]any{"isLoggedIn": false}, client.status())

	client.login("code-1")
	payload := client.status()

	require.True(t, payload["isLoggedIn"].(bool))
	require.NotEmpty(t, payload["csrfToken"])
	user := payload["user"].(map[string]any)
	require.Equal(t, "spotify-user", user["id"])
	require.Equal(t, "Listener", user["display_name"])
	require.Equal(t, "listener@example.com", user["email"])
	require.Equal(t, harness.clock.Now().Add(time.Hour).Format(time.RFC3339), payload["token_expires_at"])
}

func TestStatusDestroysSessionWhenTokenExpired(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")
	sessionID := client.sessionID()

	harness.clock.Advance(time.Hour)
	recorder := client.do(http.MethodGet, "/auth/status", nil, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, map[string]any{"isLoggedIn": false}, decodeBody(t, recorder))
	cleared := findCookie(recorder.Result().Cookies(), harness.manager.CookieName())
	require.NotNil(t, cleared)
	require.Negative(t, cleared.MaxAge)
	_, err := harness.sessions.Get(context.Background(), sessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Equal(t, int64(1), harness.metrics.Count(metricSessionExpired))

	me := client.do(http.MethodGet, "/auth/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, me.Code)
}

func TestStatusRevalidatesMirrorAgainstTokenStore(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")

	session, err := harness.sessions.Get(context.Background(), client.sessionID())
	require.NoError(t, err)
	session.TokenExpiresAt = harness.clock.Now().Add(48 * time.Hour)
	require.NoError(t, harness.sessions.Save(context.Background(), session, time.Hour))

	_, err = harness.store.UpdateTokensByRefreshToken(context.Background(), "refresh-code-1", TokenSet{
		AccessToken: "stale",
		ExpiresAt:   harness.clock.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	require.False(t, client.status()["isLoggedIn"].(bool))
}

func TestGuardRejectsAnonymousRequests(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()

	read := client.do(http.MethodGet, "/auth/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, read.Code)
	require.Equal(t, "unauthorized", decodeBody(t, read)["error"])

	write := client.do(http.MethodPost, "/auth/logout", nil, nil)
	require.Equal(t, http.StatusForbidden, write.Code)
	require.Equal(t, "invalid_csrf_token", decodeBody(t, write)["error"])
	require.Equal(t, int64(1), harness.metrics.Count(metricCSRFRejected))
}

func TestGuardRequiresMatchingCSRFTokenOnMutations(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")
	token := client.csrfToken()

	missing := client.do(http.MethodPost, "/api/playlists", []byte(`{}`), nil)
	require.Equal(t, http.StatusForbidden, missing.Code)

	wrong := client.do(http.MethodPost, "/api/playlists", []byte(`{}`), map[string]string{csrfHeaderName: "not-the-token"})
	require.Equal(t, http.StatusForbidden, wrong.Code)
	require.Equal(t, "invalid_csrf_token", decodeBody(t, wrong)["error"])

	accepted := client.do(http.MethodPost, "/api/playlists", []byte(`{}`), map[string]string{csrfHeaderName: token})
	require.Equal(t, http.StatusCreated, accepted.Code)

	form := url.Values{csrfFormField: {token}}.Encode()
	viaForm := client.do(http.MethodPost, "/api/playlists", []byte(form), map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	require.Equal(t, http.StatusCreated, viaForm.Code)
}

func TestGuardRotatesCSRFTokenAfterInterval(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")
	original := client.csrfToken()

	harness.clock.Advance(14*time.Minute + 59*time.Second)
	early := client.do(http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusOK, early.Code)
	require.Equal(t, original, early.Header().Get(csrfHeaderName))

	harness.clock.Advance(time.Second)
	due := client.do(http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusOK, due.Code)
	rotated := due.Header().Get(csrfHeaderName)
	require.NotEmpty(t, rotated)
	require.NotEqual(t, original, rotated)
	require.Equal(t, int64(1), harness.metrics.Count(metricCSRFRotated))

	stale := client.do(http.MethodPost, "/api/playlists", []byte(`{}`), map[string]string{csrfHeaderName: original})
	require.Equal(t, http.StatusForbidden, stale.Code)
	fresh := client.do(http.MethodPost, "/api/playlists", []byte(`{}`), map[string]string{csrfHeaderName: rotated})
	require.Equal(t, http.StatusCreated, fresh.Code)
}

func TestGuardSlidesSessionExpiry(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")

	harness.clock.Advance(20 * time.Hour)
	first := client.do(http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.NotNil(t, findCookie(first.Result().Cookies(), harness.manager.CookieName()))

	harness.clock.Advance(20 * time.Hour)
	second := client.do(http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusOK, second.Code)
}

func TestConcurrentSessionCap(t *testing.T) {
	harness := newRouteHarness(t)
	first := harness.newBrowser()
	second := harness.newBrowser()
	third := harness.newBrowser()
	first.login("code-1")
	second.login("code-2")
	require.Equal(t, http.StatusOK, first.do(http.MethodGet, "/api/profile", nil, nil).Code)

	third.login("code-3")
	rejected := third.do(http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusForbidden, rejected.Code)
	require.Equal(t, "session_limit_reached", decodeBody(t, rejected)["error"])
	require.Equal(t, int64(1), harness.metrics.Count(metricSessionLimitRejected))

	logout := second.do(http.MethodPost, "/auth/logout", nil, map[string]string{csrfHeaderName: second.csrfToken()})
	require.Equal(t, http.StatusOK, logout.Code)

	require.Equal(t, http.StatusOK, third.do(http.MethodGet, "/api/profile", nil, nil).Code)
}

func TestConcurrentSessionCapFailsClosed(t *testing.T) {
	var auditStore *failingAuditStore
	harness := newRouteHarness(t, func(dependencies *Dependencies) {
		auditStore = &failingAuditStore{MemoryStore: dependencies.Users.(*MemoryStore)}
		dependencies.Audits = auditStore
	})
	client := harness.newBrowser()
	client.login("code-1")
	auditStore.countErr = errors.New("connection reset")

	recorder := client.do(http.MethodGet, "/api/profile", nil, nil)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
}

func TestLogoutClosesLatestAuditAndClearsCookie(t *testing.T) {
	harness := newRouteHarness(t)
	earlier := harness.newBrowser()
	earlier.login("code-1")
	harness.clock.Advance(10 * time.Minute)
	client := harness.newBrowser()
	client.login("code-2")
	sessionID := client.sessionID()
	token := client.csrfToken()
	harness.clock.Advance(30 * time.Minute)

	recorder := client.do(http.MethodPost, "/auth/logout", nil, map[string]string{csrfHeaderName: token})

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, map[string]any{"success": true}, decodeBody(t, recorder))
	var cleared *http.Cookie
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == harness.manager.CookieName() {
			cleared = cookie
		}
	}
	require.NotNil(t, cleared)
	require.Negative(t, cleared.MaxAge)
	require.True(t, cleared.HttpOnly)
	require.Equal(t, "/", cleared.Path)
	require.Equal(t, http.SameSiteLaxMode, cleared.SameSite)
	_, err := harness.sessions.Get(context.Background(), sessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	userStatus := earlier.status()
	require.True(t, userStatus["isLoggedIn"].(bool))
	session, err := harness.sessions.Get(context.Background(), earlier.sessionID())
	require.NoError(t, err)

	audits := harness.store.Audits(session.UserID)
	require.Len(t, audits, 2)
	require.Nil(t, audits[0].LogoutAt)
	require.NotNil(t, audits[1].LogoutAt)
	require.Equal(t, int64(30*60), *audits[1].DurationSeconds)

	open, err := harness.store.CountOpen(context.Background(), session.UserID)
	require.NoError(t, err)
	require.Equal(t, int64(1), open)
	require.False(t, client.status()["isLoggedIn"].(bool))
}

func TestRefreshRejectsEmptyTokenWithoutProviderCall(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()

	for _, body := range [][]byte{nil, []byte(`{}`), []byte(`{"refresh_token":"  "}`)} {
		recorder := client.do(http.MethodPost, "/auth/refresh", body, nil)
		require.Equal(t, http.StatusBadRequest, recorder.Code, string(body))
		require.Equal(t, "missing_refresh_token", decodeBody(t, recorder)["error"])
	}
	_, refreshCalls := harness.provider.calls()
	require.Zero(t, refreshCalls)
}

func TestRefreshRejectsMalformedJSON(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()

	for _, body := range []string{`not-json`, `{"refresh_token":`, `{"refresh_token":42}`} {
		recorder := client.do(http.MethodPost, "/auth/refresh", []byte(body), nil)
		require.Equal(t, http.StatusBadRequest, recorder.Code, body)
		payload := decodeBody(t, recorder)
		require.Equal(t, "invalid_request", payload["error"], body)
		require.NotEmpty(t, payload["details"], body)
	}
	_, refreshCalls := harness.provider.calls()
	require.Zero(t, refreshCalls)
}

func TestRefreshUpdatesTokenStoreAndSessionMirror(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")
	harness.clock.Advance(30 * time.Minute)

	recorder := client.do(http.MethodPost, "/auth/refresh", []byte(`{"refresh_token":"refresh-code-1"}`), nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, "access-refreshed", payload["access_token"])
	require.Equal(t, float64(2*60*60), payload["expires_in"])
	expectedExpiry := harness.clock.Now().Add(2 * time.Hour)

	session, err := harness.sessions.Get(context.Background(), client.sessionID())
	require.NoError(t, err)
	require.Equal(t, expectedExpiry, session.TokenExpiresAt)
	user, err := harness.store.GetUser(context.Background(), session.UserID)
	require.NoError(t, err)
	require.Equal(t, "access-refreshed", user.AccessToken)
	require.Equal(t, expectedExpiry, user.TokenExpiresAt)
	require.Equal(t, "refresh-code-1", user.RefreshToken)
	require.Equal(t, int64(1), harness.metrics.Count(metricRefreshSuccess))
}

func TestRefreshPropagatesProviderErrorWithoutMutation(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")
	harness.provider.refreshErr = &ProviderError{StatusCode: http.StatusBadRequest, Code: "invalid_grant", Message: "Refresh token revoked"}

	recorder := client.do(http.MethodPost, "/auth/refresh", []byte(`{"refresh_token":"refresh-code-1"}`), nil)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, "refresh_failed", payload["error"])
	require.Equal(t, "Refresh token revoked", payload["details"])
	_, refreshCalls := harness.provider.calls()
	require.Equal(t, 1, refreshCalls)

	session, err := harness.sessions.Get(context.Background(), client.sessionID())
	require.NoError(t, err)
	user, err := harness.store.GetUser(context.Background(), session.UserID)
	require.NoError(t, err)
	require.Equal(t, "access-code-1", user.AccessToken)
	require.Equal(t, int64(1), harness.metrics.Count(metricRefreshFailure))
}

func TestRefreshSharesOneProviderCallPerToken(t *testing.T) {
	harness := newRouteHarness(t)
	harness.newBrowser().login("code-1")
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	harness.provider.refreshStarted = started
	harness.provider.refreshRelease = release

	const callers = 4
	results := make(chan int, callers)
	var waitGroup sync.WaitGroup
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			request := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refresh_token":"refresh-code-1"}`))
			request.Header.Set("Content-Type", "application/json")
			recorder := httptest.NewRecorder()
			harness.router.ServeHTTP(recorder, request)
			results <- recorder.Code
		}()
	}
	<-started
	time.Sleep(100 * time.Millisecond)
	close(release)
	waitGroup.Wait()
	close(results)

	for code := range results {
		require.Equal(t, http.StatusOK, code)
	}
	_, refreshCalls := harness.provider.calls()
	require.Equal(t, 1, refreshCalls)
}

func TestRefreshSurvivesFirstCallerCancellation(t *testing.T) {
	harness := newRouteHarness(t)
	harness.newBrowser().login("code-1")
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	harness.provider.refreshStarted = started
	harness.provider.refreshRelease = release

	serve := func(ctx context.Context, results chan<- int) {
		request := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refresh_token":"refresh-code-1"}`)).WithContext(ctx)
		request.Header.Set("Content-Type", "application/json")
		recorder := httptest.NewRecorder()
		harness.router.ServeHTTP(recorder, request)
		results <- recorder.Code
	}

	leaderContext, cancelLeader := context.WithCancel(context.Background())
	leaderResult := make(chan int, 1)
	go serve(leaderContext, leaderResult)
	<-started

	followerResult := make(chan int, 1)
	go serve(context.Background(), followerResult)
	time.Sleep(100 * time.Millisecond)
	cancelLeader()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Equal(t, http.StatusOK, <-leaderResult)
	require.Equal(t, http.StatusOK, <-followerResult)
	_, refreshCalls := harness.provider.calls()
	require.Equal(t, 1, refreshCalls)
}

func TestAuthRateLimitPerClientIP(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()

	for attempt := 0; attempt < 10; attempt++ {
		require.Equal(t, http.StatusFound, client.do(http.MethodGet, "/auth/login", nil, nil).Code)
	}
	limited := client.do(http.MethodGet, "/auth/login", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "too_many_requests", decodeBody(t, limited)["error"])
	require.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, limited.Header().Get("Retry-After"))
	require.Equal(t, int64(1), harness.metrics.Count(metricRateLimitRejected))

	other := harness.newBrowser()
	other.remoteIP = "198.51.100.7"
	require.Equal(t, http.StatusFound, other.do(http.MethodGet, "/auth/login", nil, nil).Code)
}

func TestAuthRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()

	allowed := 0
	for attempt := 0; attempt < 50; attempt++ {
		forwarded := map[string]string{"X-Forwarded-For": fmt.Sprintf("192.0.2.%d", attempt+1)}
		if client.do(http.MethodGet, "/auth/login", nil, forwarded).Code == http.StatusFound {
			allowed++
		}
	}
	require.Equal(t, 10, allowed)
}

func TestAuthRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	harness := newRouteHarness(t)
	require.NoError(t, harness.router.SetTrustedProxies([]string{"203.0.113.10"}))
	client := harness.newBrowser()

	for attempt := 0; attempt < 12; attempt++ {
		forwarded := map[string]string{"X-Forwarded-For": fmt.Sprintf("192.0.2.%d", attempt+1)}
		require.Equal(t, http.StatusFound, client.do(http.MethodGet, "/auth/login", nil, forwarded).Code)
	}
}

func TestAuthRateLimitSharedThroughRedis(t *testing.T) {
	redisServer := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	rateLimits, err := NewRedisRateLimitStore(redisClient)
	require.NoError(t, err)
	withSharedCounters := func(dependencies *Dependencies) { dependencies.RateLimitStore = rateLimits }

	first := newRouteHarness(t, withSharedCounters).newBrowser()
	second := newRouteHarness(t, withSharedCounters).newBrowser()
	for attempt := 0; attempt < 5; attempt++ {
		require.Equal(t, http.StatusFound, first.do(http.MethodGet, "/auth/login", nil, nil).Code)
		require.Equal(t, http.StatusFound, second.do(http.MethodGet, "/auth/login", nil, nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, first.do(http.MethodGet, "/auth/login", nil, nil).Code)
	require.Equal(t, http.StatusTooManyRequests, second.do(http.MethodGet, "/auth/login", nil, nil).Code)

	redisServer.FastForward(15 * time.Minute)
	require.Equal(t, http.StatusFound, first.do(http.MethodGet, "/auth/login", nil, nil).Code)
}

func TestAuthRateLimitSkipsAuthenticatedSessions(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")

	for attempt := 0; attempt < 12; attempt++ {
		recorder := client.do(http.MethodPost, "/auth/refresh", []byte(`{"refresh_token":"refresh-code-1"}`), nil)
		require.Equal(t, http.StatusOK, recorder.Code)
	}
}

func TestMeReturnsStoredProfile(t *testing.T) {
	harness := newRouteHarness(t)
	client := harness.newBrowser()
	client.login("code-1")

	recorder := client.do(http.MethodGet, "/auth/me", nil, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, "spotify-user", payload["id"])
	require.Equal(t, "https://img.example.com/a.png", payload["profile_image"])
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	store := NewMemoryStore()
	clock := NewSystemClock()
	manager := newTestSessionManager(t, NewMemorySessionStore(), clock)
	complete := Dependencies{Provider: newStubProvider(clock), Users: store, Audits: store, Attempts: store, Sessions: manager}

	_, err := NewService(newTestServerConfig(), complete)
	require.NoError(t, err)

	withoutProvider := complete
	withoutProvider.Provider = nil
	_, err = NewService(newTestServerConfig(), withoutProvider)
	require.EqualError(t, err, "auth_service.missing_provider")

	configuration := newTestServerConfig()
	configuration.FrontendURL = " "
	_, err = NewService(configuration, complete)
	require.EqualError(t, err, "auth_service.missing_frontend_url")
}
