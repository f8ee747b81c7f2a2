package authz

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faros/cockpit-gateway/pkg/contextkeys"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/relay"
	"github.com/faros/cockpit-gateway/pkg/session"
)

type fakeUserReader struct {
	users map[string]*session.User
	err   error
}

func (f *fakeUserReader) GetUser(_ context.Context, id, hash string) (*session.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	user, ok := f.users[session.UserKey(id, hash)]
	if !ok {
		return nil, session.ErrUserNotFound
	}
	return user, nil
}

type authzFixture struct {
	mw       *Middleware
	sessions *session.Manager
	store    *fakeUserReader
	client   *redis.Client
}

func newAuthzFixture(t *testing.T, production bool) *authzFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	sessions := session.NewManager(client, logger, false)
	store := &fakeUserReader{users: map[string]*session.User{}}

	return &authzFixture{
		mw:       NewMiddleware(sessions, store, production, nil, observability.NopReporter{}, logger),
		sessions: sessions,
		store:    store,
		client:   client,
	}
}

func completeUser() *session.User {
	return &session.User{
		ID:   "u1",
		Hash: "h1",
		Name: "Jane Doe",
		Token: map[session.Provider]*session.TokenSet{
			session.ProviderSecondary: {IDToken: "tok"},
		},
		Accounts: []session.Account{
			{Tenant: "t1", Role: "admin", Name: "Acme", OrderFormAccepted: true},
			{Tenant: "t2", Role: "viewer", Name: "Globex", OrderFormAccepted: false},
		},
	}
}

// authenticate seeds the store with a complete user and returns the session
// cookie pointing at it.
func (fx *authzFixture) authenticate(t *testing.T, user *session.User) *http.Cookie {
	t.Helper()

	fx.store.users[user.Key()] = user

	w := httptest.NewRecorder()
	sess, err := fx.sessions.Load(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.UserID = user.ID
	sess.UserHash = user.Hash
	require.NoError(t, fx.sessions.Save(context.Background(), sess))

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0]
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestEnsureAuthenticatedRedirectsAnonymous(t *testing.T) {
	fx := newAuthzFixture(t, false)

	called := false
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/app/dashboard?tab=alerts", nil)
	fx.mw.EnsureAuthenticated(okHandler(&called)).ServeHTTP(w, r)

	assert.False(t, called)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/auth", w.Header().Get("Location"))

	// requested path is remembered for the post-login redirect
	cookie := w.Result().Cookies()[0]
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(cookie)
	sess, err := fx.sessions.Load(httptest.NewRecorder(), r2)
	require.NoError(t, err)
	assert.Equal(t, "/app/dashboard?tab=alerts", sess.OriginalPath)
}

func TestEnsureAuthenticatedPassesCompleteUser(t *testing.T) {
	fx := newAuthzFixture(t, false)
	cookie := fx.authenticate(t, completeUser())

	var gotUser *session.User
	handler := fx.mw.EnsureAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = contextkeys.UserFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/app", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.NotNil(t, gotUser)
	assert.Equal(t, "u1", gotUser.ID)
}

func TestEnsureAuthenticatedClearsStaleUserPointer(t *testing.T) {
	fx := newAuthzFixture(t, false)
	cookie := fx.authenticate(t, completeUser())

	// user record expired from the store, session still points at it
	fx.store.users = map[string]*session.User{}

	r := httptest.NewRequest(http.MethodGet, "/app", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	called := false
	fx.mw.EnsureAuthenticated(okHandler(&called)).ServeHTTP(w, r)

	assert.False(t, called)
	assert.Equal(t, http.StatusFound, w.Code)

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(cookie)
	sess, err := fx.sessions.Load(httptest.NewRecorder(), r2)
	require.NoError(t, err)
	assert.Empty(t, sess.UserID)
}

func TestEnsureAPIAuthenticated(t *testing.T) {
	fx := newAuthzFixture(t, false)

	w := httptest.NewRecorder()
	called := false
	fx.mw.EnsureAPIAuthenticated(okHandler(&called)).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/graphql", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	cookie := fx.authenticate(t, completeUser())
	r := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	r.AddCookie(cookie)
	w = httptest.NewRecorder()
	fx.mw.EnsureAPIAuthenticated(okHandler(&called)).ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnsureAPIAuthenticatedIncompleteUser(t *testing.T) {
	fx := newAuthzFixture(t, false)

	user := completeUser()
	user.Token = map[session.Provider]*session.TokenSet{
		session.ProviderPrimary: {IDToken: "tok"},
	}
	cookie := fx.authenticate(t, user)

	r := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	called := false
	fx.mw.EnsureAPIAuthenticated(okHandler(&called)).ServeHTTP(w, r)

	// stage 1 alone does not open the API
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnsureCSRF(t *testing.T) {
	fx := newAuthzFixture(t, true)

	sess := &session.Session{ID: "s1", CSRFToken: "secret"}
	withSession := func(r *http.Request) *http.Request {
		return r.WithContext(contextkeys.WithSession(r.Context(), sess))
	}

	called := false
	handler := fx.mw.EnsureCSRF(okHandler(&called))

	r := withSession(httptest.NewRequest(http.MethodPost, "/graphql", nil))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = withSession(httptest.NewRequest(http.MethodPost, "/graphql", nil))
	r.Header.Set(CSRFHeader, "wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = withSession(httptest.NewRequest(http.MethodPost, "/graphql", nil))
	r.Header.Set(CSRFHeader, "secret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.True(t, called)
}

func TestEnsureCSRFSkippedOutsideProduction(t *testing.T) {
	fx := newAuthzFixture(t, false)

	called := false
	w := httptest.NewRecorder()
	fx.mw.EnsureCSRF(okHandler(&called)).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/graphql", nil))
	assert.True(t, called)
}

func TestEnsureCSRFToken(t *testing.T) {
	fx := newAuthzFixture(t, true)

	w := httptest.NewRecorder()
	sess, err := fx.sessions.Load(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	token, err := fx.mw.EnsureCSRFToken(context.Background(), sess)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	again, err := fx.mw.EnsureCSRFToken(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

// opRequest builds a request carrying a parsed operation and user in
// context.
func opRequest(t *testing.T, name, variables string, user *session.User) *http.Request {
	t.Helper()

	op := &relay.Operation{Name: name}
	if variables != "" {
		op.Variables = json.RawMessage(variables)
	}

	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{}"))
	ctx := context.WithValue(r.Context(), contextkeys.OperationKey, op)
	if user != nil {
		ctx = contextkeys.WithUser(ctx, user)
	}
	return r.WithContext(ctx)
}

func TestCheckOrderFormAccepted(t *testing.T) {
	fx := newAuthzFixture(t, false)
	user := completeUser()

	tests := []struct {
		name       string
		operation  string
		tenant     string
		wantStatus int
		wantCalled bool
	}{
		{"account agnostic operation passes", "currentUser", "t2", http.StatusOK, true},
		{"accepted account passes", "alerts", "t1", http.StatusOK, true},
		{"unaccepted account blocked", "alerts", "t2", http.StatusForbidden, false},
		{"missing tenant header passes", "alerts", "", http.StatusOK, true},
		{"unknown tenant passes", "alerts", "t9", http.StatusOK, true},
		{"missing operation name blocked", "", "t1", http.StatusForbidden, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			r := opRequest(t, tc.operation, "", user)
			if tc.tenant != "" {
				r.Header.Set(TenantHeader, tc.tenant)
			}

			w := httptest.NewRecorder()
			fx.mw.CheckOrderFormAccepted(okHandler(&called)).ServeHTTP(w, r)

			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantCalled, called)
		})
	}
}

func TestCheckOrderFormAcceptedAllAcceptedPasses(t *testing.T) {
	fx := newAuthzFixture(t, false)

	// nothing pending means the gate has nothing to protect, even
	// without a tenant header or operation name on the request
	user := completeUser()
	for i := range user.Accounts {
		user.Accounts[i].OrderFormAccepted = true
	}

	called := false
	w := httptest.NewRecorder()
	fx.mw.CheckOrderFormAccepted(okHandler(&called)).ServeHTTP(w, opRequest(t, "alerts", "", user))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)

	called = false
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{}"))
	r = r.WithContext(contextkeys.WithUser(r.Context(), user))
	w = httptest.NewRecorder()
	fx.mw.CheckOrderFormAccepted(okHandler(&called)).ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckSuperAdmin(t *testing.T) {
	fx := newAuthzFixture(t, false)
	user := completeUser()

	tests := []struct {
		name       string
		operation  string
		variables  string
		wantStatus int
		wantCalled bool
	}{
		{"other operations pass", "accounts", "", http.StatusOK, true},
		{"acceptance without super-admin scope blocked", relay.AcceptOrderFormsOperation, `{"input":[{"accountID":"t9"}]}`, http.StatusForbidden, false},
		{"acceptance with empty input blocked", relay.AcceptOrderFormsOperation, `{"input":[]}`, http.StatusForbidden, false},
		{"missing operation name blocked", "", "", http.StatusForbidden, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			w := httptest.NewRecorder()
			fx.mw.CheckSuperAdmin(okHandler(&called)).ServeHTTP(w, opRequest(t, tc.operation, tc.variables, user))

			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantCalled, called)
		})
	}
}

func TestCheckSuperAdminOwnAccountNotEnough(t *testing.T) {
	fx := newAuthzFixture(t, false)

	// holding the account does not grant acceptance rights; only a
	// super-admin scoped to the account may accept its order form
	user := completeUser()

	called := false
	w := httptest.NewRecorder()
	fx.mw.CheckSuperAdmin(okHandler(&called)).ServeHTTP(w, opRequest(t, relay.AcceptOrderFormsOperation, `{"input":[{"accountID":"t2"}]}`, user))

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCheckSuperAdminAdministeredAccounts(t *testing.T) {
	fx := newAuthzFixture(t, false)

	user := completeUser()
	user.PrepareUserStatus = session.StatusSuperAdminTenantScoped
	user.SuperAdminAccounts = []string{"t7", "t8"}

	called := false
	w := httptest.NewRecorder()
	fx.mw.CheckSuperAdmin(okHandler(&called)).ServeHTTP(w, opRequest(t, relay.AcceptOrderFormsOperation, `{"input":[{"accountID":"t7"},{"accountID":"t8"}]}`, user))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)

	// one account outside the administered scope blocks the batch
	called = false
	w = httptest.NewRecorder()
	fx.mw.CheckSuperAdmin(okHandler(&called)).ServeHTTP(w, opRequest(t, relay.AcceptOrderFormsOperation, `{"input":[{"accountID":"t7"},{"accountID":"t9"}]}`, user))

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestResolveUserStoreUnavailable(t *testing.T) {
	fx := newAuthzFixture(t, false)
	cookie := fx.authenticate(t, completeUser())
	fx.store.err = session.ErrSessionUnavailable

	r := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	called := false
	fx.mw.EnsureAPIAuthenticated(okHandler(&called)).ServeHTTP(w, r)

	assert.False(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
