// Package authz guards browser pages and relayed API calls: it resolves
// the session to a user record and enforces CSRF, order-form, and
// super-admin rules before anything reaches the upstream gateway.
package authz

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/faros/cockpit-gateway/pkg/contextkeys"
	"github.com/faros/cockpit-gateway/pkg/httputil"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/relay"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// TenantHeader names the account the browser is acting on
const TenantHeader = "x-cockpit-account-tenant"

// CSRFHeader carries the double-submit CSRF token
const CSRFHeader = "x-csrf-token"

// UserReader loads user records
type UserReader interface {
	GetUser(ctx context.Context, id, hash string) (*session.User, error)
}

// Middleware bundles the authorization middleware with its dependencies
type Middleware struct {
	sessions *session.Manager
	store    UserReader
	logger   *observability.Logger
	reporter observability.Reporter

	production bool

	// accountAgnostic operations skip the order-form gate
	accountAgnostic map[string]bool
}

// NewMiddleware creates the authorization Middleware. accountAgnostic
// defaults to relay.DefaultAccountAgnosticOperations when nil.
func NewMiddleware(sessions *session.Manager, store UserReader, production bool, accountAgnostic []string, reporter observability.Reporter, logger *observability.Logger) *Middleware {
	if accountAgnostic == nil {
		accountAgnostic = relay.DefaultAccountAgnosticOperations
	}
	agnostic := make(map[string]bool, len(accountAgnostic))
	for _, op := range accountAgnostic {
		agnostic[op] = true
	}

	if reporter == nil {
		reporter = observability.NewLogReporter(logger)
	}

	return &Middleware{
		sessions:        sessions,
		store:           store,
		logger:          logger,
		reporter:        reporter,
		production:      production,
		accountAgnostic: agnostic,
	}
}

// resolveUser loads the session and, when it points at a complete user
// record, the user.
func (m *Middleware) resolveUser(w http.ResponseWriter, r *http.Request) (*session.Session, *session.User, error) {
	sess, err := m.sessions.Load(w, r)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID == "" {
		return sess, nil, nil
	}

	user, err := m.store.GetUser(r.Context(), sess.UserID, sess.UserHash)
	if err == session.ErrUserNotFound {
		// record expired, the session pointer is stale
		sess.ClearUser()
		if saveErr := m.sessions.Save(r.Context(), sess); saveErr != nil {
			m.logger.WithError(saveErr).Warn("stale session save failed")
		}
		return sess, nil, nil
	}
	if err != nil {
		return sess, nil, err
	}
	if !user.HasCompleteTokenSet() {
		return sess, nil, nil
	}
	return sess, user, nil
}

// EnsureAuthenticated guards browser page routes. Unauthenticated
// visitors are sent into the login flow, remembering where they wanted
// to go.
func (m *Middleware) EnsureAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, user, err := m.resolveUser(w, r)
		if err != nil {
			m.logger.WithError(err).Error("session resolution failed")
			httputil.WriteServiceUnavailable(w, "session store unavailable")
			return
		}

		if user == nil {
			sess.OriginalPath = r.URL.RequestURI()
			if err := m.sessions.Save(r.Context(), sess); err != nil {
				m.logger.WithError(err).Warn("original path save failed")
			}

			http.Redirect(w, r, "/auth", http.StatusFound)
			return
		}

		ctx := contextkeys.WithUser(r.Context(), user)
		ctx = contextkeys.WithSession(ctx, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EnsureAPIAuthenticated guards API routes with a JSON 401 instead of a
// redirect.
func (m *Middleware) EnsureAPIAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, user, err := m.resolveUser(w, r)
		if err != nil {
			m.logger.WithError(err).Error("session resolution failed")
			httputil.WriteServiceUnavailable(w, "session store unavailable")
			return
		}

		if user == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		ctx := contextkeys.WithUser(r.Context(), user)
		ctx = contextkeys.WithSession(ctx, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EnsureCSRF enforces the double-submit CSRF token on state-changing API
// requests. Enforcement is limited to production; local setups and tests
// run without the token.
func (m *Middleware) EnsureCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.production {
			next.ServeHTTP(w, r)
			return
		}

		sess, ok := contextkeys.SessionFrom(r.Context())
		if !ok || sess.CSRFToken == "" || r.Header.Get(CSRFHeader) != sess.CSRFToken {
			httputil.WriteForbidden(w, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EnsureCSRFToken makes sure the session carries a CSRF token for the
// page to embed.
func (m *Middleware) EnsureCSRFToken(ctx context.Context, sess *session.Session) (string, error) {
	if sess.CSRFToken == "" {
		sess.CSRFToken = uuid.NewString()
		if err := m.sessions.Save(ctx, sess); err != nil {
			return "", err
		}
	}
	return sess.CSRFToken, nil
}

// CheckSuperAdmin restricts the order-form-acceptance mutation to
// tenant-scoped super-admins: every account named in the input must be
// one the caller administers. Other operations pass untouched.
func (m *Middleware) CheckSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := relay.OperationFrom(r.Context())
		if !ok || op.Name == "" {
			httputil.WriteForbidden(w, "missing operation name")
			return
		}
		if op.Name != relay.AcceptOrderFormsOperation {
			next.ServeHTTP(w, r)
			return
		}

		user, ok := contextkeys.UserFrom(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		ids := op.AccountIDs()
		if len(ids) == 0 {
			httputil.WriteForbidden(w, "order form acceptance names no accounts")
			return
		}
		for _, accountID := range ids {
			if !user.IsSuperAdminFor(accountID) {
				m.reporter.CaptureMessage("order form acceptance without super-admin scope", map[string]interface{}{
					"user_id":    user.ID,
					"account_id": accountID,
				})
				httputil.WriteForbidden(w, fmt.Sprintf("not a super-admin for account %s", accountID))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// CheckOrderFormAccepted blocks relayed operations that target an
// account whose order form is still pending. Callers with no pending
// accounts pass unconditionally, as do account-agnostic operations and
// requests whose tenant header names an accepted account.
func (m *Middleware) CheckOrderFormAccepted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := contextkeys.UserFrom(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		unaccepted := user.UnacceptedAccounts()
		if len(unaccepted) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		op, ok := relay.OperationFrom(r.Context())
		if !ok || op.Name == "" {
			httputil.WriteForbidden(w, "missing operation name")
			return
		}
		if m.accountAgnostic[op.Name] {
			next.ServeHTTP(w, r)
			return
		}

		tenant := r.Header.Get(TenantHeader)
		for _, a := range unaccepted {
			if a.Tenant == tenant {
				httputil.WriteForbidden(w, "order form not accepted")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
