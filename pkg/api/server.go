// Package api assembles the HTTP surface: landing and session state
// endpoints for the single-page app, the login routes, the relayed
// /graphql endpoint, and the operational health server.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/faros/cockpit-gateway/pkg/authz"
	"github.com/faros/cockpit-gateway/pkg/contextkeys"
	"github.com/faros/cockpit-gateway/pkg/featuretoggle"
	"github.com/faros/cockpit-gateway/pkg/httputil"
	"github.com/faros/cockpit-gateway/pkg/login"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/relay"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// Server wires the application routes
type Server struct {
	sessions *session.Manager
	store    authz.UserReader
	authz    *authz.Middleware
	logins   *login.Handlers
	proxy    *relay.Proxy
	toggles  *featuretoggle.Source
	logger   *observability.Logger
	metrics  *observability.Metrics

	tracing bool
}

// NewServer creates the Server. toggles may be nil when feature toggles
// are not configured.
func NewServer(sessions *session.Manager, store authz.UserReader, authzMW *authz.Middleware, logins *login.Handlers, proxy *relay.Proxy, toggles *featuretoggle.Source, metrics *observability.Metrics, logger *observability.Logger, tracing bool) *Server {
	return &Server{
		sessions: sessions,
		store:    store,
		authz:    authzMW,
		logins:   logins,
		proxy:    proxy,
		toggles:  toggles,
		logger:   logger,
		metrics:  metrics,
		tracing:  tracing,
	}
}

// Handler builds the full application handler with the middleware chain
// applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/", s.Landing).Methods(http.MethodGet)
	router.HandleFunc("/unauthorized", s.Unauthorized).Methods(http.MethodGet)

	s.logins.RegisterRoutes(router)

	graphql := httputil.Chain(
		s.authz.EnsureAPIAuthenticated,
		s.authz.EnsureCSRF,
		relay.ParseOperation,
		s.authz.CheckSuperAdmin,
		s.authz.CheckOrderFormAccepted,
	)(s.proxy)
	router.Handle("/graphql", graphql).Methods(http.MethodPost)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		observability.HTTPMetricsMiddleware(s.metrics),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)

	var handler http.Handler = chain(router)
	if s.tracing {
		handler = otelhttp.NewHandler(handler, "cockpit-gateway")
	}
	return handler
}

type accountView struct {
	Tenant            string `json:"tenant"`
	Name              string `json:"name"`
	Role              string `json:"role"`
	OrderFormAccepted bool   `json:"orderFormAccepted"`
}

type userView struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Email              string        `json:"email"`
	Accounts           []accountView `json:"accounts"`
	SuperAdminAccounts []string      `json:"superAdminAccounts,omitempty"`
}

type pageState struct {
	Authenticated bool              `json:"authenticated"`
	User          *userView         `json:"user,omitempty"`
	Selected      string            `json:"selectedTenant,omitempty"`
	Flash         map[string]string `json:"flash,omitempty"`
	Features      map[string]bool   `json:"features,omitempty"`
	CSRFToken     string            `json:"csrfToken,omitempty"`
}

// Landing serves the page state the single-page app boots from: pending
// flash messages, feature toggles, and the user when a login is complete.
func (s *Server) Landing(w http.ResponseWriter, r *http.Request) {
	firstVisit := !hasSessionCookie(r)

	sess, err := s.sessions.Load(w, r)
	if err != nil {
		s.logger.WithError(err).Error("session load failed")
		httputil.WriteServiceUnavailable(w, "session store unavailable")
		return
	}

	state := pageState{
		Flash:    sess.PopFlash(),
		Features: s.clientFeatures(),
	}

	user := s.loadUser(r, sess)
	if user != nil {
		state.Authenticated = true
		state.User = viewOf(user)
		state.Selected = sess.Selected

		token, err := s.authz.EnsureCSRFToken(r.Context(), sess)
		if err != nil {
			s.logger.WithError(err).Error("csrf token save failed")
			httputil.WriteServiceUnavailable(w, "session store unavailable")
			return
		}
		state.CSRFToken = token

		if s.metrics != nil {
			countVisit(s.metrics.VisitCockpitTotal, s.metrics.VisitCockpitUniqueTotal, firstVisit)
		}
	} else if s.metrics != nil {
		countVisit(s.metrics.VisitLandingTotal, s.metrics.VisitLandingUniqueTotal, firstVisit)
	}

	if len(state.Flash) > 0 {
		if err := s.sessions.Save(r.Context(), sess); err != nil {
			s.logger.WithError(err).Warn("flash consume save failed")
		}
	}

	httputil.WriteJSON(w, http.StatusOK, state)
}

// Unauthorized serves the terminal denial page state
func (s *Server) Unauthorized(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Load(w, r)
	if err != nil {
		s.logger.WithError(err).Error("session load failed")
		httputil.WriteServiceUnavailable(w, "session store unavailable")
		return
	}

	state := pageState{
		Flash:    sess.PopFlash(),
		Features: s.clientFeatures(),
	}

	if len(state.Flash) > 0 {
		if err := s.sessions.Save(r.Context(), sess); err != nil {
			s.logger.WithError(err).Warn("flash consume save failed")
		}
	}

	httputil.WriteJSON(w, http.StatusOK, state)
}

func (s *Server) clientFeatures() map[string]bool {
	if s.toggles == nil {
		return nil
	}
	return s.toggles.ForClient()
}

// loadUser fetches the user record the session points at, nil when the
// login is absent or incomplete.
func (s *Server) loadUser(r *http.Request, sess *session.Session) *session.User {
	if sess.UserID == "" {
		return nil
	}
	if user, ok := contextkeys.UserFrom(r.Context()); ok {
		return user
	}
	user, err := s.store.GetUser(r.Context(), sess.UserID, sess.UserHash)
	if err != nil || !user.HasCompleteTokenSet() {
		return nil
	}
	return user
}

func countVisit(total, unique prometheus.Counter, firstVisit bool) {
	total.Inc()
	if firstVisit {
		unique.Inc()
	}
}

func viewOf(user *session.User) *userView {
	view := &userView{
		ID:                 user.ID,
		Name:               user.Name,
		Email:              user.Email,
		SuperAdminAccounts: user.SuperAdminAccounts,
		Accounts:           make([]accountView, 0, len(user.Accounts)),
	}
	for _, a := range user.Accounts {
		view.Accounts = append(view.Accounts, accountView{
			Tenant:            a.Tenant,
			Name:              a.Name,
			Role:              a.Role,
			OrderFormAccepted: a.OrderFormAccepted,
		})
	}
	return view
}

func hasSessionCookie(r *http.Request) bool {
	_, err := r.Cookie(session.CookieName)
	return err == nil
}

// HealthHandler builds the operational endpoint handler served on the
// health port. A nil registry leaves the /metrics route unregistered.
func HealthHandler(checker *observability.HealthChecker, registry *prometheus.Registry) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
	if registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}
	return router
}
