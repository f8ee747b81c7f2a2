package login

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/faros/cockpit-gateway/pkg/config"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// Handlers exposes the login flow over HTTP
type Handlers struct {
	flow     *Flow
	sessions *session.Manager
	registry *Registry
	store    UserStore
	logger   *observability.Logger

	loginFlow config.LoginFlow
}

// NewHandlers creates login Handlers
func NewHandlers(flow *Flow, sessions *session.Manager, registry *Registry, store UserStore, loginFlow config.LoginFlow, logger *observability.Logger) *Handlers {
	return &Handlers{
		flow:      flow,
		sessions:  sessions,
		registry:  registry,
		store:     store,
		logger:    logger,
		loginFlow: loginFlow,
	}
}

// RegisterRoutes registers the login routes on the router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth", h.Authenticate).Methods(http.MethodGet)
	router.HandleFunc("/auth/callback", h.Callback).Methods(http.MethodGet)
	router.HandleFunc("/logout", h.Logout).Methods(http.MethodGet, http.MethodPost)
}

// Authenticate starts (or continues) a login. A fresh session starts the
// primary stage; a session holding a primary-stage user continues with
// the secondary stage. connector_id=customer_sso selects the single-stage
// customer flow.
func (h *Handlers) Authenticate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Load(w, r)
	if err != nil {
		h.logger.WithError(err).Error("session load failed")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	provider := h.nextProvider(r, sess)

	redirectURL, err := h.flow.Begin(r.Context(), sess, provider)
	if err != nil {
		h.logger.WithError(err).WithField("provider", string(provider)).Error("login start failed")
		sess.SetFlash(session.FlashTechnicalError, "true")
		h.save(r, sess)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	h.save(r, sess)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// nextProvider decides which stage the session is ready for
func (h *Handlers) nextProvider(r *http.Request, sess *session.Session) session.Provider {
	if r.URL.Query().Get("connector_id") == "customer_sso" {
		return session.ProviderDirect
	}
	if sess.UserID != "" && sess.Provider == session.ProviderPrimary {
		return session.ProviderSecondary
	}
	return session.ProviderPrimary
}

// Callback finishes the stage the session is in and routes the browser by
// outcome.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Load(w, r)
	if err != nil {
		h.logger.WithError(err).Error("session load failed")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" || state != sess.OAuthState {
		h.logger.WithField("session_id", sess.ID).Warn("callback with missing or stale state")
		sess.OAuthState = ""
		h.save(r, sess)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	outcome := h.flow.HandleCallback(r.Context(), sess, code)

	switch {
	case outcome.Denied:
		h.handleDenied(w, r, sess, outcome)
	case outcome.NextProvider != "":
		h.save(r, sess)
		// blocked-anonymous deployments have no landing page; the root
		// itself forces the next stage
		if h.loginFlow == config.LoginFlowBlockAnonymous {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/auth", http.StatusFound)
	default:
		h.handleComplete(w, r, sess)
	}
}

func (h *Handlers) handleDenied(w http.ResponseWriter, r *http.Request, sess *session.Session, outcome *Outcome) {
	// a denied login leaves nothing to resume
	h.registry.UnregisterAll(sess.ID)

	target := "/"
	switch outcome.Reason {
	case DenyNoAccess, DenyOptOut, DenyGlobalSuperAdmin, DenyNoAcceptedAccount:
		sess.SetFlash(session.FlashUnauthorized, "true")
		// eligible accounts exist but none cleared the acceptance filter;
		// the unauthorized page explains the pending order form
		if outcome.Reason == DenyNoAcceptedAccount {
			sess.SetFlash(session.FlashNoAccess, "true")
		}
		if outcome.UserID != "" {
			sess.SetFlash(session.FlashUserID, outcome.UserID)
		}
		sess.ClearUser()
		target = "/unauthorized"
	case DenyNoEligibleAccount:
		sess.SetFlash(session.FlashUnableToFindAccount, "true")
		sess.ClearUser()
	case DenyIdentityMismatch, DenyTechnicalError:
		sess.SetFlash(session.FlashTechnicalError, "true")
		sess.ClearUser()
	default:
		sess.SetFlash(session.FlashTechnicalError, "true")
		sess.ClearUser()
	}

	h.save(r, sess)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handlers) handleComplete(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	h.registry.UnregisterAll(sess.ID)

	target := "/"
	if strings.HasPrefix(sess.OriginalPath, "/") {
		target = sess.OriginalPath
	}
	sess.OriginalPath = ""

	h.save(r, sess)
	http.Redirect(w, r, target, http.StatusFound)
}

// Logout removes the user record and the browser session
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Load(w, r)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if sess.UserID != "" {
		if err := h.store.DeleteUser(r.Context(), sess.UserID, sess.UserHash); err != nil {
			h.logger.WithError(err).Warn("user record delete on logout failed")
		}
	}
	h.registry.UnregisterAll(sess.ID)

	if err := h.sessions.Destroy(w, r, sess); err != nil {
		h.logger.WithError(err).Warn("session destroy on logout failed")
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handlers) save(r *http.Request, sess *session.Session) {
	if err := h.sessions.Save(r.Context(), sess); err != nil {
		h.logger.WithError(err).Error("session save failed")
	}
}
