package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/faros/cockpit-gateway/pkg/observability"
)

// CookieName is the browser session cookie
const CookieName = "cockpit.sid"

// sessionTTL matches the user record TTL so a browser session never
// outlives the user record it points at.
const sessionTTL = UserTTL

// Flash field names surfaced to the landing page
const (
	FlashTechnicalError      = "technicalErrorOccurred"
	FlashUnableToFindAccount = "unableToFindAccount"
	FlashNoAccess            = "noaccess"
	FlashUnauthorized        = "unauthorized"
	FlashUserID              = "userId"
)

// Session is the per-browser state that survives redirects. It carries the
// pointer to the user record, never the record itself.
type Session struct {
	ID           string            `json:"id"`
	Provider     Provider          `json:"provider,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	UserHash     string            `json:"userHash,omitempty"`
	// Selected is the tenant the app opens on, the first resolved account
	Selected     string            `json:"selected,omitempty"`
	OriginalPath string            `json:"originalPath,omitempty"`
	OAuthState   string            `json:"oauthState,omitempty"`
	CSRFToken    string            `json:"csrfToken,omitempty"`
	Flash        map[string]string `json:"flash,omitempty"`
}

// SetFlash records a one-shot value surfaced on the next page render
func (s *Session) SetFlash(key, value string) {
	if s.Flash == nil {
		s.Flash = make(map[string]string)
	}
	s.Flash[key] = value
}

// PopFlash consumes and returns all pending flash values
func (s *Session) PopFlash() map[string]string {
	f := s.Flash
	s.Flash = nil
	return f
}

// ClearUser drops the pointer to the user record and all login-stage state
func (s *Session) ClearUser() {
	s.Provider = ""
	s.UserID = ""
	s.UserHash = ""
	s.Selected = ""
	s.OAuthState = ""
}

// Manager loads and saves browser sessions, keyed by a cookie
type Manager struct {
	client *redis.Client
	logger *observability.Logger

	secure bool
}

// NewManager creates a session Manager. secure controls the cookie Secure
// attribute and should be true everywhere except local development.
func NewManager(client *redis.Client, logger *observability.Logger, secure bool) *Manager {
	return &Manager{client: client, logger: logger, secure: secure}
}

func sessionKey(id string) string {
	return "sess:" + id
}

// Load returns the session for the request, creating a fresh one and
// setting its cookie when the request carries none (or a stale one).
func (m *Manager) Load(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		data, err := m.client.Get(r.Context(), sessionKey(cookie.Value)).Bytes()
		if err == nil {
			var sess Session
			if jsonErr := json.Unmarshal(data, &sess); jsonErr == nil {
				return &sess, nil
			}
			m.logger.WithField("session_id", cookie.Value).Warn("discarding corrupt browser session")
		} else if err != redis.Nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
		}
	}

	sess := &Session{ID: uuid.NewString()}
	if err := m.Save(r.Context(), sess); err != nil {
		return nil, err
	}
	m.setCookie(w, sess.ID, sessionTTL)
	return sess, nil
}

// Save persists the session under its id
func (m *Manager) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal browser session: %w", err)
	}
	if err := m.client.Set(ctx, sessionKey(sess.ID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

// Destroy removes the session and expires its cookie
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request, sess *Session) error {
	if err := m.client.Del(r.Context(), sessionKey(sess.ID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	m.setCookie(w, "", -time.Second)
	return nil
}

func (m *Manager) setCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	cookie := &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl < 0 {
		cookie.MaxAge = -1
	} else {
		cookie.MaxAge = int(ttl / time.Second)
	}
	http.SetCookie(w, cookie)
}
