// Package login implements the staged authentication flow: provisioning
// per-session login strategies, exchanging authorization codes, and
// building the composite user record.
package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"github.com/faros/cockpit-gateway/pkg/accounts"
	"github.com/faros/cockpit-gateway/pkg/featuretoggle"
	"github.com/faros/cockpit-gateway/pkg/federation"
	"github.com/faros/cockpit-gateway/pkg/gateway"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// FederationClient is the slice of the federation client the flow needs
type FederationClient interface {
	FetchOIDCParameters(ctx context.Context, connectorID federation.ConnectorID) (*federation.OIDCParameters, error)
	ExchangeToken(ctx context.Context, connectorID federation.ConnectorID, token string) (string, error)
}

// GatewayClient is the slice of the gateway client the flow needs
type GatewayClient interface {
	PrepareUserLogin(ctx context.Context, bearer string) (*gateway.PrepareUserResult, error)
}

// AccountResolver computes the entitled account list for a user
type AccountResolver interface {
	Resolve(ctx context.Context, bearer string, user *session.User) ([]session.Account, error)
}

// UserStore persists user records
type UserStore interface {
	GetUser(ctx context.Context, id, hash string) (*session.User, error)
	PutUser(ctx context.Context, user *session.User) error
	DeleteUser(ctx context.Context, id, hash string) error
}

// Toggles reports runtime feature toggle state
type Toggles interface {
	IsEnabled(name string) bool
}

// StaticIssuer is the fallback OIDC configuration used when redirect
// optimization is toggled off: parameters come from issuer discovery
// instead of the federation service, and minted ID tokens are verified
// locally.
type StaticIssuer struct {
	Provider     *oidc.Provider
	ClientID     string
	ClientSecret string
}

// Flow drives the staged login
type Flow struct {
	federation FederationClient
	gateway    GatewayClient
	resolver   AccountResolver
	store      UserStore
	registry   *Registry
	toggles    Toggles

	static *StaticIssuer

	metrics  *observability.Metrics
	reporter observability.Reporter
	logger   *observability.Logger

	callbackURL      string
	internalPrefixes []string

	httpClient *http.Client
	now        func() time.Time
}

// FlowConfig wires a Flow
type FlowConfig struct {
	Federation FederationClient
	Gateway    GatewayClient
	Resolver   AccountResolver
	Store      UserStore
	Registry   *Registry
	Toggles    Toggles
	Static     *StaticIssuer

	Metrics  *observability.Metrics
	Reporter observability.Reporter
	Logger   *observability.Logger

	CallbackURL      string
	InternalPrefixes []string

	// HTTPClient is used for token endpoint requests; tests inject one
	HTTPClient *http.Client
}

// NewFlow creates a Flow
func NewFlow(cfg FlowConfig) *Flow {
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = observability.NewLogReporter(cfg.Logger)
	}
	return &Flow{
		federation:       cfg.Federation,
		gateway:          cfg.Gateway,
		resolver:         cfg.Resolver,
		store:            cfg.Store,
		registry:         cfg.Registry,
		toggles:          cfg.Toggles,
		static:           cfg.Static,
		metrics:          cfg.Metrics,
		reporter:         reporter,
		logger:           cfg.Logger,
		callbackURL:      cfg.CallbackURL,
		internalPrefixes: cfg.InternalPrefixes,
		httpClient:       cfg.HTTPClient,
		now:              time.Now,
	}
}

// provision fetches OIDC parameters for the provider and registers the
// strategy under the browser session.
func (f *Flow) provision(ctx context.Context, sessionID string, provider session.Provider) (*Strategy, error) {
	connector := connectorFor(provider)
	if connector == "" {
		return nil, fmt.Errorf("unknown login provider %q", provider)
	}

	var params *federation.OIDCParameters
	if f.useStaticIssuer() {
		endpoint := f.static.Provider.Endpoint()
		params = &federation.OIDCParameters{
			ClientID:         f.static.ClientID,
			ClientSecret:     f.static.ClientSecret,
			AuthorizationURL: endpoint.AuthURL,
			TokenURL:         endpoint.TokenURL,
		}
	} else {
		var err error
		params, err = f.federation.FetchOIDCParameters(ctx, connector)
		if err != nil {
			return nil, err
		}
	}

	s := &Strategy{
		SessionID:  sessionID,
		Provider:   provider,
		Connector:  connector,
		Parameters: params,
		CreatedAt:  f.now(),
	}
	f.registry.Register(s)
	return s, nil
}

func (f *Flow) useStaticIssuer() bool {
	if f.static == nil {
		return false
	}
	return f.toggles == nil || !f.toggles.IsEnabled(featuretoggle.ToggleOptimizeSSORedirects)
}

// Begin starts a login stage: it provisions the strategy, mints the state
// nonce into the session, and returns the authorization redirect URL.
func (f *Flow) Begin(ctx context.Context, sess *session.Session, provider session.Provider) (string, error) {
	strategy, err := f.provision(ctx, sess.ID, provider)
	if err != nil {
		return "", err
	}

	state := uuid.NewString()
	sess.Provider = provider
	sess.OAuthState = state

	return authCodeURL(strategy, f.callbackURL, state), nil
}

// HandleCallback finishes the login stage the session is in
func (f *Flow) HandleCallback(ctx context.Context, sess *session.Session, code string) *Outcome {
	provider := sess.Provider
	sess.OAuthState = ""

	strategy, ok := f.registry.Lookup(sess.ID, provider)
	if !ok {
		f.logger.WithField("session_id", sess.ID).Warn("callback without a registered strategy")
		return f.technical(fmt.Errorf("no login in progress for session"))
	}

	tokens, err := exchangeCode(ctx, f.httpClient, strategy, f.callbackURL, code)
	if err != nil {
		return f.technical(fmt.Errorf("code exchange: %w", err))
	}

	if f.useStaticIssuer() {
		verifier := f.static.Provider.Verifier(&oidc.Config{ClientID: f.static.ClientID})
		if _, err := verifier.Verify(ctx, tokens.IDToken); err != nil {
			return f.technical(fmt.Errorf("ID token verification: %w", err))
		}
	}

	claims, err := parseIDClaims(tokens.IDToken)
	if err != nil {
		return f.technical(err)
	}

	switch provider {
	case session.ProviderPrimary:
		return f.authenticatePrimary(ctx, sess, strategy, tokens, claims)
	case session.ProviderSecondary:
		return f.authenticateSecondary(ctx, sess, strategy, tokens, claims)
	case session.ProviderDirect:
		return f.authenticateDirect(ctx, sess, strategy, tokens, claims)
	}
	return f.technical(fmt.Errorf("unknown login provider %q", provider))
}

// authenticatePrimary establishes identity: it classifies the user's
// access and creates the user record keyed by a fresh hash.
func (f *Flow) authenticatePrimary(ctx context.Context, sess *session.Session, strategy *Strategy, tokens *session.TokenSet, claims *idClaims) *Outcome {
	userID := strings.ToLower(claims.UserID())
	if userID == "" {
		return f.technical(fmt.Errorf("primary ID token carries no user identifier"))
	}

	if err := f.validateToken(ctx, strategy, tokens); err != nil {
		return f.technical(err)
	}

	vc, err := validatedClaims(tokens, claims)
	if err != nil {
		return f.technical(err)
	}
	hash := fmt.Sprintf("%s-%d", vc.AtHash, f.now().Unix())

	prepared, err := f.gateway.PrepareUserLogin(ctx, tokens.Bearer())
	if err != nil {
		return f.technical(fmt.Errorf("prepare user login: %w", err))
	}

	if outcome := f.denyByStatus(prepared.Status, userID); outcome != nil {
		return outcome
	}

	user := &session.User{
		ID:                userID,
		Hash:              hash,
		Email:             claims.Email,
		Name:              claims.Name,
		GivenName:         claims.GivenName,
		FamilyName:        claims.FamilyName,
		Groups:            claims.Groups,
		Token:             map[session.Provider]*session.TokenSet{session.ProviderPrimary: tokens},
		PrepareUserStatus: prepared.Status,
		Exp:               vc.Exp,
	}
	if prepared.Status == session.StatusSuperAdminTenantScoped {
		user.SuperAdminAccounts = prepared.AccountIDs
	}

	if err := f.store.PutUser(ctx, user); err != nil {
		return f.technical(err)
	}

	sess.UserID = user.ID
	sess.UserHash = user.Hash

	return &Outcome{
		User:         &UserRef{ID: user.ID, Hash: user.Hash},
		NextProvider: string(session.ProviderSecondary),
	}
}

// authenticateSecondary establishes entitlements: it verifies the same
// person logged in, resolves the account list, and completes the record.
func (f *Flow) authenticateSecondary(ctx context.Context, sess *session.Session, strategy *Strategy, tokens *session.TokenSet, claims *idClaims) *Outcome {
	user, err := f.store.GetUser(ctx, sess.UserID, sess.UserHash)
	if err != nil {
		return f.technical(fmt.Errorf("load user for second stage: %w", err))
	}

	// Both stages must authenticate the same person. A different name
	// means the browser switched identities mid-login.
	if !strings.EqualFold(user.Name, claims.Name) {
		f.logger.WithFields(map[string]interface{}{
			"user_id":    user.ID,
			"session_id": sess.ID,
		}).Warn("identity mismatch between login stages")
		_ = f.store.DeleteUser(ctx, user.ID, user.Hash)
		sess.ClearUser()
		return &Outcome{Denied: true, Reason: DenyIdentityMismatch}
	}

	if err := f.validateToken(ctx, strategy, tokens); err != nil {
		return f.technical(err)
	}

	vc, err := validatedClaims(tokens, claims)
	if err != nil {
		return f.technical(err)
	}

	resolved, err := f.resolver.Resolve(ctx, tokens.Bearer(), user)
	if err != nil {
		return f.denyByResolveError(err, user.ID)
	}

	user.Token[session.ProviderSecondary] = tokens
	user.Accounts = resolved
	user.Exp = vc.Exp

	if err := f.store.PutUser(ctx, user); err != nil {
		return f.technical(err)
	}

	sess.Selected = resolved[0].Tenant

	f.countLoginSuccess(resolved, strategy.Connector)

	return &Outcome{
		User: &UserRef{ID: user.ID, Hash: user.Hash, Complete: true},
	}
}

// authenticateDirect handles single-stage customer SSO: classification and
// account resolution run on the one token set.
func (f *Flow) authenticateDirect(ctx context.Context, sess *session.Session, strategy *Strategy, tokens *session.TokenSet, claims *idClaims) *Outcome {
	userID := strings.ToLower(claims.UserID())
	if userID == "" {
		return f.technical(fmt.Errorf("ID token carries no user identifier"))
	}

	if err := f.validateToken(ctx, strategy, tokens); err != nil {
		return f.technical(err)
	}

	vc, err := validatedClaims(tokens, claims)
	if err != nil {
		return f.technical(err)
	}
	hash := fmt.Sprintf("%s-%d", vc.AtHash, f.now().Unix())

	prepared, err := f.gateway.PrepareUserLogin(ctx, tokens.Bearer())
	if err != nil {
		return f.technical(fmt.Errorf("prepare user login: %w", err))
	}
	if outcome := f.denyByStatus(prepared.Status, userID); outcome != nil {
		return outcome
	}

	user := &session.User{
		ID:                userID,
		Hash:              hash,
		Email:             claims.Email,
		Name:              claims.Name,
		GivenName:         claims.GivenName,
		FamilyName:        claims.FamilyName,
		Groups:            claims.Groups,
		Token:             map[session.Provider]*session.TokenSet{session.ProviderDirect: tokens},
		PrepareUserStatus: prepared.Status,
		Exp:               vc.Exp,
	}
	if prepared.Status == session.StatusSuperAdminTenantScoped {
		user.SuperAdminAccounts = prepared.AccountIDs
	}

	resolved, err := f.resolver.Resolve(ctx, tokens.Bearer(), user)
	if err != nil {
		return f.denyByResolveError(err, user.ID)
	}
	user.Accounts = resolved

	if err := f.store.PutUser(ctx, user); err != nil {
		return f.technical(err)
	}

	sess.UserID = user.ID
	sess.UserHash = user.Hash
	sess.Selected = resolved[0].Tenant

	f.countLoginSuccess(resolved, strategy.Connector)

	return &Outcome{
		User: &UserRef{ID: user.ID, Hash: user.Hash, Complete: true},
	}
}

// validateToken exchanges the raw ID token for a federation-signed one
// when the connector requires it.
func (f *Flow) validateToken(ctx context.Context, strategy *Strategy, tokens *session.TokenSet) error {
	if !strategy.Parameters.ExchangeValidation {
		return nil
	}
	validated, err := f.federation.ExchangeToken(ctx, strategy.Connector, tokens.IDToken)
	if err != nil {
		return fmt.Errorf("token validation: %w", err)
	}
	tokens.ValidatedIDToken = validated
	return nil
}

// validatedClaims re-reads the claims once exchange validation ran: the
// federation-signed token is the one whose at_hash and exp belong in the
// user record.
func validatedClaims(tokens *session.TokenSet, claims *idClaims) (*idClaims, error) {
	if tokens.ValidatedIDToken == "" {
		return claims, nil
	}
	return parseIDClaims(tokens.ValidatedIDToken)
}

// denyByStatus maps terminal prepare statuses to denials
func (f *Flow) denyByStatus(status session.PrepareUserStatus, userID string) *Outcome {
	var reason DenyReason
	switch status {
	case session.StatusNoAccess:
		reason = DenyNoAccess
	case session.StatusOptOut:
		reason = DenyOptOut
	case session.StatusGlobalSuperAdmin:
		reason = DenyGlobalSuperAdmin
	default:
		return nil
	}

	suppress := f.isInternalUser(userID)
	f.countLoginDenied(reason)
	if !suppress {
		f.reporter.CaptureMessage("login denied", map[string]interface{}{
			"reason":  string(reason),
			"user_id": userID,
		})
	}

	return &Outcome{
		Denied:        true,
		Reason:        reason,
		UserID:        userID,
		SuppressAlert: suppress,
	}
}

// denyByResolveError maps account resolution failures to denials
func (f *Flow) denyByResolveError(err error, userID string) *Outcome {
	switch {
	case errors.Is(err, accounts.ErrNoEligibleAccount):
		f.countLoginDenied(DenyNoEligibleAccount)
		return &Outcome{Denied: true, Reason: DenyNoEligibleAccount, UserID: userID}
	case errors.Is(err, accounts.ErrNoAcceptedAccount):
		suppress := f.isInternalUser(userID)
		f.countLoginDenied(DenyNoAcceptedAccount)
		if !suppress {
			f.reporter.CaptureMessage("login denied", map[string]interface{}{
				"reason":  string(DenyNoAcceptedAccount),
				"user_id": userID,
			})
		}
		return &Outcome{Denied: true, Reason: DenyNoAcceptedAccount, UserID: userID, SuppressAlert: suppress}
	default:
		return f.technical(err)
	}
}

// isInternalUser reports whether the user id carries an internal prefix
func (f *Flow) isInternalUser(userID string) bool {
	id := strings.ToLower(userID)
	for _, prefix := range f.internalPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func (f *Flow) technical(err error) *Outcome {
	f.logger.WithError(err).Error("login failed")
	f.reporter.CaptureException(err)
	f.countLoginDenied(DenyTechnicalError)
	return &Outcome{Denied: true, Reason: DenyTechnicalError}
}

func (f *Flow) countLoginDenied(reason DenyReason) {
	if f.metrics != nil {
		f.metrics.LoginDeniedTotal.WithLabelValues(string(reason)).Inc()
	}
}

func (f *Flow) countLoginSuccess(resolved []session.Account, connector federation.ConnectorID) {
	if f.metrics == nil {
		return
	}
	for _, a := range resolved {
		f.metrics.LoginSuccessTotal.WithLabelValues(a.Tenant, a.Name, string(connector)).Inc()
	}
}
