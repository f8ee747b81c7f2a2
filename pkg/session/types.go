// Package session holds the composite user record and the redis-backed
// store that is the single source of truth for "is this user currently
// authenticated with which claims".
package session

import (
	"fmt"
	"strings"
)

// Provider identifies a login stage within the two-stage flow
type Provider string

const (
	// ProviderPrimary is the identity-establishing first stage
	ProviderPrimary Provider = "primary"
	// ProviderSecondary is the entitlement-establishing second stage
	ProviderSecondary Provider = "secondary"
	// ProviderDirect is the single-stage customer SSO flow
	ProviderDirect Provider = "direct"
)

// PrepareUserStatus is the result of the account-preparation call at the
// first login stage. It drives the branch logic of the flow.
type PrepareUserStatus string

const (
	StatusNormal                 PrepareUserStatus = "NORMAL"
	StatusSuperAdminTenantScoped PrepareUserStatus = "SUPERADMIN_TENANT_SCOPED"
	StatusLimited                PrepareUserStatus = "LIMITED"
	StatusGlobalSuperAdmin       PrepareUserStatus = "GLOBAL_SUPERADMIN"
	StatusNoAccess               PrepareUserStatus = "NO_ACCESS"
	StatusOptOut                 PrepareUserStatus = "OPT_OUT"
)

// TokenSet carries the credential material minted by one provider
type TokenSet struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`

	// ValidatedIDToken is the federation-signed replacement for IDToken,
	// present only when token exchange is enabled.
	ValidatedIDToken string `json:"validated_id_token,omitempty"`
}

// Bearer returns the token to present to the gateway: the validated token
// when exchange produced one, the raw ID token otherwise.
func (t *TokenSet) Bearer() string {
	if t == nil {
		return ""
	}
	if t.ValidatedIDToken != "" {
		return t.ValidatedIDToken
	}
	return t.IDToken
}

// Account is one tenant the user is associated with
type Account struct {
	Tenant            string `json:"tenant"`
	Role              string `json:"role"`
	Name              string `json:"name"`
	OrderFormAccepted bool   `json:"orderFormAccepted"`
}

// User is the composite session record. It is created at the first
// successful primary login, mutated at each stage, and evicted by store
// TTL or explicit logout.
type User struct {
	ID         string   `json:"id"`
	Hash       string   `json:"hash"`
	Email      string   `json:"email"`
	Name       string   `json:"name"`
	GivenName  string   `json:"givenName"`
	FamilyName string   `json:"familyName"`
	Groups     []string `json:"groups"`

	Token map[Provider]*TokenSet `json:"token"`

	PrepareUserStatus  PrepareUserStatus `json:"prepareUserStatus,omitempty"`
	SuperAdminAccounts []string          `json:"superAdminAccounts,omitempty"`
	Accounts           []Account         `json:"accounts"`
	Exp                int64             `json:"exp,omitempty"`
}

// Key returns the store key for the user record
func (u *User) Key() string {
	return UserKey(u.ID, u.Hash)
}

// UserKey builds the store key for a user record
func UserKey(id, hash string) string {
	return fmt.Sprintf("user-%s-%s", strings.ToLower(id), hash)
}

// HasCompleteTokenSet reports whether the user finished a terminal login
// stage: the entitlement or direct-SSO token must be present.
func (u *User) HasCompleteTokenSet() bool {
	if u == nil || u.Token == nil {
		return false
	}
	return u.Token[ProviderSecondary] != nil || u.Token[ProviderDirect] != nil
}

// GatewayToken returns the token set used for gateway calls: the
// entitlement token, or the direct-SSO token for customer logins.
func (u *User) GatewayToken() *TokenSet {
	if u == nil || u.Token == nil {
		return nil
	}
	if t := u.Token[ProviderSecondary]; t != nil {
		return t
	}
	return u.Token[ProviderDirect]
}

// Entitled reports whether stage 2 resolved at least one account. An empty
// account list after stage 2 is a terminal denial, not a retry condition.
func (u *User) Entitled() bool {
	return u != nil && len(u.Accounts) > 0
}

// IsSuperAdminFor reports whether the user is a tenant-scoped super-admin
// for the given tenant.
func (u *User) IsSuperAdminFor(tenant string) bool {
	if u == nil {
		return false
	}
	for _, t := range u.SuperAdminAccounts {
		if t == tenant {
			return true
		}
	}
	return false
}

// UnacceptedAccounts returns the user's accounts whose order form has not
// been accepted yet.
func (u *User) UnacceptedAccounts() []Account {
	if u == nil {
		return nil
	}
	var out []Account
	for _, a := range u.Accounts {
		if !a.OrderFormAccepted {
			out = append(out, a)
		}
	}
	return out
}
