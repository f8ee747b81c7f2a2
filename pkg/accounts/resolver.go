// Package accounts resolves which tenants a user may enter and with which
// role, combining gateway account records with the user's group-derived
// role pairs.
package accounts

import (
	"context"
	"errors"
	"strings"

	"github.com/faros/cockpit-gateway/pkg/gateway"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// ProductCockpit is the product whose role pairs grant cockpit access
const ProductCockpit = "cockpit"

var (
	// ErrNoEligibleAccount means the user's groups grant no role on any
	// account the gateway reports.
	ErrNoEligibleAccount = errors.New("no eligible account")

	// ErrNoAcceptedAccount means eligible accounts exist but none passed
	// the order-form acceptance filter.
	ErrNoAcceptedAccount = errors.New("no account with accepted order form")
)

// Gateway is the slice of the gateway client the resolver needs
type Gateway interface {
	ListAccounts(ctx context.Context, bearer string) ([]gateway.AccountRecord, error)
	RolesForGroups(ctx context.Context, bearer, accountID string, groups []string) ([]gateway.RolePair, error)
}

// Resolver computes the entitled account list for a user
type Resolver struct {
	gw     Gateway
	logger *observability.Logger
}

// NewResolver creates a Resolver
func NewResolver(gw Gateway, logger *observability.Logger) *Resolver {
	return &Resolver{gw: gw, logger: logger}
}

// adminClass roles win tenant ties regardless of pair order
func isAdminClass(role string) bool {
	switch strings.ToLower(role) {
	case "admin", "superadmin":
		return true
	}
	return false
}

// Resolve returns the accounts the user may enter. It reads the user's
// groups, prepare status, and super-admin scope, and never mutates the
// user.
func (r *Resolver) Resolve(ctx context.Context, bearer string, user *session.User) ([]session.Account, error) {
	records, err := r.gw.ListAccounts(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoEligibleAccount
	}

	// the first listed account is the user's home tenant and scopes the
	// group-to-role lookup
	pairs, err := r.gw.RolesForGroups(ctx, bearer, records[0].AccountID, user.Groups)
	if err != nil {
		return nil, err
	}

	// One role per tenant: later pairs replace earlier ones, except that
	// the first admin-class role for a tenant sticks.
	byTenant := make(map[string]gateway.RolePair)
	for _, p := range pairs {
		if p.Product != ProductCockpit {
			continue
		}
		if cur, ok := byTenant[p.Tenant]; ok && isAdminClass(cur.Role) {
			continue
		}
		byTenant[p.Tenant] = p
	}

	var eligible []session.Account
	for _, rec := range records {
		pair, ok := byTenant[rec.AccountID]
		if !ok {
			// account without any matching role pair grants nothing
			continue
		}
		eligible = append(eligible, session.Account{
			Tenant:            rec.AccountID,
			Role:              pair.Role,
			Name:              rec.CustomerName,
			OrderFormAccepted: rec.OrderFormAccepted,
		})
	}

	if len(eligible) == 0 {
		return nil, ErrNoEligibleAccount
	}

	entitled := filterAccepted(eligible, user)
	if len(entitled) == 0 {
		return nil, ErrNoAcceptedAccount
	}
	return entitled, nil
}

// filterAccepted keeps accounts with an accepted order form. Tenant-scoped
// super-admins additionally keep the accounts they administer, accepted or
// not.
func filterAccepted(accounts []session.Account, user *session.User) []session.Account {
	superAdmin := user.PrepareUserStatus == session.StatusSuperAdminTenantScoped

	var out []session.Account
	for _, a := range accounts {
		if a.OrderFormAccepted {
			out = append(out, a)
			continue
		}
		if superAdmin && user.IsSuperAdminFor(a.Tenant) {
			out = append(out, a)
		}
	}
	return out
}
