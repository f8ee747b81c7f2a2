package login

// DenyReason classifies why a login attempt did not produce an
// authenticated user.
type DenyReason string

const (
	// DenyNoAccess: the gateway classified the user as having no access
	DenyNoAccess DenyReason = "no_access"
	// DenyOptOut: the user opted out of the product
	DenyOptOut DenyReason = "opt_out"
	// DenyGlobalSuperAdmin: global super-admins must not log in here
	DenyGlobalSuperAdmin DenyReason = "global_super_admin"
	// DenyNoEligibleAccount: no account matched the user's roles
	DenyNoEligibleAccount DenyReason = "no_eligible_account"
	// DenyNoAcceptedAccount: eligible accounts exist, none accepted
	DenyNoAcceptedAccount DenyReason = "no_accepted_account"
	// DenyIdentityMismatch: stage 2 authenticated a different person
	DenyIdentityMismatch DenyReason = "identity_mismatch"
	// DenyTechnicalError: a dependency failed mid-login
	DenyTechnicalError DenyReason = "technical_error"
)

// Outcome is the result of handling one authentication callback. The HTTP
// boundary maps it onto redirects and flash state.
type Outcome struct {
	// User is set on success. At stage 1 it carries only the primary
	// token; after the terminal stage it is complete.
	User *UserRef

	// NextProvider is the stage to continue with, empty when the login is
	// terminal (complete or denied).
	NextProvider string

	// Denied marks a terminal denial
	Denied bool
	Reason DenyReason

	// UserID is set on denials that should surface the user to support
	UserID string

	// SuppressAlert marks denials of internal users, logged but not
	// alerted on.
	SuppressAlert bool
}

// UserRef points at the persisted user record
type UserRef struct {
	ID   string
	Hash string

	// Complete is true once the terminal stage finished and the record
	// carries an entitled account list.
	Complete bool
}
