package login

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// idClaims are the claims the flow reads from a provider ID token
type idClaims struct {
	Subject    string
	Email      string
	Name       string
	GivenName  string
	FamilyName string
	Groups     []string
	AtHash     string
	Exp        int64
}

// parseIDClaims decodes the claims of an ID token without verifying its
// signature. Verification is the federation service's job; the token has
// either just been minted by its token endpoint or exchanged through it.
func parseIDClaims(rawToken string) (*idClaims, error) {
	var claims jwt.MapClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(rawToken, &claims); err != nil {
		return nil, fmt.Errorf("parse ID token: %w", err)
	}

	out := &idClaims{
		Subject:    stringClaim(claims, "sub"),
		Email:      stringClaim(claims, "email"),
		Name:       stringClaim(claims, "name"),
		GivenName:  stringClaim(claims, "given_name"),
		FamilyName: stringClaim(claims, "family_name"),
		AtHash:     stringClaim(claims, "at_hash"),
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Exp = exp.Unix()
	}

	if groups, ok := claims["groups"].([]interface{}); ok {
		for _, g := range groups {
			if s, ok := g.(string); ok {
				out.Groups = append(out.Groups, s)
			}
		}
	}

	if out.Name == "" {
		out.Name = strings.TrimSpace(out.GivenName + " " + out.FamilyName)
	}

	return out, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// UserID derives the stable user identifier from the claims: the subject
// when present, the email's local part otherwise.
func (c *idClaims) UserID() string {
	if c.Subject != "" {
		return c.Subject
	}
	if at := strings.Index(c.Email, "@"); at > 0 {
		return c.Email[:at]
	}
	return c.Email
}
