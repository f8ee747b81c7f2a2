package login

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsignedToken builds an ID token with the none algorithm; claim parsing
// does not verify signatures.
func unsignedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return raw
}

func TestParseIDClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	raw := unsignedToken(t, jwt.MapClaims{
		"sub":         "I012345",
		"email":       "jane.doe@example.com",
		"name":        "Jane Doe",
		"given_name":  "Jane",
		"family_name": "Doe",
		"groups":      []string{"g1", "g2"},
		"at_hash":     "abc123",
		"exp":         exp,
	})

	claims, err := parseIDClaims(raw)
	require.NoError(t, err)

	assert.Equal(t, "I012345", claims.Subject)
	assert.Equal(t, "jane.doe@example.com", claims.Email)
	assert.Equal(t, "Jane Doe", claims.Name)
	assert.Equal(t, []string{"g1", "g2"}, claims.Groups)
	assert.Equal(t, "abc123", claims.AtHash)
	assert.Equal(t, exp, claims.Exp)
	assert.Equal(t, "I012345", claims.UserID())
}

func TestParseIDClaimsNameFallback(t *testing.T) {
	raw := unsignedToken(t, jwt.MapClaims{
		"sub":         "u1",
		"given_name":  "Jane",
		"family_name": "Doe",
	})

	claims, err := parseIDClaims(raw)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", claims.Name)
}

func TestParseIDClaimsInvalid(t *testing.T) {
	_, err := parseIDClaims("not-a-jwt")
	assert.Error(t, err)
}

func TestUserIDFallsBackToEmail(t *testing.T) {
	raw := unsignedToken(t, jwt.MapClaims{
		"email": "jane.doe@example.com",
	})

	claims, err := parseIDClaims(raw)
	require.NoError(t, err)
	assert.Equal(t, "jane.doe", claims.UserID())
}
