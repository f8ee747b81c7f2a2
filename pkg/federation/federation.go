// Package federation talks to the federation service: it serves the
// per-connector OIDC parameters the login flow needs and validates raw
// provider tokens by exchanging them for federation-signed ones.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/faros/cockpit-gateway/pkg/observability"
)

// ConnectorID identifies an upstream identity provider behind the
// federation service.
type ConnectorID string

const (
	// ConnectorAccounts is the primary identity provider
	ConnectorAccounts ConnectorID = "accounts"
	// ConnectorEntitlements is the secondary entitlement provider
	ConnectorEntitlements ConnectorID = "ycloud"
	// ConnectorCustomerSSO is the direct customer SSO provider
	ConnectorCustomerSSO ConnectorID = "customer_sso"
)

var (
	// ErrFederationUnavailable is returned when the federation service
	// cannot be reached or answers with a server error.
	ErrFederationUnavailable = errors.New("federation service unavailable")

	// ErrInvalidParameters is returned when the federation service answers
	// but the OIDC parameters are unusable.
	ErrInvalidParameters = errors.New("invalid OIDC parameters")

	// ErrExchangeFailed is returned when the federation service rejects a
	// token exchange.
	ErrExchangeFailed = errors.New("token exchange failed")
)

// OIDCParameters is the per-connector configuration for one login
type OIDCParameters struct {
	ClientID         string `json:"clientID"`
	ClientSecret     string `json:"clientSecret"`
	AuthorizationURL string `json:"authorizationEndpoint"`
	TokenURL         string `json:"tokenEndpoint"`
	Issuer           string `json:"issuer"`

	// ExchangeValidation signals that the token endpoint expects Basic
	// client credentials and that minted tokens must be exchanged.
	ExchangeValidation bool `json:"exchangeValidation"`
}

// Valid reports whether the parameters are complete enough to start a login
func (p *OIDCParameters) Valid() bool {
	return p != nil && p.ClientID != "" && p.AuthorizationURL != "" && p.TokenURL != ""
}

// Client queries the federation service over GraphQL. Fetched parameters
// are cached per connector with a bounded lifetime.
type Client struct {
	url    string
	http   *http.Client
	logger *observability.Logger

	cache *lru.LRU[ConnectorID, *OIDCParameters]
}

// NewClient creates a federation Client. cacheTTL bounds how long OIDC
// parameters are reused before they are fetched again.
func NewClient(url string, cacheTTL time.Duration, logger *observability.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
		cache:  lru.NewLRU[ConnectorID, *OIDCParameters](16, nil, cacheTTL),
	}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

const oidcParametersQuery = `query getAndValidateOIDCParameters($connectorID: String!) {
  getAndValidateOIDCParameters(connectorID: $connectorID) {
    clientID
    clientSecret
    authorizationEndpoint
    tokenEndpoint
    issuer
    exchangeValidation
  }
}`

const exchangeTokenMutation = `mutation exchangeAndValidateToken($connectorID: String!, $token: String!) {
  exchangeAndValidateToken(connectorID: $connectorID, token: $token)
}`

// FetchOIDCParameters returns the OIDC parameters for the connector,
// served from cache when fresh.
func (c *Client) FetchOIDCParameters(ctx context.Context, connectorID ConnectorID) (*OIDCParameters, error) {
	if params, ok := c.cache.Get(connectorID); ok {
		return params, nil
	}

	var result struct {
		Parameters *OIDCParameters `json:"getAndValidateOIDCParameters"`
	}
	if err := c.query(ctx, oidcParametersQuery, map[string]interface{}{
		"connectorID": string(connectorID),
	}, &result); err != nil {
		return nil, err
	}

	if !result.Parameters.Valid() {
		return nil, fmt.Errorf("%w: connector %s", ErrInvalidParameters, connectorID)
	}

	c.cache.Add(connectorID, result.Parameters)
	return result.Parameters, nil
}

// ExchangeToken trades a raw provider token for a federation-signed one
func (c *Client) ExchangeToken(ctx context.Context, connectorID ConnectorID, token string) (string, error) {
	var result struct {
		Token string `json:"exchangeAndValidateToken"`
	}
	if err := c.query(ctx, exchangeTokenMutation, map[string]interface{}{
		"connectorID": string(connectorID),
		"token":       token,
	}, &result); err != nil {
		if errors.Is(err, ErrFederationUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if result.Token == "" {
		return "", fmt.Errorf("%w: empty token for connector %s", ErrExchangeFailed, connectorID)
	}
	return result.Token, nil
}

// query posts a GraphQL document and decodes the data payload into out
func (c *Client) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal federation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build federation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFederationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrFederationUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrFederationUnavailable, err)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode federation response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("federation error: %s", envelope.Errors[0].Message)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode federation data: %w", err)
	}
	return nil
}
