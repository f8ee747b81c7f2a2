package login

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/faros/cockpit-gateway/pkg/federation"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// authCodeURL builds the provider authorization URL for a strategy. Every
// authorization request carries the connector_id so the federation service
// can route it.
func authCodeURL(s *Strategy, callbackURL, state string) string {
	conf := oauth2.Config{
		ClientID:     s.Parameters.ClientID,
		ClientSecret: s.Parameters.ClientSecret,
		RedirectURL:  callbackURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.Parameters.AuthorizationURL,
			TokenURL: s.Parameters.TokenURL,
		},
	}

	return conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("connector_id", string(s.Connector)),
	)
}

// exchangeCode trades an authorization code for tokens at the strategy's
// token endpoint. The request carries connector_id in the form body; when
// exchange validation is on, client credentials go into Basic auth instead
// of the body.
func exchangeCode(ctx context.Context, httpClient *http.Client, s *Strategy, callbackURL, code string) (*session.TokenSet, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {callbackURL},
		"connector_id": {string(s.Connector)},
	}
	if !s.Parameters.ExchangeValidation {
		form.Set("client_id", s.Parameters.ClientID)
		if s.Parameters.ClientSecret != "" {
			form.Set("client_secret", s.Parameters.ClientSecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Parameters.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.Parameters.ExchangeValidation {
		req.SetBasicAuth(s.Parameters.ClientID, s.Parameters.ClientSecret)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	if payload.IDToken == "" {
		return nil, fmt.Errorf("token response from connector %s has no id_token", s.Connector)
	}

	return &session.TokenSet{
		IDToken:      payload.IDToken,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
	}, nil
}

// connectorFor maps a login stage to its federation connector
func connectorFor(provider session.Provider) federation.ConnectorID {
	switch provider {
	case session.ProviderPrimary:
		return federation.ConnectorAccounts
	case session.ProviderSecondary:
		return federation.ConnectorEntitlements
	case session.ProviderDirect:
		return federation.ConnectorCustomerSSO
	}
	return ""
}
