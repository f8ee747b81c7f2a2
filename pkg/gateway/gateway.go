// Package gateway is the client for the upstream API gateway. The login
// flow uses it to prepare user access, list candidate accounts, and map
// group memberships to roles.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// InvokeHeader marks server-side calls so the gateway can distinguish them
// from relayed browser traffic.
const InvokeHeader = "x-cockpit-invoke"

// ErrGatewayUnavailable is returned when the gateway cannot be reached or
// answers with a server error.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// PrepareUserResult is the outcome of the access-preparation call
type PrepareUserResult struct {
	Status session.PrepareUserStatus `json:"status"`

	// AccountIDs scopes super-admin access when the status is
	// SUPERADMIN_TENANT_SCOPED.
	AccountIDs []string `json:"accountIDs"`
}

// AccountRecord is one account as the gateway reports it
type AccountRecord struct {
	AccountID         string `json:"accountID"`
	CustomerName      string `json:"customerName"`
	OrderFormAccepted bool   `json:"orderFormAccepted"`
}

// RolePair maps one group membership to a product role on a tenant
type RolePair struct {
	Product string `json:"product"`
	Tenant  string `json:"tenant"`
	Role    string `json:"role"`
}

// Client queries the gateway GraphQL endpoint with the user's bearer token
type Client struct {
	url    string
	http   *http.Client
	logger *observability.Logger
}

// NewClient creates a gateway Client
func NewClient(url string, timeout time.Duration, logger *observability.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

const prepareUserLoginMutation = `mutation prepareUserLogin {
  prepareUserLogin {
    status
    accountIDs
  }
}`

const accountsQuery = `query accounts($after: String) {
  accounts(first: 100, after: $after) {
    edges {
      node {
        accountID
        customerName
        orderFormAccepted
      }
    }
    pageInfo {
      hasNextPage
      endCursor
    }
  }
}`

const rolesForGroupsQuery = `query roleIDsToGroupWithAccountID($accountID: String!, $groups: [String!]!) {
  roleIDsToGroupWithAccountID(accountID: $accountID, groups: $groups) {
    product
    tenant
    role
  }
}`

// PrepareUserLogin provisions gateway-side access for the user identified
// by the bearer token and classifies it.
func (c *Client) PrepareUserLogin(ctx context.Context, bearer string) (*PrepareUserResult, error) {
	var result struct {
		Prepared *PrepareUserResult `json:"prepareUserLogin"`
	}
	if err := c.query(ctx, bearer, "prepareUserLogin", prepareUserLoginMutation, nil, &result); err != nil {
		return nil, err
	}
	if result.Prepared == nil || result.Prepared.Status == "" {
		return nil, fmt.Errorf("gateway returned no prepare status")
	}
	return result.Prepared, nil
}

// ListAccounts returns all accounts visible to the bearer token, following
// pagination to the end.
func (c *Client) ListAccounts(ctx context.Context, bearer string) ([]AccountRecord, error) {
	var (
		records []AccountRecord
		after   *string
	)

	for {
		var result struct {
			Accounts struct {
				Edges []struct {
					Node AccountRecord `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"accounts"`
		}

		variables := map[string]interface{}{}
		if after != nil {
			variables["after"] = *after
		}

		if err := c.query(ctx, bearer, "accounts", accountsQuery, variables, &result); err != nil {
			return nil, err
		}

		for _, edge := range result.Accounts.Edges {
			records = append(records, edge.Node)
		}

		if !result.Accounts.PageInfo.HasNextPage {
			return records, nil
		}
		cursor := result.Accounts.PageInfo.EndCursor
		after = &cursor
	}
}

// RolesForGroups maps the user's group memberships to product roles.
// accountID is the user's home tenant; the gateway scopes the group
// lookup to it.
func (c *Client) RolesForGroups(ctx context.Context, bearer, accountID string, groups []string) ([]RolePair, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	var result struct {
		Pairs []RolePair `json:"roleIDsToGroupWithAccountID"`
	}
	if err := c.query(ctx, bearer, "roleIDsToGroupWithAccountID", rolesForGroupsQuery, map[string]interface{}{
		"accountID": accountID,
		"groups":    groups,
	}, &result); err != nil {
		return nil, err
	}
	return result.Pairs, nil
}

type graphQLRequest struct {
	OperationName string                 `json:"operationName,omitempty"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

func (c *Client) query(ctx context.Context, bearer, operation, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{OperationName: operation, Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set(InvokeHeader, operation)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("gateway error on %s: %s", operation, envelope.Errors[0].Message)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode gateway data: %w", err)
	}
	return nil
}
