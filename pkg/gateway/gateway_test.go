package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/session"
)

func newTestClient(url string) *Client {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewClient(url, 5*time.Second, logger)
}

func TestPrepareUserLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "prepareUserLogin", r.Header.Get(InvokeHeader))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"prepareUserLogin": map[string]interface{}{
					"status":     "SUPERADMIN_TENANT_SCOPED",
					"accountIDs": []string{"t1", "t2"},
				},
			},
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).PrepareUserLogin(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuperAdminTenantScoped, result.Status)
	assert.Equal(t, []string{"t1", "t2"}, result.AccountIDs)
}

func TestPrepareUserLoginMissingStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"prepareUserLogin": map[string]interface{}{}},
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).PrepareUserLogin(context.Background(), "token-1")
	assert.Error(t, err)
}

func TestListAccountsPaginates(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		page++
		switch page {
		case 1:
			assert.Nil(t, req.Variables["after"])
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"accounts": map[string]interface{}{
						"edges": []map[string]interface{}{
							{"node": map[string]interface{}{"accountID": "t1", "customerName": "Acme", "orderFormAccepted": true}},
						},
						"pageInfo": map[string]interface{}{"hasNextPage": true, "endCursor": "c1"},
					},
				},
			})
		case 2:
			assert.Equal(t, "c1", req.Variables["after"])
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"accounts": map[string]interface{}{
						"edges": []map[string]interface{}{
							{"node": map[string]interface{}{"accountID": "t2", "customerName": "Globex", "orderFormAccepted": false}},
						},
						"pageInfo": map[string]interface{}{"hasNextPage": false, "endCursor": ""},
					},
				},
			})
		default:
			t.Fatal("unexpected extra page request")
		}
	}))
	defer srv.Close()

	records, err := newTestClient(srv.URL).ListAccounts(context.Background(), "token-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, AccountRecord{AccountID: "t1", CustomerName: "Acme", OrderFormAccepted: true}, records[0])
	assert.Equal(t, AccountRecord{AccountID: "t2", CustomerName: "Globex", OrderFormAccepted: false}, records[1])
}

func TestRolesForGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t1", req.Variables["accountID"])
		assert.Equal(t, []interface{}{"g1", "g2"}, req.Variables["groups"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"roleIDsToGroupWithAccountID": []map[string]string{
					{"product": "cockpit", "tenant": "t1", "role": "admin"},
					{"product": "other", "tenant": "t1", "role": "viewer"},
				},
			},
		})
	}))
	defer srv.Close()

	pairs, err := newTestClient(srv.URL).RolesForGroups(context.Background(), "token-1", "t1", []string{"g1", "g2"})
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, RolePair{Product: "cockpit", Tenant: "t1", Role: "admin"}, pairs[0])
}

func TestRolesForGroupsEmpty(t *testing.T) {
	pairs, err := newTestClient("http://unused").RolesForGroups(context.Background(), "token-1", "t1", nil)
	require.NoError(t, err)
	assert.Nil(t, pairs)
}

func TestGatewayErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).PrepareUserLogin(context.Background(), "t")
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
	})

	t.Run("graphql error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errors": []map[string]string{{"message": "unauthenticated"}},
			})
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).PrepareUserLogin(context.Background(), "t")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unauthenticated")
	})
}
