package federation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faros/cockpit-gateway/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func paramsResponse() map[string]interface{} {
	return map[string]interface{}{
		"data": map[string]interface{}{
			"getAndValidateOIDCParameters": map[string]interface{}{
				"clientID":              "cockpit",
				"clientSecret":          "secret",
				"authorizationEndpoint": "https://idp.example.com/authorize",
				"tokenEndpoint":         "https://idp.example.com/token",
				"issuer":                "https://idp.example.com",
				"exchangeValidation":    true,
			},
		},
	}
}

func TestFetchOIDCParameters(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "accounts", req.Variables["connectorID"])

		json.NewEncoder(w).Encode(paramsResponse())
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute, testLogger())

	params, err := client.FetchOIDCParameters(context.Background(), ConnectorAccounts)
	require.NoError(t, err)
	assert.Equal(t, "cockpit", params.ClientID)
	assert.Equal(t, "https://idp.example.com/token", params.TokenURL)
	assert.True(t, params.ExchangeValidation)

	// second fetch is served from cache
	_, err = client.FetchOIDCParameters(context.Background(), ConnectorAccounts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchOIDCParametersInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"getAndValidateOIDCParameters": map[string]interface{}{
					"clientID": "cockpit",
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute, testLogger())

	_, err := client.FetchOIDCParameters(context.Background(), ConnectorEntitlements)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestFetchOIDCParametersServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute, testLogger())

	_, err := client.FetchOIDCParameters(context.Background(), ConnectorAccounts)
	assert.ErrorIs(t, err, ErrFederationUnavailable)
}

func TestFetchOIDCParametersGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"message": "unknown connector"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute, testLogger())

	_, err := client.FetchOIDCParameters(context.Background(), ConnectorID("bogus"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown connector")
}

func TestExchangeToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ycloud", req.Variables["connectorID"])
		assert.Equal(t, "raw-token", req.Variables["token"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"exchangeAndValidateToken": "signed-token"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute, testLogger())

	token, err := client.ExchangeToken(context.Background(), ConnectorEntitlements, "raw-token")
	require.NoError(t, err)
	assert.Equal(t, "signed-token", token)
}

func TestExchangeTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"message": "token expired"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute, testLogger())

	_, err := client.ExchangeToken(context.Background(), ConnectorEntitlements, "stale")
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestExchangeTokenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"exchangeAndValidateToken": ""},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Minute, testLogger())

	_, err := client.ExchangeToken(context.Background(), ConnectorEntitlements, "raw")
	assert.ErrorIs(t, err, ErrExchangeFailed)
}
