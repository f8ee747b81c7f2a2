package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/faros/cockpit-gateway/pkg/contextkeys"
	"github.com/faros/cockpit-gateway/pkg/gateway"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/session"
)

// UserWriter persists updated user records after response write-back
type UserWriter interface {
	PutUser(ctx context.Context, user *session.User) error
}

// Proxy relays GraphQL requests to the upstream gateway
type Proxy struct {
	target  *url.URL
	store   UserWriter
	logger  *observability.Logger
	metrics *observability.Metrics

	reverse *httputil.ReverseProxy
}

// NewProxy creates a Proxy for the gateway GraphQL endpoint
func NewProxy(targetURL string, store UserWriter, logger *observability.Logger, metrics *observability.Metrics) (*Proxy, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}

	p := &Proxy{
		target:  target,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}

	p.reverse = &httputil.ReverseProxy{
		Director:       p.director,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}

	return p, nil
}

// ServeHTTP relays one GraphQL request
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	p.reverse.ServeHTTP(rw, r)

	if p.metrics != nil {
		operation := ""
		if op, ok := OperationFrom(r.Context()); ok {
			operation = op.Name
		}
		p.metrics.RelayRequestsTotal.WithLabelValues(operation, strconv.Itoa(rw.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (p *Proxy) director(r *http.Request) {
	r.URL.Scheme = p.target.Scheme
	r.URL.Host = p.target.Host
	r.URL.Path = p.target.Path
	r.Host = p.target.Host

	r.Header.Set("Content-Type", "application/json")
	r.Header.Del("Cookie")

	if requestID := observability.GetRequestID(r.Context()); requestID != "" {
		r.Header.Set("X-Request-ID", requestID)
	}

	if user, ok := contextkeys.UserFrom(r.Context()); ok {
		if token := user.GatewayToken(); token != nil {
			r.Header.Set("Authorization", "Bearer "+token.Bearer())
		}
	}

	if op, ok := OperationFrom(r.Context()); ok {
		r.Header.Set(gateway.InvokeHeader, op.InvokePayload())
		// body was consumed by operation parsing, hand the proxy a fresh
		// reader over the same bytes
		r.Body = io.NopCloser(bytes.NewReader(op.Body))
		r.ContentLength = int64(len(op.Body))
	}
}

// modifyResponse feeds acceptOrderForms results back into the user record
// so the order-form gate opens without a re-login.
func (p *Proxy) modifyResponse(resp *http.Response) error {
	op, ok := OperationFrom(resp.Request.Context())
	if !ok || op.Name != AcceptOrderFormsOperation || resp.StatusCode != http.StatusOK {
		return nil
	}

	user, ok := contextkeys.UserFrom(resp.Request.Context())
	if !ok {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read acceptOrderForms response: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var payload struct {
		Data struct {
			Results []struct {
				AccountID string `json:"accountID"`
				Status    string `json:"acceptedStatus"`
			} `json:"acceptOrderForms"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode acceptOrderForms response: %w", err)
	}
	if payload.Data.Results == nil {
		return fmt.Errorf("acceptOrderForms response carries no result list")
	}

	changed := false
	for _, result := range payload.Data.Results {
		if result.Status != "SUCCESS" && result.Status != "ALREADY_ACCEPTED" {
			continue
		}
		for i := range user.Accounts {
			if user.Accounts[i].Tenant == result.AccountID && !user.Accounts[i].OrderFormAccepted {
				user.Accounts[i].OrderFormAccepted = true
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}

	if err := p.store.PutUser(resp.Request.Context(), user); err != nil {
		return fmt.Errorf("persist order form acceptance: %w", err)
	}
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.WithError(err).WithField("path", r.URL.Path).Error("gateway relay failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "upstream gateway request failed"})
}
