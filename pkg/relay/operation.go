// Package relay forwards browser GraphQL traffic to the upstream gateway,
// attaching the user's credentials and enforcing the order-form gate.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/faros/cockpit-gateway/pkg/contextkeys"
	"github.com/faros/cockpit-gateway/pkg/httputil"
)

// AcceptOrderFormsOperation is the mutation whose response feeds back into
// the user record.
const AcceptOrderFormsOperation = "acceptOrderForms"

// DefaultAccountAgnosticOperations are operations that run before an
// account is selected and therefore skip the order-form gate.
var DefaultAccountAgnosticOperations = []string{
	"currentUser",
	"accounts",
	AcceptOrderFormsOperation,
	"notificationSettings",
}

// Operation is one parsed GraphQL request
type Operation struct {
	Name      string          `json:"operationName"`
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables"`

	// Body is the raw request body, re-readable by the proxy
	Body []byte `json:"-"`
}

// AccountIDs extracts the accountID of every variables.input element. The
// acceptOrderForms mutation addresses accounts this way.
func (op *Operation) AccountIDs() []string {
	if len(op.Variables) == 0 {
		return nil
	}

	var vars struct {
		Input []struct {
			AccountID string `json:"accountID"`
		} `json:"input"`
	}
	if err := json.Unmarshal(op.Variables, &vars); err != nil {
		return nil
	}

	var ids []string
	for _, in := range vars.Input {
		if in.AccountID != "" {
			ids = append(ids, in.AccountID)
		}
	}
	return ids
}

// InvokePayload is the operation body without the query text, compact
// enough for a header.
func (op *Operation) InvokePayload() string {
	payload := map[string]interface{}{
		"operationName": op.Name,
	}
	if len(op.Variables) > 0 {
		payload["variables"] = json.RawMessage(op.Variables)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return op.Name
	}
	return string(data)
}

// OperationFrom extracts the parsed operation from the context
func OperationFrom(ctx context.Context) (*Operation, bool) {
	op, ok := ctx.Value(contextkeys.OperationKey).(*Operation)
	return op, ok
}

// ParseOperation reads and parses the GraphQL request body, restores the
// body for downstream readers, and attaches the operation to the context.
func ParseOperation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			httputil.WriteBadRequest(w, "unreadable request body")
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		var op Operation
		if err := json.Unmarshal(body, &op); err != nil {
			httputil.WriteBadRequest(w, "request body is not a GraphQL document")
			return
		}
		op.Body = body

		ctx := context.WithValue(r.Context(), contextkeys.OperationKey, &op)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
