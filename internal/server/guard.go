package server

import (
	"context"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/graphqlhttp/internal/pipeline"
)

const (
	msgPostBodyMissing  = "POST body missing, invalid Content-Type, or JSON object has no keys."
	msgGetQueryMissing  = "GET query missing."
	msgMethodNotAllowed = "GraphQL server supports only GET/POST requests."
	msgGetOnlyQuery     = "GET supports only query operation"
)

// checkPayload enforces the allowed methods and returns the payload when it
// is a non-empty object or array.
func checkPayload(method string, payload any) (any, error) {
	switch method {
	case http.MethodPost:
		if !nonEmpty(payload) {
			return nil, newHTTPQueryError(http.StatusBadRequest, msgPostBodyMissing, nil)
		}
	case http.MethodGet:
		if !nonEmpty(payload) {
			return nil, newHTTPQueryError(http.StatusBadRequest, msgGetQueryMissing, nil)
		}
	default:
		return nil, newHTTPQueryError(http.StatusMethodNotAllowed, msgMethodNotAllowed,
			http.Header{"Allow": []string{"GET, POST"}})
	}
	return payload, nil
}

func nonEmpty(payload any) bool {
	switch p := payload.(type) {
	case map[string]any:
		return len(p) > 0
	case []any:
		return len(p) > 0
	default:
		return false
	}
}

// getOnlyQuery rejects non-query operations arriving over GET. It runs for
// every invocation, batch elements included.
var getOnlyQuery = pipeline.OperationGuard(func(_ context.Context, rc *pipeline.RequestContext) error {
	if rc.Request.HTTP == nil || rc.Request.HTTP.Method != http.MethodGet {
		return nil
	}
	if rc.Operation.Operation != ast.Query {
		return newHTTPQueryError(http.StatusMethodNotAllowed, msgGetOnlyQuery,
			http.Header{"Allow": []string{"POST"}})
	}
	return nil
})
