package pipeline

import (
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"

	"github.com/hanpama/graphqlhttp/internal/cachecontrol"
	"github.com/hanpama/graphqlhttp/internal/kvcache"
)

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// HTTPRequest is the transport metadata of the HTTP request a query
// invocation arrived on.
type HTTPRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Request is one normalized query invocation.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
	Extensions    map[string]any
	HTTP          *HTTPRequest
}

// HTTPResponse accumulates the headers and status an invocation wants merged
// into the outgoing HTTP response. Status 0 means no preference.
type HTTPResponse struct {
	Header http.Header
	Status int
}

// Response is the outcome of one query invocation. Data is nil when the
// request never reached execution, and the JSON literal null when execution
// ran but produced no data.
type Response struct {
	Data       jsoniter.RawMessage
	Errors     gqlerror.List
	Extensions map[string]any
	HTTP       *HTTPResponse
}

// Metrics records timings of a single invocation.
type Metrics struct {
	StartTime          time.Time
	ParseDuration      time.Duration
	ValidationDuration time.Duration
	ExecutionDuration  time.Duration
	DocumentCacheHit   bool
	ResponseCacheHit   bool
}

// RequestContext is the mutable per-invocation state. It is never shared
// between invocations.
type RequestContext struct {
	Request  *Request
	Response *HTTPResponse

	// Context is the user context value, private to this invocation.
	Context any

	Schema             *ast.Schema
	Cache              kvcache.Cache
	Logger             *zap.Logger
	Debug              bool
	Metrics            *Metrics
	OverallCachePolicy *cachecontrol.Policy

	// Set by Process as the invocation advances.
	Document  *ast.QueryDocument
	Operation *ast.OperationDefinition
	Variables map[string]any
}
