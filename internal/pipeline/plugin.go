package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Plugin observes query invocations. RequestDidStart is called once per
// invocation and returns a listener, or nil. The listener takes part in the
// lifecycle by implementing any of OperationResolvedListener,
// ErrorsListener and ResponseListener.
type Plugin interface {
	RequestDidStart(rc *RequestContext) any
}

// OperationResolvedListener runs once the operation has been parsed,
// validated and selected. A returned error aborts the invocation: GraphQL
// errors become the response, any other error is returned from Process.
type OperationResolvedListener interface {
	DidResolveOperation(ctx context.Context, rc *RequestContext) error
}

// ErrorsListener is told about every non-empty error list of an invocation.
type ErrorsListener interface {
	DidEncounterErrors(ctx context.Context, rc *RequestContext, errs gqlerror.List)
}

// ResponseListener runs last, right before the response is returned.
type ResponseListener interface {
	WillSendResponse(ctx context.Context, rc *RequestContext, resp *Response)
}

// OperationGuard is a Plugin whose only hook is DidResolveOperation.
type OperationGuard func(ctx context.Context, rc *RequestContext) error

func (g OperationGuard) RequestDidStart(*RequestContext) any { return g }

func (g OperationGuard) DidResolveOperation(ctx context.Context, rc *RequestContext) error {
	return g(ctx, rc)
}

// CacheControlPlugin writes a Cache-Control header for cacheable query
// responses without errors. DefaultMaxAge applies when nothing restricted
// the policy during execution.
type CacheControlPlugin struct {
	DefaultMaxAge time.Duration
}

func (p CacheControlPlugin) RequestDidStart(*RequestContext) any { return p }

func (p CacheControlPlugin) WillSendResponse(_ context.Context, rc *RequestContext, resp *Response) {
	if rc.Operation == nil || rc.Operation.Operation != ast.Query || len(resp.Errors) > 0 || resp.Data == nil {
		return
	}
	if p.DefaultMaxAge > 0 {
		rc.OverallCachePolicy.SetDefault(p.DefaultMaxAge)
	}
	if v := rc.OverallCachePolicy.HeaderValue(); v != "" {
		if rc.Response.Header == nil {
			rc.Response.Header = http.Header{}
		}
		rc.Response.Header.Set("Cache-Control", v)
	}
}
