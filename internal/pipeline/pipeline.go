// Package pipeline runs a single GraphQL request through parsing, validation,
// operation selection, plugin hooks and execution.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"

	"github.com/hanpama/graphqlhttp/internal/cachecontrol"
	"github.com/hanpama/graphqlhttp/internal/gqlerrors"
	"github.com/hanpama/graphqlhttp/internal/language"
)

// ExecutionResult is what an Executor produces. Data must be JSON
// serializable; nil is sent as null.
type ExecutionResult struct {
	Data       any
	Errors     gqlerror.List
	Extensions map[string]any
}

// Executor runs a validated operation. rc.Document, rc.Operation and
// rc.Variables are set when it is called.
type Executor interface {
	Execute(ctx context.Context, rc *RequestContext) *ExecutionResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, rc *RequestContext) *ExecutionResult

func (f ExecutorFunc) Execute(ctx context.Context, rc *RequestContext) *ExecutionResult {
	return f(ctx, rc)
}

// ValidationRule is an additional validation pass run after the standard rules.
type ValidationRule func(schema *ast.Schema, doc *ast.QueryDocument) gqlerror.List

// Config holds the global options shared by every invocation.
type Config struct {
	Schema          *ast.Schema
	Executor        Executor
	ValidationRules []ValidationRule
	Plugins         []Plugin

	// Documents caches validated documents. Optional.
	Documents *DocumentStore

	// ResponseCache stores public, cacheable query results in the request's
	// cache handle.
	ResponseCache bool

	FormatError    gqlerrors.Formatter
	FormatResponse func(resp *Response, rc *RequestContext) *Response
}

const missingQueryMessage = "GraphQL operations must contain a non-empty `query` or a `persistedQuery` extension."

// Process runs rc.Request. The returned error is non-nil only for failures
// that must not be reported as a GraphQL response, such as errors raised by a
// DidResolveOperation hook that are not GraphQL errors.
func Process(ctx context.Context, cfg Config, rc *RequestContext) (*Response, error) {
	if cfg.Schema == nil {
		return nil, errors.New("pipeline: schema is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("pipeline: executor is required")
	}
	if rc.Schema == nil {
		rc.Schema = cfg.Schema
	}
	if rc.Logger == nil {
		rc.Logger = zap.NewNop()
	}
	if rc.Metrics == nil {
		rc.Metrics = &Metrics{StartTime: time.Now()}
	}
	if rc.OverallCachePolicy == nil {
		rc.OverallCachePolicy = cachecontrol.New()
	}
	if rc.Response == nil {
		rc.Response = &HTTPResponse{Header: http.Header{}}
	}
	p := &processor{cfg: cfg, rc: rc}
	for _, plugin := range cfg.Plugins {
		if l := plugin.RequestDidStart(rc); l != nil {
			p.listeners = append(p.listeners, l)
		}
	}
	return p.run(ctx)
}

type processor struct {
	cfg       Config
	rc        *RequestContext
	listeners []any
}

func (p *processor) run(ctx context.Context) (*Response, error) {
	req := p.rc.Request
	if req.Query == "" {
		if _, ok := req.Extensions["persistedQuery"]; ok {
			return p.errorResponse(ctx, gqlerror.List{
				gqlerrors.New(gqlerrors.CodePersistedQueryNotSupported, "PersistedQueryNotSupported"),
			}), nil
		}
		return p.errorResponse(ctx, gqlerror.List{gqlerrors.New(gqlerrors.CodeBadUserInput, missingQueryMessage)}), nil
	}

	doc, errs := p.document()
	if errs != nil {
		return p.errorResponse(ctx, errs), nil
	}
	p.rc.Document = doc

	op, err := language.SelectOperation(doc, req.OperationName)
	if err != nil {
		return p.errorResponse(ctx, gqlerror.List{gqlerrors.New(gqlerrors.CodeBadUserInput, err.Error())}), nil
	}
	p.rc.Operation = op

	for _, l := range p.listeners {
		h, ok := l.(OperationResolvedListener)
		if !ok {
			continue
		}
		if err := h.DidResolveOperation(ctx, p.rc); err != nil {
			var ge *gqlerror.Error
			if errors.As(err, &ge) {
				return p.errorResponse(ctx, gqlerror.List{ge}), nil
			}
			return nil, err
		}
	}

	vars, errs := language.CoerceVariables(p.rc.Schema, op, req.Variables)
	if errs != nil {
		return p.errorResponse(ctx, gqlerrors.WithCode(errs, gqlerrors.CodeBadUserInput)), nil
	}
	p.rc.Variables = vars

	if resp, ok := p.cachedResponse(ctx); ok {
		return p.send(ctx, resp), nil
	}

	start := time.Now()
	result := p.cfg.Executor.Execute(ctx, p.rc)
	p.rc.Metrics.ExecutionDuration = time.Since(start)
	if result == nil {
		result = &ExecutionResult{}
	}
	data, err := json.Marshal(result.Data)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: encode execution data")
	}
	resp := &Response{Data: data, Extensions: result.Extensions, HTTP: p.rc.Response}
	if len(result.Errors) > 0 {
		p.didEncounterErrors(ctx, result.Errors)
		resp.Errors = gqlerrors.FormatList(result.Errors, p.formatOptions())
	}
	resp = p.send(ctx, resp)
	if len(resp.Errors) == 0 {
		p.storeResponse(ctx, resp.Data)
	}
	return resp, nil
}

// document parses and validates the query, consulting the document store.
func (p *processor) document() (*ast.QueryDocument, gqlerror.List) {
	query := p.rc.Request.Query
	if p.cfg.Documents != nil {
		if doc, ok := p.cfg.Documents.Get(query); ok {
			p.rc.Metrics.DocumentCacheHit = true
			return doc, nil
		}
	}

	start := time.Now()
	doc, errs := language.ParseQuery(query)
	p.rc.Metrics.ParseDuration = time.Since(start)
	if errs != nil {
		return nil, gqlerrors.WithCode(errs, gqlerrors.CodeParseFailed)
	}

	start = time.Now()
	errs = language.Validate(p.rc.Schema, doc)
	for _, rule := range p.cfg.ValidationRules {
		errs = append(errs, rule(p.rc.Schema, doc)...)
	}
	p.rc.Metrics.ValidationDuration = time.Since(start)
	if len(errs) > 0 {
		return nil, gqlerrors.WithCode(errs, gqlerrors.CodeValidationFailed)
	}

	if p.cfg.Documents != nil {
		p.cfg.Documents.Put(query, doc)
	}
	return doc, nil
}

func (p *processor) formatOptions() gqlerrors.FormatOptions {
	return gqlerrors.FormatOptions{Debug: p.rc.Debug, Formatter: p.cfg.FormatError}
}

// errorResponse builds a response for a request that never reached
// execution: it has errors and no data.
func (p *processor) errorResponse(ctx context.Context, errs gqlerror.List) *Response {
	p.didEncounterErrors(ctx, errs)
	return p.send(ctx, &Response{
		Errors: gqlerrors.FormatList(errs, p.formatOptions()),
		HTTP:   p.rc.Response,
	})
}

func (p *processor) didEncounterErrors(ctx context.Context, errs gqlerror.List) {
	p.rc.Logger.Debug("graphql request encountered errors",
		zap.String("operation", p.rc.Request.OperationName),
		zap.Int("count", len(errs)),
		zap.String("first", errs[0].Message),
	)
	for _, l := range p.listeners {
		if h, ok := l.(ErrorsListener); ok {
			h.DidEncounterErrors(ctx, p.rc, errs)
		}
	}
}

func (p *processor) send(ctx context.Context, resp *Response) *Response {
	if p.cfg.FormatResponse != nil {
		if formatted := p.cfg.FormatResponse(resp, p.rc); formatted != nil {
			resp = formatted
		}
	}
	for _, l := range p.listeners {
		if h, ok := l.(ResponseListener); ok {
			h.WillSendResponse(ctx, p.rc, resp)
		}
	}
	return resp
}
