package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	eventbus "github.com/hanpama/graphqlhttp/internal/eventbus"
	events "github.com/hanpama/graphqlhttp/internal/events"
	"github.com/hanpama/graphqlhttp/internal/gqlerrors"
	"github.com/hanpama/graphqlhttp/internal/kvcache"
	"github.com/hanpama/graphqlhttp/internal/pipeline"
	reqid "github.com/hanpama/graphqlhttp/internal/reqid"
)

// ContextFunc creates the user context value for one HTTP request. Every
// invocation of a batch receives its own shallow copy of the value.
type ContextFunc func(ctx context.Context, req *pipeline.HTTPRequest) (any, error)

// QueryOptions configures RunHTTPQuery.
type QueryOptions struct {
	Pipeline pipeline.Config

	// Context is the base user context value. ContextFunc, when set, takes
	// precedence.
	Context     any
	ContextFunc ContextFunc

	Cache  kvcache.Cache
	Logger *zap.Logger
	Debug  bool

	// DisableBatching rejects array payloads.
	DisableBatching bool
}

// HTTPQuery is the transport-independent view of an incoming request.
// Payload is the decoded parameter map (map[string]any), a batch ([]any),
// or whatever the transport could not decode into either.
type HTTPQuery struct {
	Method  string
	Payload any
	Request *pipeline.HTTPRequest
}

// RunHTTPQuery executes every query invocation carried by q and merges the
// outcomes into one response. A returned error is always an *HTTPQueryError.
func RunHTTPQuery(ctx context.Context, opts QueryOptions, q HTTPQuery) (*HTTPQueryResponse, error) {
	fmtOpts := gqlerrors.FormatOptions{Debug: opts.Debug, Formatter: opts.Pipeline.FormatError}

	payload, err := checkPayload(q.Method, q.Payload)
	if err != nil {
		return nil, err
	}

	base := opts.Context
	if opts.ContextFunc != nil {
		if base, err = opts.ContextFunc(ctx, q.Request); err != nil {
			return nil, contextCreationError(err, fmtOpts)
		}
	}

	cfg := opts.Pipeline
	cfg.Plugins = append([]pipeline.Plugin{getOnlyQuery}, opts.Pipeline.Plugins...)
	r := &runner{opts: opts, cfg: cfg, meta: q.Request, base: base, fmtOpts: fmtOpts}

	res := &HTTPQueryResponse{Header: http.Header{"Content-Type": []string{"application/json"}}}
	var body []byte
	switch p := payload.(type) {
	case []any:
		if opts.DisableBatching {
			return nil, translateErrors(http.StatusBadRequest,
				[]error{gqlerrors.New(gqlerrors.CodeBadUserInput, "Operation batching disabled.")}, &fmtOpts, nil, nil)
		}
		body, err = r.runBatch(ctx, p, res)
	case map[string]any:
		body, err = r.runSingle(ctx, p, res)
	}
	if err != nil {
		var he *HTTPQueryError
		if errors.As(err, &he) {
			return nil, he
		}
		r.logger().Error("graphql request failed", zap.String("request_id", requestID(ctx)), zap.Error(err))
		return nil, translateErrors(http.StatusInternalServerError, []error{err}, &fmtOpts, nil, nil)
	}
	res.finish(body)
	return res, nil
}

func contextCreationError(err error, fmtOpts gqlerrors.FormatOptions) *HTTPQueryError {
	var ge *gqlerror.Error
	if errors.As(err, &ge) {
		cp := *ge
		cp.Message = "Context creation failed: " + ge.Message
		status := http.StatusInternalServerError
		if code := gqlerrors.Code(ge); code != "" && code != gqlerrors.CodeInternalServerError {
			status = http.StatusBadRequest
		}
		return translateErrors(status, []error{&cp}, &fmtOpts, nil, nil)
	}
	return translateErrors(http.StatusInternalServerError,
		[]error{errors.Wrap(err, "Context creation failed")}, &fmtOpts, nil, nil)
}

// runner holds the state shared by the invocations of one HTTP request.
type runner struct {
	opts    QueryOptions
	cfg     pipeline.Config
	meta    *pipeline.HTTPRequest
	base    any
	fmtOpts gqlerrors.FormatOptions
}

func (r *runner) logger() *zap.Logger {
	if r.opts.Logger != nil {
		return r.opts.Logger
	}
	return defaultLogger()
}

func (r *runner) runSingle(ctx context.Context, params map[string]any, res *HTTPQueryResponse) ([]byte, error) {
	resp, err := r.invoke(ctx, 0, false, params)
	if err != nil {
		return nil, err
	}

	// Parse and validation failures never reach execution and carry no data.
	if len(resp.Errors) > 0 && resp.Data == nil {
		status := http.StatusBadRequest
		var headers http.Header
		if resp.HTTP != nil {
			if resp.HTTP.Status != 0 {
				status = resp.HTTP.Status
			}
			headers = resp.HTTP.Header
		}
		return nil, translateErrors(status, gqlErrors(resp.Errors), nil, resp.Extensions, headers)
	}

	res.merge(resp.HTTP)
	return json.Marshal(toWire(resp))
}

// runBatch runs every element concurrently and waits for all of them. A
// failing element becomes an error entry; its siblings are unaffected.
func (r *runner) runBatch(ctx context.Context, items []any, res *HTTPQueryResponse) ([]byte, error) {
	responses := make([]*pipeline.Response, len(items))
	var g errgroup.Group
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			params, ok := item.(map[string]any)
			if !ok {
				responses[i] = r.errorEntry(newHTTPQueryError(http.StatusBadRequest, msgBatchEntryNotObject, nil))
				return nil
			}
			resp, err := r.invoke(ctx, i, true, params)
			if err != nil {
				resp = r.errorEntry(err)
			}
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	out := make([]wireResponse, len(responses))
	for i, resp := range responses {
		res.merge(resp.HTTP)
		out[i] = toWire(resp)
	}
	return json.Marshal(out)
}

func (r *runner) errorEntry(err error) *pipeline.Response {
	var he *HTTPQueryError
	if errors.As(err, &he) && !he.IsGraphQLError && he.Status < http.StatusInternalServerError {
		err = gqlerrors.New(gqlerrors.CodeBadUserInput, he.Message)
	}
	return &pipeline.Response{Errors: gqlerrors.Format([]error{err}, r.fmtOpts)}
}

// invoke parses params and runs them through the pipeline. Panics are
// recovered and returned as errors.
func (r *runner) invoke(ctx context.Context, index int, batch bool, params map[string]any) (resp *pipeline.Response, err error) {
	req, err := parseRequest(r.meta, params)
	if err != nil {
		return nil, err
	}
	rc := r.buildRequestContext(req)

	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{Index: index, Batch: batch, OperationName: req.OperationName})
	defer func() {
		if rec := recover(); rec != nil {
			resp, err = nil, errors.Errorf("panic while processing request: %v", rec)
		}
		finish := events.OperationFinish{
			Index:         index,
			Batch:         batch,
			OperationName: req.OperationName,
			Failed:        err != nil,
			ResponseCache: rc.Metrics.ResponseCacheHit,
			Duration:      time.Since(start),
		}
		if rc.Operation != nil {
			finish.OperationType = string(rc.Operation.Operation)
		}
		if err != nil {
			finish.Errors = []error{err}
		} else {
			finish.Errors = gqlErrors(resp.Errors)
		}
		eventbus.Publish(ctx, finish)
	}()

	return pipeline.Process(ctx, r.cfg, rc)
}

func requestID(ctx context.Context) string {
	id, _ := reqid.FromContext(ctx)
	return id
}
