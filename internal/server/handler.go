package server

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	eventbus "github.com/hanpama/graphqlhttp/internal/eventbus"
	events "github.com/hanpama/graphqlhttp/internal/events"
	"github.com/hanpama/graphqlhttp/internal/kvcache"
	"github.com/hanpama/graphqlhttp/internal/pipeline"
	reqid "github.com/hanpama/graphqlhttp/internal/reqid"
)

const (
	msgInvalidJSON  = "POST body contains invalid JSON."
	msgBodyTooLarge = "Request body too large."
)

// Handler is an http.Handler that serves a GraphQL endpoint over GET and
// POST, single or batched.
type Handler struct {
	cfg pipeline.Config
	opt Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// MaxBodyBytes limits the size of the decoded request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata.
	// Header names are case-insensitive. Default is none.
	MetadataHeaders []string

	Logger *zap.Logger

	// Debug exposes stack traces and unmasked messages in errors.
	Debug bool

	// Batching accepts JSON array payloads. Enabled by default.
	Batching bool

	Context     any
	ContextFunc ContextFunc

	// Cache is handed to every invocation and backs the response cache.
	Cache kvcache.Cache

	// Plugins run after the plugins of the pipeline config.
	Plugins []pipeline.Plugin
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithLogger(l *zap.Logger) Option      { return func(o *Options) { o.Logger = l } }
func WithDebug(debug bool) Option          { return func(o *Options) { o.Debug = debug } }
func WithBatching(enabled bool) Option     { return func(o *Options) { o.Batching = enabled } }
func WithContext(v any) Option             { return func(o *Options) { o.Context = v } }
func WithContextFunc(f ContextFunc) Option { return func(o *Options) { o.ContextFunc = f } }
func WithCache(c kvcache.Cache) Option     { return func(o *Options) { o.Cache = c } }
func WithPlugins(plugins ...pipeline.Plugin) Option {
	return func(o *Options) { o.Plugins = append(o.Plugins, plugins...) }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a GraphQL HTTP handler that runs requests through cfg.
func New(cfg pipeline.Config, opts ...Option) (*Handler, error) {
	if cfg.Schema == nil {
		return nil, errors.New("server: schema is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("server: executor is required")
	}
	op := Options{Timeout: 10 * time.Second, Batching: true}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = defaultLogger()
	}
	cfg.Plugins = append(slices.Clip(cfg.Plugins), op.Plugins...)
	return &Handler{cfg: cfg, opt: op}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx, r.Header.Get(reqid.Header))
	w.Header().Set(reqid.Header, rid)
	status := http.StatusOK
	batchSize := 0
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, BatchSize: batchSize, Duration: time.Since(start)})
	}()

	cors := len(h.opt.CORS.AllowedOrigins) > 0
	if cors {
		setCORSHeaders(w, r, h.opt.CORS)
		if r.Method == http.MethodOptions {
			status = http.StatusNoContent
			w.WriteHeader(status)
			return
		}
	}

	ctx = metadata.NewOutgoingContext(ctx, h.metadata(r, rid))

	payload, err := h.readPayload(r)
	if err != nil {
		status = h.writeError(w, err)
		return
	}
	if batch, ok := payload.([]any); ok {
		batchSize = len(batch)
	} else if payload != nil {
		batchSize = 1
	}

	res, err := RunHTTPQuery(ctx, h.queryOptions(), HTTPQuery{
		Method:  r.Method,
		Payload: payload,
		Request: &pipeline.HTTPRequest{Method: r.Method, URL: r.URL, Header: r.Header.Clone()},
	})
	if err != nil {
		status = h.writeError(w, err)
		return
	}

	for name, values := range res.Header {
		w.Header()[name] = values
	}
	status = res.StatusCode()
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

func (h *Handler) queryOptions() QueryOptions {
	return QueryOptions{
		Pipeline:        h.cfg,
		Context:         h.opt.Context,
		ContextFunc:     h.opt.ContextFunc,
		Cache:           h.opt.Cache,
		Logger:          h.opt.Logger,
		Debug:           h.opt.Debug,
		DisableBatching: !h.opt.Batching,
	}
}

// metadata maps configured headers into outgoing gRPC metadata so resolvers
// calling backends propagate them.
func (h *Handler) metadata(r *http.Request, rid string) metadata.MD {
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["graphql-request-id"] = []string{rid}
	return md
}

// readPayload extracts the raw parameters of r. GET yields the query string
// as a map holding the first value of each key. POST yields the decoded JSON
// body when the media type is application/json, nil otherwise.
func (h *Handler) readPayload(r *http.Request) (any, error) {
	switch r.Method {
	case http.MethodGet:
		params := map[string]any{}
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		return params, nil
	case http.MethodPost:
	default:
		return nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return nil, nil
	}
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
		return nil, nil
	}
	defer r.Body.Close()

	var reader io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, newHTTPQueryError(http.StatusBadRequest, msgInvalidJSON, nil)
		}
		defer zr.Close()
		reader = zr
	}
	if h.opt.MaxBodyBytes > 0 {
		reader = io.LimitReader(reader, h.opt.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, newHTTPQueryError(http.StatusBadRequest, msgInvalidJSON, nil)
	}
	if h.opt.MaxBodyBytes > 0 && int64(len(body)) > h.opt.MaxBodyBytes {
		return nil, newHTTPQueryError(http.StatusRequestEntityTooLarge, msgBodyTooLarge, nil)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, newHTTPQueryError(http.StatusBadRequest, msgInvalidJSON, nil)
	}
	return payload, nil
}

// writeError writes err and returns the status it used. Transport rejections
// get the same JSON error shape as GraphQL errors.
func (h *Handler) writeError(w http.ResponseWriter, err error) int {
	var he *HTTPQueryError
	if !errors.As(err, &he) {
		he = translateErrors(http.StatusInternalServerError, []error{err}, nil, nil, nil)
	}
	if !he.IsGraphQLError {
		he = translateErrors(he.Status, []error{errors.New(he.Message)}, nil, nil, he.Headers)
	}
	if he.Status >= http.StatusInternalServerError {
		h.opt.Logger.Warn("graphql request failed", zap.Int("status", he.Status), zap.String("body", he.Message))
	}
	for name, values := range he.Headers {
		w.Header()[name] = values
	}
	w.WriteHeader(he.Status)
	_, _ = io.WriteString(w, he.Message)
	return he.Status
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	wildcard := slices.Contains(opts.AllowedOrigins, "*")
	if !wildcard && !slices.Contains(opts.AllowedOrigins, origin) {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}
