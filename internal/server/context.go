package server

import (
	"maps"
	"net/http"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/graphqlhttp/internal/cachecontrol"
	"github.com/hanpama/graphqlhttp/internal/pipeline"
)

// Cloner is implemented by user context values that know how to copy
// themselves. Clone must return a value of the same type whose mutable state
// is independent of the receiver.
type Cloner interface {
	Clone() any
}

var defaultLogger = sync.OnceValue(func() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
})

// buildRequestContext assembles the private state of one invocation.
// Schema, cache and logger are shared; everything else is fresh.
func (r *runner) buildRequestContext(req *pipeline.Request) *pipeline.RequestContext {
	logger := r.opts.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	return &pipeline.RequestContext{
		Request:            req,
		Response:           &pipeline.HTTPResponse{Header: http.Header{}},
		Context:            cloneContext(r.base),
		Schema:             r.cfg.Schema,
		Cache:              r.opts.Cache,
		Logger:             logger,
		Debug:              r.opts.Debug,
		Metrics:            &pipeline.Metrics{StartTime: time.Now()},
		OverallCachePolicy: cachecontrol.New(),
	}
}

// cloneContext makes a shallow copy of v with the same dynamic type, so
// writes to the copy's fields never reach v or its siblings.
func cloneContext(v any) any {
	switch c := v.(type) {
	case nil:
		return map[string]any{}
	case Cloner:
		return c.Clone()
	case map[string]any:
		return maps.Clone(c)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
			return v
		}
		cp := reflect.New(rv.Elem().Type())
		cp.Elem().Set(rv.Elem())
		return cp.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		cp := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), iter.Value())
		}
		return cp.Interface()
	default:
		return v
	}
}
