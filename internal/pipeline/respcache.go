package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/dgryski/go-farm"
	jsoniter "github.com/json-iterator/go"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"

	"github.com/hanpama/graphqlhttp/internal/cachecontrol"
)

type cacheEntry struct {
	Data   jsoniter.RawMessage `json:"data"`
	MaxAge int64               `json:"maxAge"`
}

func (p *processor) responseCacheEnabled() bool {
	return p.cfg.ResponseCache && p.rc.Cache != nil && p.rc.Operation.Operation == ast.Query
}

// responseCacheKey fingerprints the operation name, query text and coerced
// variables. Variables are encoded with sorted keys so equal values produce
// equal keys.
func (p *processor) responseCacheKey() (string, bool) {
	vars, err := json.Marshal(p.rc.Variables)
	if err != nil {
		return "", false
	}
	req := p.rc.Request
	buf := make([]byte, 0, len(req.OperationName)+len(req.Query)+len(vars)+2)
	buf = append(buf, req.OperationName...)
	buf = append(buf, 0)
	buf = append(buf, req.Query...)
	buf = append(buf, 0)
	buf = append(buf, vars...)
	return "fqc:" + strconv.FormatUint(farm.Fingerprint64(buf), 16), true
}

func (p *processor) cachedResponse(ctx context.Context) (*Response, bool) {
	if !p.responseCacheEnabled() {
		return nil, false
	}
	key, ok := p.responseCacheKey()
	if !ok {
		return nil, false
	}
	raw, ok := p.rc.Cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		p.rc.Cache.Delete(ctx, key)
		return nil, false
	}
	p.rc.Metrics.ResponseCacheHit = true
	p.rc.OverallCachePolicy.Replace(cachecontrol.Hint{
		MaxAge: ptr(time.Duration(entry.MaxAge) * time.Second),
		Scope:  cachecontrol.Public,
	})
	return &Response{Data: entry.Data, HTTP: p.rc.Response}, true
}

// storeResponse caches data when the overall policy allows public caching.
func (p *processor) storeResponse(ctx context.Context, data []byte) {
	if !p.responseCacheEnabled() {
		return
	}
	maxAge, scope, ok := p.rc.OverallCachePolicy.IfCacheable()
	if !ok || scope != cachecontrol.Public {
		return
	}
	key, ok := p.responseCacheKey()
	if !ok {
		return
	}
	raw, err := json.Marshal(cacheEntry{Data: data, MaxAge: int64(maxAge / time.Second)})
	if err != nil {
		return
	}
	if err := p.rc.Cache.Set(ctx, key, raw, maxAge); err != nil {
		p.rc.Logger.Debug("response cache write skipped", zap.Error(err))
	}
}

func ptr[T any](v T) *T { return &v }
