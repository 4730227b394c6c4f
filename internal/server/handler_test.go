package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/graphqlhttp/internal/gqlerrors"
	"github.com/hanpama/graphqlhttp/internal/language"
	"github.com/hanpama/graphqlhttp/internal/pipeline"
	reqid "github.com/hanpama/graphqlhttp/internal/reqid"
)

const testSDL = `
type Query {
  hello(name: String): String
  slow: String
  boom: String
  tag(v: String!): String
  count: Int
  panic: String
}
type Mutation { bump: Int }
`

type counter struct{ N int }

// testExecutor resolves the first root field of the operation.
func testExecutor(onCall func(ctx context.Context, rc *pipeline.RequestContext)) pipeline.Executor {
	return pipeline.ExecutorFunc(func(ctx context.Context, rc *pipeline.RequestContext) *pipeline.ExecutionResult {
		if onCall != nil {
			onCall(ctx, rc)
		}
		field := rc.Operation.SelectionSet[0].(*ast.Field)
		args := field.ArgumentMap(rc.Variables)
		switch field.Name {
		case "hello":
			name, _ := args["name"].(string)
			if name == "" {
				name = "world"
			}
			return &pipeline.ExecutionResult{Data: map[string]any{"hello": "hello " + name}}
		case "slow":
			time.Sleep(50 * time.Millisecond)
			return &pipeline.ExecutionResult{Data: map[string]any{"slow": "done"}}
		case "boom":
			return &pipeline.ExecutionResult{
				Data:       map[string]any{"boom": nil},
				Errors:     gqlerror.List{{Message: "boom failed"}},
				Extensions: map[string]any{"trace": "t1"},
			}
		case "tag":
			v := args["v"].(string)
			rc.Response.Header.Set("X-Tag", v)
			rc.Response.Header.Set("X-Only-"+v, "1")
			return &pipeline.ExecutionResult{Data: map[string]any{"tag": v}}
		case "count":
			c := rc.Context.(*counter)
			c.N++
			return &pipeline.ExecutionResult{Data: map[string]any{"count": c.N}}
		case "panic":
			panic("kaboom")
		case "bump":
			return &pipeline.ExecutionResult{Data: map[string]any{"bump": 1}}
		}
		return &pipeline.ExecutionResult{Data: map[string]any{}}
	})
}

func newTestHandler(t *testing.T, exec pipeline.Executor, opts ...Option) *Handler {
	t.Helper()
	sch, err := language.LoadSchema("test.graphql", testSDL)
	require.NoError(t, err)
	if exec == nil {
		exec = testExecutor(nil)
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	h, err := New(pipeline.Config{Schema: sch, Executor: exec}, opts...)
	require.NoError(t, err)
	return h
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type testResponse struct {
	Errors     []map[string]any `json:"errors"`
	Data       map[string]any   `json:"data"`
	Extensions map[string]any   `json:"extensions"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) testResponse {
	t.Helper()
	var out testResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) []testResponse {
	t.Helper()
	var out []testResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, nil)
	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/", strings.NewReader(`{"query":"{ hello }"}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
			assert.Equal(t, "GET, POST", w.Header().Get("Allow"))
			assert.Equal(t, msgMethodNotAllowed, decode(t, w).Errors[0]["message"])
		})
	}
}

func TestPostBodyMissing(t *testing.T) {
	h := newTestHandler(t, nil)

	w := post(t, h, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "POST body missing, invalid Content-Type, or JSON object has no keys.", decode(t, w).Errors[0]["message"])

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, msgPostBodyMissing, decode(t, w).Errors[0]["message"])

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, msgPostBodyMissing, decode(t, w).Errors[0]["message"])
}

func TestInvalidJSON(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(t, h, `{"query":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, msgInvalidJSON, decode(t, w).Errors[0]["message"])
}

func TestGetQueryMissing(t *testing.T) {
	h := newTestHandler(t, nil)
	w := get(t, h, url.Values{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "GET query missing.", decode(t, w).Errors[0]["message"])
}

func TestGetMutationNotAllowed(t *testing.T) {
	h := newTestHandler(t, nil)
	w := get(t, h, url.Values{"query": {"mutation { bump }"}})
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "POST", w.Header().Get("Allow"))
	assert.Equal(t, "GET supports only query operation", decode(t, w).Errors[0]["message"])

	w = post(t, h, `{"query":"mutation { bump }"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w).Data["bump"])
}

func TestVariablesOverGetAndPost(t *testing.T) {
	h := newTestHandler(t, nil)
	query := `query Q($name: String) { hello(name: $name) }`

	w := get(t, h, url.Values{"query": {query}, "variables": {`{"name":"gopher"}`}, "operationName": {"Q"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hello gopher", decode(t, w).Data["hello"])

	w = post(t, h, `{"query":"query Q($name: String) { hello(name: $name) }","variables":{"name":"gopher"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hello gopher", decode(t, w).Data["hello"])

	w = get(t, h, url.Values{"query": {query}, "variables": {`{"name":`}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, msgVariablesInvalid, decode(t, w).Errors[0]["message"])
}

func TestBatchingDisabled(t *testing.T) {
	h := newTestHandler(t, nil, WithBatching(false))
	w := post(t, h, `[{"query":"{ hello }"},{"query":"{ hello }"}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	out := decode(t, w)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "Operation batching disabled.", out.Errors[0]["message"])
	assert.Nil(t, out.Data)
}

func TestBatchPreservesOrder(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(t, h, `[{"query":"{ slow }"},{"query":"{ hello }"},{"query":"{ tag(v: \"x\") }"}]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeBatch(t, w)
	require.Len(t, out, 3)
	assert.Equal(t, "done", out[0].Data["slow"])
	assert.Equal(t, "hello world", out[1].Data["hello"])
	assert.Equal(t, "x", out[2].Data["tag"])
}

func TestBatchElementFailuresAreIsolated(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(t, h, `[{"query":"{ hello }"}, 42, {"query": 5}, {"query":"{ panic }"}, {"query":"{ hello"}]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeBatch(t, w)
	require.Len(t, out, 5)

	assert.Equal(t, "hello world", out[0].Data["hello"])
	assert.Empty(t, out[0].Errors)

	assert.Equal(t, msgBatchEntryNotObject, out[1].Errors[0]["message"])
	assert.Equal(t, msgQueryNotString, out[2].Errors[0]["message"])
	assert.Contains(t, out[3].Errors[0]["message"], "kaboom")
	for _, el := range out[1:4] {
		assert.Nil(t, el.Data)
	}
	assert.Equal(t, gqlerrors.CodeParseFailed, out[4].Errors[0]["extensions"].(map[string]any)["code"])
}

func TestResponseFieldOrder(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(t, h, `{"query":"{ boom }"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	e, d, x := strings.Index(body, `"errors"`), strings.Index(body, `"data"`), strings.LastIndex(body, `"extensions"`)
	require.True(t, e >= 0 && d >= 0 && x >= 0, body)
	assert.Less(t, e, d)
	assert.Less(t, d, x)
	assert.True(t, strings.HasPrefix(body, `{"errors":[`), body)

	w = post(t, h, `{"query":"{ hello }"}`)
	assert.Equal(t, `{"data":{"hello":"hello world"}}`+"\n", w.Body.String())
}

func TestResponseFraming(t *testing.T) {
	h := newTestHandler(t, nil)
	for _, body := range []string{`{"query":"{ hello }"}`, `[{"query":"{ hello }"}]`, `{"query":"{ hello"}`, `{}`} {
		w := post(t, h, body)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, strconv.Itoa(w.Body.Len()), w.Header().Get("Content-Length"))
		assert.True(t, strings.HasSuffix(w.Body.String(), "}\n") || strings.HasSuffix(w.Body.String(), "]\n"), w.Body.String())
	}
}

func TestPreExecutionFailureStatus(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(t, h, `{"query":"{ nope }"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	out := decode(t, w)
	assert.Nil(t, out.Data)
	assert.NotContains(t, w.Body.String(), `"data"`)
	assert.Equal(t, gqlerrors.CodeValidationFailed, out.Errors[0]["extensions"].(map[string]any)["code"])

	sch, err := language.LoadSchema("test.graphql", testSDL)
	require.NoError(t, err)
	h2, err := New(pipeline.Config{
		Schema:   sch,
		Executor: testExecutor(nil),
		Plugins:  []pipeline.Plugin{hintPlugin{status: http.StatusUnprocessableEntity}},
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	w = post(t, h2, `{"query":"{ hello"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "yes", w.Header().Get("X-Hinted"))
}

type hintPlugin struct{ status int }

func (p hintPlugin) RequestDidStart(rc *pipeline.RequestContext) any {
	rc.Response.Status = p.status
	rc.Response.Header.Set("X-Hinted", "yes")
	return nil
}

func TestBatchHeadersLastWriteWins(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(t, h, `[{"query":"{ tag(v: \"a\") }"},{"query":"{ tag(v: \"b\") }"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "b", w.Header().Get("X-Tag"))
	assert.Equal(t, "1", w.Header().Get("X-Only-a"))
	assert.Equal(t, "1", w.Header().Get("X-Only-b"))
}

func TestUserContextIsClonedPerInvocation(t *testing.T) {
	base := &counter{}
	h := newTestHandler(t, nil, WithContext(base))
	w := post(t, h, `[{"query":"{ count }"},{"query":"{ count }"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	for _, el := range decodeBatch(t, w) {
		assert.Equal(t, float64(1), el.Data["count"])
	}
	assert.Equal(t, 0, base.N)
}

func TestContextFuncFailure(t *testing.T) {
	h := newTestHandler(t, nil, WithContextFunc(func(context.Context, *pipeline.HTTPRequest) (any, error) {
		return nil, gqlerrors.New("UNAUTHENTICATED", "no token")
	}))
	w := post(t, h, `{"query":"{ hello }"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Context creation failed: no token", decode(t, w).Errors[0]["message"])

	h = newTestHandler(t, nil, WithContextFunc(func(context.Context, *pipeline.HTTPRequest) (any, error) {
		return nil, fmt.Errorf("database down")
	}))
	w = post(t, h, `{"query":"{ hello }"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Context creation failed: database down", decode(t, w).Errors[0]["message"])
}

func TestSinglePanicIsInternalError(t *testing.T) {
	h := newTestHandler(t, nil)
	w := post(t, h, `{"query":"{ panic }"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	out := decode(t, w)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, gqlerrors.CodeInternalServerError, out.Errors[0]["extensions"].(map[string]any)["code"])
}

func TestIdempotentQueries(t *testing.T) {
	h := newTestHandler(t, nil)
	first := post(t, h, `{"query":"{ hello }"}`)
	second := post(t, h, `{"query":"{ hello }"}`)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestGzipBody(t *testing.T) {
	h := newTestHandler(t, nil)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"query":"{ hello }"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hello world", decode(t, w).Data["hello"])
}

func TestForwardedHeaders(t *testing.T) {
	var captured metadata.MD
	exec := testExecutor(func(ctx context.Context, _ *pipeline.RequestContext) {
		captured, _ = metadata.FromOutgoingContext(ctx)
	})
	h := newTestHandler(t, exec, WithMetadataHeaders("X-Test"))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test", "abc")
	req.Header.Set("X-Other", "nope")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, []string{"abc"}, captured.Get("x-test"))
	assert.Empty(t, captured.Get("x-other"))
}

func TestForwardedHeadersDefaultEmpty(t *testing.T) {
	var captured metadata.MD
	exec := testExecutor(func(ctx context.Context, _ *pipeline.RequestContext) {
		captured, _ = metadata.FromOutgoingContext(ctx)
	})
	h := newTestHandler(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test", "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, captured.Get("x-test"))
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, nil, WithCORS("*"))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	pre := httptest.NewRequest(http.MethodOptions, "/", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	assert.Equal(t, http.StatusNoContent, pw.Code)
	assert.Equal(t, "*", pw.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Test", pw.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORSSpecificOrigin(t *testing.T) {
	h := newTestHandler(t, nil, WithCORS("http://allowed.example"))

	req := httptest.NewRequest(http.MethodGet, "/?query=%7B+hello+%7D", nil)
	req.Header.Set("Origin", "http://allowed.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "http://allowed.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/?query=%7B+hello+%7D", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, nil, WithMaxBodyBytes(10))
	w := post(t, h, `{"query":"1234567890"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, msgBodyTooLarge, decode(t, w).Errors[0]["message"])
}

func TestRequestID(t *testing.T) {
	var capturedMD metadata.MD
	var capturedID string
	exec := testExecutor(func(ctx context.Context, _ *pipeline.RequestContext) {
		capturedMD, _ = metadata.FromOutgoingContext(ctx)
		capturedID, _ = reqid.FromContext(ctx)
	})
	h := newTestHandler(t, exec)

	w := post(t, h, `{"query":"{ hello }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, capturedID)
	assert.Equal(t, []string{capturedID}, capturedMD.Get("graphql-request-id"))
	assert.Equal(t, capturedID, w.Header().Get(reqid.Header))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reqid.Header, "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", capturedID)
	assert.Equal(t, "abc-123", w.Header().Get(reqid.Header))
}

func TestNewRequiresSchemaAndExecutor(t *testing.T) {
	_, err := New(pipeline.Config{})
	assert.Error(t, err)
}

func TestWithPluginsCacheControl(t *testing.T) {
	h := newTestHandler(t, nil, WithPlugins(pipeline.CacheControlPlugin{DefaultMaxAge: time.Minute}))
	w := get(t, h, url.Values{"query": {"{ hello }"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "max-age=60, public", w.Header().Get("Cache-Control"))

	w = post(t, h, `{"query":"{ boom }"}`)
	assert.Empty(t, w.Header().Get("Cache-Control"))
}
