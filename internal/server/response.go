package server

import (
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphqlhttp/internal/pipeline"
)

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// wireResponse fixes the field order of serialized responses: errors come
// first so error responses are recognizable at a glance. Absent fields are
// omitted; a present null data is kept.
type wireResponse struct {
	Errors     gqlerror.List       `json:"errors,omitempty"`
	Data       jsoniter.RawMessage `json:"data,omitempty"`
	Extensions map[string]any      `json:"extensions,omitempty"`
}

func toWire(resp *pipeline.Response) wireResponse {
	return wireResponse{Errors: resp.Errors, Data: resp.Data, Extensions: resp.Extensions}
}

// HTTPQueryResponse is the merged outcome of every invocation of one HTTP
// request. Status 0 means 200.
type HTTPQueryResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// merge applies an invocation's HTTP hint. Later calls win per header name
// and for the status.
func (res *HTTPQueryResponse) merge(hint *pipeline.HTTPResponse) {
	if hint == nil {
		return
	}
	for name, values := range hint.Header {
		res.Header[name] = append([]string(nil), values...)
	}
	if hint.Status != 0 {
		res.Status = hint.Status
	}
}

// finish stores body with its trailing newline and the final entity headers.
func (res *HTTPQueryResponse) finish(body []byte) {
	res.Body = append(body, '\n')
	res.Header.Set("Content-Type", "application/json")
	res.Header.Set("Content-Length", strconv.Itoa(len(res.Body)))
}

// StatusCode returns the status to write.
func (res *HTTPQueryResponse) StatusCode() int {
	if res.Status == 0 {
		return http.StatusOK
	}
	return res.Status
}
