package server

import (
	"net/http"
	"strconv"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphqlhttp/internal/gqlerrors"
)

// HTTPQueryError is a failure that ends the HTTP request with a specific
// status. When IsGraphQLError is set, Message is a complete JSON response body;
// otherwise it is a plain transport rejection message.
type HTTPQueryError struct {
	Status         int
	Message        string
	IsGraphQLError bool
	Headers        http.Header
}

func (e *HTTPQueryError) Error() string { return e.Message }

func newHTTPQueryError(status int, message string, headers http.Header) *HTTPQueryError {
	return &HTTPQueryError{Status: status, Message: message, Headers: headers}
}

// translateErrors renders errs as a GraphQL error body and returns it as a
// transport error. opts nil means errs were already formatted upstream.
func translateErrors(status int, errs []error, opts *gqlerrors.FormatOptions, extensions map[string]any, headers http.Header) *HTTPQueryError {
	var list gqlerror.List
	if opts != nil {
		list = gqlerrors.Format(errs, *opts)
	} else {
		list = make(gqlerror.List, 0, len(errs))
		for _, err := range errs {
			if ge, ok := err.(*gqlerror.Error); ok {
				list = append(list, ge)
			} else {
				list = append(list, &gqlerror.Error{Message: err.Error()})
			}
		}
	}

	h := http.Header{"Content-Type": []string{"application/json"}}
	if gqlerrors.HasPersistedQueryError(list) {
		h.Set("Cache-Control", "private, no-cache, must-revalidate")
	}
	for name, values := range headers {
		h[name] = append([]string(nil), values...)
	}

	body, err := json.Marshal(wireResponse{Errors: list, Extensions: extensions})
	if err != nil {
		body = []byte(`{"errors":[{"message":"Internal server error"}]}`)
	}
	body = append(body, '\n')
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &HTTPQueryError{Status: status, Message: string(body), IsGraphQLError: true, Headers: h}
}

func gqlErrors(list gqlerror.List) []error {
	out := make([]error, len(list))
	for i, e := range list {
		out[i] = e
	}
	return out
}
