package server

import (
	"net/http"

	"github.com/hanpama/graphqlhttp/internal/pipeline"
)

const (
	msgExtensionsInvalid = "Extensions are invalid JSON."
	msgVariablesInvalid  = "Variables are invalid JSON."
	msgExtensionsObject  = "Extensions must be a JSON object."
	msgVariablesObject   = "Variables must be a JSON object."
	msgQueryNotString    = "GraphQL queries must be strings."
	msgQueryIsDocument   = "GraphQL queries must be strings. It looks like you're sending the " +
		"internal representation of a parsed query in your request instead of a request " +
		"in the GraphQL query language. You can convert a parsed document to a string with " +
		"a printer such as `print` from graphql-js or gqlparser's formatter, or use a client " +
		"that sends query text for you."
	msgOperationNameNotString = "GraphQL operation names must be strings."
	msgBatchEntryNotObject    = "Batched GraphQL requests must be JSON objects."
)

// parseRequest normalizes one parameter map. String-encoded variables and
// extensions are decoded whatever the method, so clients that send POST
// bodies with stringified variables keep working.
func parseRequest(meta *pipeline.HTTPRequest, params map[string]any) (*pipeline.Request, error) {
	req := &pipeline.Request{HTTP: meta}

	ext, err := decodeObject(params["extensions"], msgExtensionsInvalid, msgExtensionsObject)
	if err != nil {
		return nil, err
	}
	req.Extensions = ext

	switch q := params["query"].(type) {
	case nil:
	case string:
		req.Query = q
	default:
		if isParsedDocument(q) {
			return nil, newHTTPQueryError(http.StatusBadRequest, msgQueryIsDocument, nil)
		}
		return nil, newHTTPQueryError(http.StatusBadRequest, msgQueryNotString, nil)
	}

	switch name := params["operationName"].(type) {
	case nil:
	case string:
		req.OperationName = name
	default:
		return nil, newHTTPQueryError(http.StatusBadRequest, msgOperationNameNotString, nil)
	}

	vars, err := decodeObject(params["variables"], msgVariablesInvalid, msgVariablesObject)
	if err != nil {
		return nil, err
	}
	req.Variables = vars
	return req, nil
}

// decodeObject accepts an absent value, a structured object, or a JSON
// string encoding an object. The empty string counts as absent. Text that
// does not parse reports invalid; any other non-object value reports
// notObject.
func decodeObject(v any, invalid, notObject string) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		var decoded any
		if err := json.UnmarshalFromString(t, &decoded); err != nil {
			return nil, newHTTPQueryError(http.StatusBadRequest, invalid, nil)
		}
		switch m := decoded.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			return m, nil
		}
	}
	return nil, newHTTPQueryError(http.StatusBadRequest, notObject, nil)
}

// isParsedDocument recognizes a pre-parsed query AST by its discriminant.
func isParsedDocument(v any) bool {
	m, ok := v.(map[string]any)
	return ok && m["kind"] == "Document"
}
