package language

import (
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// ParseQuery parses source into a query document. Syntax errors are returned
// as a gqlerror.List so callers can report every location.
func ParseQuery(source string) (*QueryDocument, gqlerror.List) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: source})
	if err != nil {
		return nil, toList(err)
	}
	return doc, nil
}

// LoadSchema builds an executable schema from SDL, including the builtin
// scalars and directives.
func LoadSchema(name, source string) (*Schema, error) {
	return gqlparser.LoadSchema(&ast.Source{Name: name, Input: source})
}

// Validate runs the standard validation rules against doc.
func Validate(schema *Schema, doc *QueryDocument) gqlerror.List {
	return validator.Validate(schema, doc)
}

// CoerceVariables coerces raw JSON variable values against the variable
// definitions of op.
func CoerceVariables(schema *Schema, op *OperationDefinition, vars map[string]any) (map[string]any, gqlerror.List) {
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := validator.VariableValues(schema, op, vars)
	if err != nil {
		return nil, toList(err)
	}
	return out, nil
}

// SelectOperation picks the operation to run from doc. An empty name is only
// allowed when the document holds exactly one operation.
func SelectOperation(doc *QueryDocument, name string) (*OperationDefinition, error) {
	if name == "" {
		if len(doc.Operations) == 1 {
			return doc.Operations[0], nil
		}
		return nil, fmt.Errorf("Must provide operation name if query contains multiple operations.")
	}
	for _, op := range doc.Operations {
		if op.Name == name {
			return op, nil
		}
	}
	return nil, fmt.Errorf("Unknown operation named %q.", name)
}

func toList(err error) gqlerror.List {
	switch e := err.(type) {
	case gqlerror.List:
		return e
	case *gqlerror.Error:
		return gqlerror.List{e}
	default:
		return gqlerror.List{gqlerror.Wrap(err)}
	}
}
