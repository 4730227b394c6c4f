// Package fixture resolves GraphQL operations against static data loaded
// from YAML. It backs the serve command so the HTTP layer can be exercised
// without a real resolver runtime.
//
// A fixture file maps root type names to objects:
//
//	Query:
//	  hello: world
//	  user:
//	    id: "1"
//	    friends: [{id: "2"}, {id: "3"}]
//	Mutation:
//	  bump: 1
//
// An object holding an __error key resolves to null and reports its value as
// a field error.
package fixture

import (
	"bytes"
	"context"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"gopkg.in/yaml.v3"

	"github.com/hanpama/graphqlhttp/internal/pipeline"
)

const errorKey = "__error"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Executor serves fixture data. It is safe for concurrent use; the data is
// never mutated after loading.
type Executor struct {
	roots map[string]map[string]any
}

// Load reads fixture data from r.
func Load(r io.Reader) (*Executor, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &Executor{roots: map[string]map[string]any{}}, nil
		}
		return nil, errors.Wrap(err, "fixture: decode")
	}
	if err := checkKeys(&doc); err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := doc.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "fixture: decode")
	}
	roots := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, errors.Errorf("fixture: %s must be a mapping", name)
		}
		roots[name] = obj
	}
	return &Executor{roots: roots}, nil
}

// checkKeys rejects mappings with non-string keys, which cannot be encoded
// as JSON objects.
func checkKeys(n *yaml.Node) error {
	if n.Kind == yaml.AliasNode {
		return nil
	}
	if n.Kind == yaml.MappingNode {
		for i := 0; i < len(n.Content); i += 2 {
			k := n.Content[i]
			if k.Kind == yaml.ScalarNode && k.ShortTag() == "!!merge" {
				continue
			}
			if k.Kind != yaml.ScalarNode || k.ShortTag() != "!!str" {
				return errors.Errorf("fixture: line %d column %d: mapping key %q must be a string", k.Line, k.Column, k.Value)
			}
		}
	}
	for _, c := range n.Content {
		if err := checkKeys(c); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads fixture data from the YAML file at path.
func LoadFile(path string) (*Executor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "fixture: open")
	}
	defer f.Close()
	return Load(f)
}

// Execute implements pipeline.Executor.
func (e *Executor) Execute(ctx context.Context, rc *pipeline.RequestContext) *pipeline.ExecutionResult {
	op := rc.Operation
	rootType := rootTypeName(rc.Schema, op.Operation)
	st := &state{ctx: ctx, schema: rc.Schema, doc: rc.Document, vars: rc.Variables}

	root, ok := e.roots[rootType]
	fields := st.collect(rootType, op.SelectionSet)
	out := newObject(len(fields))
	for _, f := range fields {
		path := ast.Path{ast.PathName(f.responseName)}
		name := f.fields[0].Name
		if name == "__typename" {
			out.set(f.responseName, rootType)
			continue
		}
		v, present := root[name]
		if !ok || !present {
			st.errorf(f.fields[0], path, "no fixture for %s.%s", rootType, name)
			out.set(f.responseName, nil)
			continue
		}
		out.set(f.responseName, st.complete(v, f.fields, path))
	}
	return &pipeline.ExecutionResult{Data: out, Errors: st.errs}
}

func rootTypeName(schema *ast.Schema, op ast.Operation) string {
	var def *ast.Definition
	if schema != nil {
		switch op {
		case ast.Mutation:
			def = schema.Mutation
		case ast.Subscription:
			def = schema.Subscription
		default:
			def = schema.Query
		}
	}
	if def != nil {
		return def.Name
	}
	switch op {
	case ast.Mutation:
		return "Mutation"
	case ast.Subscription:
		return "Subscription"
	}
	return "Query"
}

type state struct {
	ctx    context.Context
	schema *ast.Schema
	doc    *ast.QueryDocument
	vars   map[string]any
	errs   gqlerror.List
}

func (s *state) errorf(field *ast.Field, path ast.Path, format string, args ...any) {
	err := gqlerror.Errorf(format, args...)
	err.Path = append(ast.Path(nil), path...)
	if field.Position != nil {
		err.Locations = []gqlerror.Location{{Line: field.Position.Line, Column: field.Position.Column}}
	}
	s.errs = append(s.errs, err)
}

// complete shapes v by the merged selection sets of fields.
func (s *state) complete(v any, fields []*ast.Field, path ast.Path) any {
	field := fields[0]
	if s.ctx.Err() != nil {
		s.errorf(field, path, "%s", s.ctx.Err().Error())
		return nil
	}
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = s.complete(item, fields, append(path, ast.PathIndex(i)))
		}
		return out
	case map[string]any:
		if msg, ok := t[errorKey]; ok {
			s.errorf(field, path, "%v", msg)
			return nil
		}
		var set ast.SelectionSet
		for _, f := range fields {
			set = append(set, f.SelectionSet...)
		}
		if len(set) == 0 {
			return t
		}
		return s.object(t, field, set, path)
	default:
		return v
	}
}

func (s *state) object(src map[string]any, parent *ast.Field, set ast.SelectionSet, path ast.Path) *Object {
	typeName, _ := src["__typename"].(string)
	concrete := typeName
	if typeName == "" && parent.Definition != nil {
		typeName = parent.Definition.Type.Name()
		if def := s.definition(typeName); def == nil || !def.IsAbstractType() {
			concrete = typeName
		}
	}
	fields := s.collect(concrete, set)
	out := newObject(len(fields))
	for _, f := range fields {
		if f.fields[0].Name == "__typename" {
			out.set(f.responseName, typeName)
			continue
		}
		out.set(f.responseName, s.complete(src[f.fields[0].Name], f.fields, append(path, ast.PathName(f.responseName))))
	}
	return out
}

func (s *state) definition(name string) *ast.Definition {
	if s.schema == nil {
		return nil
	}
	return s.schema.Types[name]
}

// collectedField groups every field selected under one response name.
type collectedField struct {
	responseName string
	fields       []*ast.Field
}

// collect flattens fragments into fields in query order. Fields sharing a
// response name are grouped; validation guarantees they are compatible.
func (s *state) collect(typeName string, set ast.SelectionSet) []collectedField {
	var out []collectedField
	index := map[string]int{}
	visited := map[string]bool{}
	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch sel := sel.(type) {
			case *ast.Field:
				if !s.include(sel.Directives) {
					continue
				}
				name := sel.Alias
				if name == "" {
					name = sel.Name
				}
				if i, ok := index[name]; ok {
					out[i].fields = append(out[i].fields, sel)
					continue
				}
				index[name] = len(out)
				out = append(out, collectedField{responseName: name, fields: []*ast.Field{sel}})
			case *ast.InlineFragment:
				if !s.include(sel.Directives) || !s.applies(sel.TypeCondition, typeName) {
					continue
				}
				walk(sel.SelectionSet)
			case *ast.FragmentSpread:
				if !s.include(sel.Directives) || visited[sel.Name] {
					continue
				}
				visited[sel.Name] = true
				def := sel.Definition
				if def == nil && s.doc != nil {
					def = s.doc.Fragments.ForName(sel.Name)
				}
				if def == nil || !s.applies(def.TypeCondition, typeName) {
					continue
				}
				walk(def.SelectionSet)
			}
		}
	}
	walk(set)
	return out
}

// applies reports whether a fragment with condition applies to an object
// of typeName. An empty typeName means the concrete type is unknown.
func (s *state) applies(condition, typeName string) bool {
	if condition == "" || typeName == "" || condition == typeName {
		return true
	}
	if s.schema == nil {
		return false
	}
	def := s.schema.Types[condition]
	if def == nil || !def.IsAbstractType() {
		return false
	}
	for _, t := range s.schema.GetPossibleTypes(def) {
		if t.Name == typeName {
			return true
		}
	}
	return false
}

func (s *state) include(directives ast.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(s.vars)["if"].(bool); skip {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if inc, ok := d.ArgumentMap(s.vars)["if"].(bool); ok && !inc {
			return false
		}
	}
	return true
}

// Object is a JSON object that keeps its keys in insertion order.
type Object struct {
	keys   []string
	values map[string]any
}

func newObject(n int) *Object {
	return &Object{keys: make([]string, 0, n), values: make(map[string]any, n)}
}

func (o *Object) set(key string, v any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string { return o.keys }

func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, errors.Wrapf(err, "fixture: encode %s", k)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
