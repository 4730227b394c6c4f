package reqid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the request IDs.
type key struct{}

type ids struct {
	id    string
	token string
}

// Header is the response header carrying the request ID.
const Header = "X-Request-Id"

// NewContext returns a copy of parent carrying id. When id is empty a new
// random ID is generated. The stored ID is returned.
//
// Every call also stores a server-generated token, so two requests that
// share a client-supplied id are still told apart.
func NewContext(parent context.Context, id string) (context.Context, string) {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(parent, key{}, ids{id: id, token: uuid.NewString()}), id
}

// FromContext extracts the request ID from ctx.
func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(key{}).(ids)
	return v.id, ok
}

// Token extracts the server-generated token of the request carried by ctx.
func Token(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(key{}).(ids)
	return v.token, ok
}
