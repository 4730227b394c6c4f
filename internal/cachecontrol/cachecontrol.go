// Package cachecontrol accumulates the caching constraints contributed while a
// single operation executes and renders them as an HTTP Cache-Control value.
package cachecontrol

import (
	"fmt"
	"sync"
	"time"
)

type Scope string

const (
	Public  Scope = "PUBLIC"
	Private Scope = "PRIVATE"
)

// Hint is a caching constraint. Nil/empty fields leave the policy unchanged.
type Hint struct {
	MaxAge *time.Duration
	Scope  Scope
}

// MaxAge returns a hint limiting the max age to d.
func MaxAge(d time.Duration) Hint { return Hint{MaxAge: &d} }

// Policy is the overall cache policy of one operation. It is safe for
// concurrent use by resolvers of the same operation.
type Policy struct {
	mu     sync.Mutex
	maxAge *time.Duration
	scope  Scope
}

// New returns an empty policy. An empty policy is not cacheable.
func New() *Policy { return &Policy{} }

// Restrict tightens the policy: the smaller max age wins and a private scope
// can never become public again.
func (p *Policy) Restrict(h Hint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.MaxAge != nil && (p.maxAge == nil || *h.MaxAge < *p.maxAge) {
		d := *h.MaxAge
		p.maxAge = &d
	}
	if h.Scope != "" && p.scope != Private {
		p.scope = h.Scope
	}
}

// Replace overwrites the fields set in h.
func (p *Policy) Replace(h Hint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.MaxAge != nil {
		d := *h.MaxAge
		p.maxAge = &d
	}
	if h.Scope != "" {
		p.scope = h.Scope
	}
}

// SetDefault applies d as the max age when no hint has set one.
func (p *Policy) SetDefault(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxAge == nil {
		p.maxAge = &d
	}
}

// IfCacheable returns the effective policy when it allows caching.
func (p *Policy) IfCacheable() (maxAge time.Duration, scope Scope, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxAge == nil || *p.maxAge <= 0 {
		return 0, "", false
	}
	scope = p.scope
	if scope == "" {
		scope = Public
	}
	return *p.maxAge, scope, true
}

// HeaderValue renders the policy as a Cache-Control header value, or "" when
// the policy is not cacheable.
func (p *Policy) HeaderValue() string {
	maxAge, scope, ok := p.IfCacheable()
	if !ok {
		return ""
	}
	visibility := "public"
	if scope == Private {
		visibility = "private"
	}
	return fmt.Sprintf("max-age=%d, %s", int64(maxAge/time.Second), visibility)
}
