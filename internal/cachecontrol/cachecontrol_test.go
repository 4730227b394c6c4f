package cachecontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmptyPolicyNotCacheable(t *testing.T) {
	p := New()
	_, _, ok := p.IfCacheable()
	assert.False(t, ok)
	assert.Equal(t, "", p.HeaderValue())
}

func TestRestrictKeepsMinimumAndPrivate(t *testing.T) {
	p := New()
	p.Restrict(MaxAge(60 * time.Second))
	p.Restrict(MaxAge(30 * time.Second))
	p.Restrict(MaxAge(90 * time.Second))
	assert.Equal(t, "max-age=30, public", p.HeaderValue())

	p.Restrict(Hint{Scope: Private})
	p.Restrict(Hint{Scope: Public})
	assert.Equal(t, "max-age=30, private", p.HeaderValue())
}

func TestReplaceOverwrites(t *testing.T) {
	p := New()
	p.Restrict(MaxAge(10 * time.Second))
	p.Replace(MaxAge(120 * time.Second))
	maxAge, scope, ok := p.IfCacheable()
	assert.True(t, ok)
	assert.Equal(t, 120*time.Second, maxAge)
	assert.Equal(t, Public, scope)

	p.Replace(MaxAge(0))
	_, _, ok = p.IfCacheable()
	assert.False(t, ok)
}

func TestSetDefaultOnlyWhenUnset(t *testing.T) {
	p := New()
	p.SetDefault(30 * time.Second)
	assert.Equal(t, "max-age=30, public", p.HeaderValue())

	q := New()
	q.Restrict(MaxAge(5 * time.Second))
	q.SetDefault(30 * time.Second)
	assert.Equal(t, "max-age=5, public", q.HeaderValue())
}
