package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostPolicy_ValidateCacheAccess(t *testing.T) {
	policy := NewHostPolicy("api.example.com", "*.cdn.example.com")
	authed := WithPrincipal(context.Background(), Principal{ID: "42"})

	tests := []struct {
		name      string
		ctx       context.Context
		url       string
		mode      Mode
		wantValid bool
		wantScope string
	}{
		{"anonymous read", context.Background(), "https://api.example.com/posts", ModeRead, true, AnonymousScope},
		{"authenticated read", authed, "https://api.example.com/posts", ModeRead, true, "user:42"},
		{"wildcard host", authed, "https://img.cdn.example.com/a.png", ModeRead, true, "user:42"},
		{"wildcard does not match apex", authed, "https://cdn.example.com/a.png", ModeRead, false, "user:42"},
		{"unknown host", authed, "https://evil.example.org/", ModeRead, false, "user:42"},
		{"bad scheme", authed, "ftp://api.example.com/file", ModeRead, false, "user:42"},
		{"relative url", authed, "/posts", ModeRead, false, "user:42"},
		{"anonymous write", context.Background(), "https://api.example.com/posts", ModeWrite, false, AnonymousScope},
		{"authenticated write", authed, "https://api.example.com/posts", ModeWrite, true, "user:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.ValidateCacheAccess(tt.ctx, tt.url, tt.mode)
			assert.Equal(t, tt.wantValid, d.Valid, "errors: %v", d.Errors)
			assert.Equal(t, tt.wantScope, d.UserScope)
			if !tt.wantValid {
				assert.NotEmpty(t, d.Errors)
			}
		})
	}
}

func TestHostPolicy_EmptyAllowsAllHosts(t *testing.T) {
	d := NewHostPolicy().ValidateCacheAccess(context.Background(), "https://anything.test/x", ModeRead)
	require.True(t, d.Valid)
}

func TestPrincipalFromContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	_, ok = PrincipalFromContext(WithPrincipal(context.Background(), Principal{}))
	assert.False(t, ok, "empty principal is anonymous")

	p, ok := PrincipalFromContext(WithPrincipal(context.Background(), Principal{ID: "7"}))
	require.True(t, ok)
	assert.Equal(t, "user:7", p.Scope())
}
