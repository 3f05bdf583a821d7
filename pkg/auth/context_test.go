package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, PrincipalFromContext(ctx))

	p := &Principal{ID: "u1", Roles: []string{"admin"}}
	ctx = WithPrincipal(ctx, p)
	assert.Same(t, p, PrincipalFromContext(ctx))
	assert.True(t, p.HasRole("admin"))
	assert.False(t, p.HasRole("viewer"))
}

func TestTokenContext(t *testing.T) {
	assert.Empty(t, GetToken(context.Background()))
	assert.Equal(t, "abc", GetToken(WithToken(context.Background(), "abc")))
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "none", want: ""},
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer tok"}, want: "tok"},
		{name: "api key", headers: map[string]string{"X-API-Key": "key"}, want: "key"},
		{name: "bearer wins", headers: map[string]string{"Authorization": "Bearer tok", "X-API-Key": "key"}, want: "tok"},
		{name: "empty bearer falls back", headers: map[string]string{"Authorization": "Bearer  ", "X-API-Key": "key"}, want: "key"},
		{name: "basic ignored", headers: map[string]string{"Authorization": "Basic Zm9v"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", http.NoBody)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}
