package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClaimsExtractor_Extract(t *testing.T) {
	p := NewClaimsExtractor("", "").Extract(map[string]any{
		"sub":   "s",
		"email": "e@x",
		"name":  "N",
		"roles": []any{"a", 3, "b"},
	})
	assert.Equal(t, "s", p.ID)
	assert.Equal(t, "e@x", p.Email)
	assert.Equal(t, "N", p.Name)
	assert.Equal(t, []string{"a", "b"}, p.Roles)
}

func TestClaimsExtractor_NestedAndPrefix(t *testing.T) {
	e := NewClaimsExtractor("resource.roles", "mcp-")
	p := e.Extract(map[string]any{
		"sub":      "s",
		"resource": map[string]any{"roles": []string{"mcp-read", "db"}},
	})
	assert.Equal(t, []string{"mcp-read"}, p.Roles)

	p = e.Extract(map[string]any{"resource": "not-a-map"})
	assert.Empty(t, p.Roles)
	assert.Empty(t, p.ID)
}

func TestClaimsExtractor_ScopeString(t *testing.T) {
	p := NewClaimsExtractor("scope", "").Extract(map[string]any{"scope": "sessions:read  sessions:write"})
	assert.Equal(t, []string{"sessions:read", "sessions:write"}, p.Roles)
}

func TestValidateClaims(t *testing.T) {
	claims := map[string]any{"sub": "x", "org": map[string]any{"id": "o1"}}
	assert.NoError(t, ValidateClaims(claims, []string{"sub", "org.id"}))
	assert.ErrorContains(t, ValidateClaims(claims, []string{"sub", "email"}), "missing required claim: email")
	assert.ErrorContains(t, ValidateClaims(claims, []string{"org.name"}), "org.name")
}
