package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Default claim names.
const (
	ClaimSubject = "sub"
	ClaimEmail   = "email"
	ClaimName    = "name"
	ClaimRoles   = "roles"
)

// claimPath is a dot-separated claim location, split once.
type claimPath []string

func parseClaimPath(s string) claimPath {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// lookup walks nested objects; it returns nil when any step is missing.
func (p claimPath) lookup(claims map[string]any) any {
	if len(p) == 0 {
		return nil
	}
	var cur any = claims
	for _, key := range p {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func (p claimPath) str(claims map[string]any) string {
	s, _ := p.lookup(claims).(string)
	return s
}

// strs accepts a JSON array or a space-separated string, the form used by
// the "scope" claim.
func (p claimPath) strs(claims map[string]any) []string {
	switch v := p.lookup(claims).(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

// ClaimsExtractor maps token claims onto a Principal.
type ClaimsExtractor struct {
	subject claimPath
	email   claimPath
	name    claimPath
	roles   claimPath

	// rolePrefix keeps only roles carrying it. Empty keeps all.
	rolePrefix string
}

// NewClaimsExtractor reads roles from roleClaimPath (e.g.
// "realm_access.roles"), "roles" when empty.
func NewClaimsExtractor(roleClaimPath, rolePrefix string) *ClaimsExtractor {
	if roleClaimPath == "" {
		roleClaimPath = ClaimRoles
	}
	return &ClaimsExtractor{
		subject:    parseClaimPath(ClaimSubject),
		email:      parseClaimPath(ClaimEmail),
		name:       parseClaimPath(ClaimName),
		roles:      parseClaimPath(roleClaimPath),
		rolePrefix: rolePrefix,
	}
}

// Extract builds a principal from claims.
func (e *ClaimsExtractor) Extract(claims map[string]any) *Principal {
	roles := e.roles.strs(claims)
	if e.rolePrefix != "" {
		roles = slices.DeleteFunc(roles, func(r string) bool {
			return !strings.HasPrefix(r, e.rolePrefix)
		})
	}
	return &Principal{
		ID:     e.subject.str(claims),
		Email:  e.email.str(claims),
		Name:   e.name.str(claims),
		Roles:  roles,
		Claims: claims,
	}
}

// ValidateClaims reports the first required claim that is absent.
func ValidateClaims(claims map[string]any, required []string) error {
	for _, key := range required {
		if parseClaimPath(key).lookup(claims) == nil {
			return fmt.Errorf("missing required claim: %s", key)
		}
	}
	return nil
}
