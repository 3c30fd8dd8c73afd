package jwtkit

import (
	"fmt"
	"time"
)

// Claims is the verified claim set of one bearer token. The named fields are
// the ones the RBAC core reads; Extra carries every other claim untouched and
// Raw is the decoded mapping exactly as verified.
type Claims struct {
	Subject     string
	Issuer      string
	Audience    []string
	ExpiresAt   time.Time
	IssuedAt    time.Time
	Role        string
	Specialties []string

	Extra map[string]any
	Raw   map[string]any
}

var namedClaims = map[string]struct{}{
	"sub": {}, "iss": {}, "aud": {}, "exp": {}, "iat": {}, "role": {}, "specialties": {},
}

// ClaimsFromMap types a decoded claim mapping. Absent or mistyped claims leave
// the field zero; nothing is defaulted.
func ClaimsFromMap(m map[string]any) *Claims {
	c := &Claims{Raw: m, Extra: map[string]any{}}
	c.Subject, _ = m["sub"].(string)
	c.Issuer, _ = m["iss"].(string)
	c.Role, _ = m["role"].(string)
	c.Audience = stringList(m["aud"])
	c.Specialties = stringList(m["specialties"])
	c.ExpiresAt = numericDate(m["exp"])
	c.IssuedAt = numericDate(m["iat"])
	for k, v := range m {
		if _, named := namedClaims[k]; !named {
			c.Extra[k] = v
		}
	}
	return c
}

// GetRole returns the role claim (rbac.Subject).
func (c *Claims) GetRole() string { return c.Role }

// GetSpecialties returns the specialty tags (rbac.Subject).
func (c *Claims) GetSpecialties() []string { return c.Specialties }

// HasAudience reports whether aud contains want.
func (c *Claims) HasAudience(want string) bool {
	for _, a := range c.Audience {
		if a == want {
			return true
		}
	}
	return false
}

func (c *Claims) String() string {
	return fmt.Sprintf("Claims{sub=%s, iss=%s, role=%s, specialties=%v}", c.Subject, c.Issuer, c.Role, c.Specialties)
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func numericDate(v any) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
