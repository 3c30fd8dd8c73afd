package jwtkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClaimsFromMap(t *testing.T) {
	c := ClaimsFromMap(map[string]any{
		"sub":         "user-1",
		"iss":         testIssuer,
		"aud":         []any{"a", "b"},
		"exp":         float64(1700000000),
		"iat":         float64(1699990000),
		"role":        "provider",
		"specialties": []any{"cardiology", 7, "oncology"},
		"tenant":      "north",
	})

	assert.Equal(t, "user-1", c.Subject)
	assert.Equal(t, []string{"a", "b"}, c.Audience)
	assert.True(t, c.HasAudience("b"))
	assert.False(t, c.HasAudience("c"))
	assert.Equal(t, time.Unix(1700000000, 0), c.ExpiresAt)
	assert.Equal(t, "provider", c.GetRole())
	assert.Equal(t, []string{"cardiology", "oncology"}, c.GetSpecialties())
	assert.Equal(t, map[string]any{"tenant": "north"}, c.Extra)
	assert.Equal(t, "north", c.Raw["tenant"])
}

func TestClaimsFromMap_NoDefaults(t *testing.T) {
	c := ClaimsFromMap(map[string]any{"sub": "u", "role": 42, "aud": "single"})

	assert.Equal(t, "", c.Role, "mistyped role is left empty")
	assert.Nil(t, c.Specialties)
	assert.Equal(t, []string{"single"}, c.Audience)
	assert.True(t, c.ExpiresAt.IsZero())
}
