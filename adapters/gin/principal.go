package authgin

import (
	"github.com/gin-gonic/gin"
)

// Principal is the caller as handlers see it, safe to echo in responses.
type Principal struct {
	Subject     string   `json:"sub"`
	Role        string   `json:"role,omitempty"`
	Specialties []string `json:"specialties,omitempty"`

	Source string `json:"source"` // "claims" | "none"
}

// CurrentPrincipal returns the verified caller, or Source "none" when the
// route was not guarded.
func CurrentPrincipal(c *gin.Context) (Principal, bool) {
	if cl, ok := ClaimsFromGin(c); ok && cl.Subject != "" {
		return Principal{
			Subject:     cl.Subject,
			Role:        cl.Role,
			Specialties: cl.Specialties,
			Source:      "claims",
		}, true
	}
	return Principal{Source: "none"}, false
}
