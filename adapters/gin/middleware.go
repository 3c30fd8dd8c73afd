package authgin

import (
	"net/http"

	"github.com/PaulFidika/clinicauth/guard"
	jwtkit "github.com/PaulFidika/clinicauth/jwt"
	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(g *guard.Guard) gin.HandlerFunc {
	return RequireAction(g, "", "")
}

// RequireAction verifies the bearer token and checks action against policy
// before the handler runs. When resourceParam is set, that path parameter is
// recorded as the audited resource.
//
// Failures abort with 401, 403 or 429 and a generic error code; the specific
// reason only reaches the audit trail and logs.
func RequireAction(g *guard.Guard, action, resourceParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := guard.Request{
			Header: c.GetHeader("Authorization"),
			Action: action,
			IP:     c.ClientIP(),
			Details: map[string]any{
				"method": c.Request.Method,
				"route":  c.FullPath(),
			},
		}
		if resourceParam != "" {
			req.Resource = c.Param(resourceParam)
		}

		claims, err := g.Authorize(c.Request.Context(), req)
		if err != nil {
			status := guard.StatusCode(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", `Bearer realm="clinicauth"`)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": guard.PublicMessage(err)})
			return
		}

		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(jwtkit.ContextWithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// ClaimsFromGin returns the claims stored by RequireAuth/RequireAction.
func ClaimsFromGin(c *gin.Context) (*jwtkit.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	cl, ok := v.(*jwtkit.Claims)
	return cl, ok && cl != nil
}
