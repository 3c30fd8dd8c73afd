package authhttp

import (
	"net/http"
	"time"

	jwtkit "github.com/PaulFidika/clinicauth/jwt"
)

// JWKSSource is satisfied by *jwtkit.KeySource.
type JWKSSource interface {
	JWKS() jwtkit.JWKS
}

// JWKSHandler serves the public JWKS document with caching headers matching maxAge.
func JWKSHandler(src JWKSSource, maxAge time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		jwtkit.ServeJWKS(w, r, src.JWKS(), maxAge)
	})
}
