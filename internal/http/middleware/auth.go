package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errInvalidBearer = errors.New("invalid bearer token")
)

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errMissingBearer
	}
	if !strings.HasPrefix(h, "Bearer ") {
		return "", errInvalidBearer
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if tok == "" {
		return "", errInvalidBearer
	}
	return tok, nil
}

// SecretEqual compares two secrets in constant time.
func SecretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// BearerAuth guards a route group with a static admin token. An empty token
// disables the check.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, err := bearerToken(c.Request)
		if err != nil || !SecretEqual(got, token) {
			c.Header("WWW-Authenticate", `Bearer realm="operator"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}
