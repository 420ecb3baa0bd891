package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
)

const claimsKey = "claims"

// RequireAuth enforces bearer JWT tokens signed with HS256 and stores
// the parsed claims on the request context.
func RequireAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects callers whose identity does not carry the role.
// Runs after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := IdentityFrom(c)
		if !ok || ident.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + role + " required"})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the authenticated identity set by RequireAuth.
func IdentityFrom(c *gin.Context) (attendance.Identity, bool) {
	claimsAny, exists := c.Get(claimsKey)
	if !exists {
		return attendance.Identity{}, false
	}
	claims, ok := claimsAny.(Claims)
	if !ok {
		return attendance.Identity{}, false
	}
	return claims.Identity(), true
}
