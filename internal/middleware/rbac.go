package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/response"
)

// GuardianRole lets a parent through when the route's studentId belongs to them.
const GuardianRole = "GUARDIAN"

// RBAC enforces role-based access control for routes.
func RBAC(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims, ok := claimsValue.(*models.JWTClaims)
		if !ok || claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		allowGuardian := false
		allowedRoles := make(map[models.UserRole]struct{})

		for _, a := range allowed {
			if a == GuardianRole {
				allowGuardian = true
				continue
			}
			allowedRoles[models.UserRole(a)] = struct{}{}
		}

		if _, ok := allowedRoles[claims.Role]; ok {
			c.Next()
			return
		}

		if allowGuardian && claims.Role == models.RoleParent {
			if studentID := c.Param("studentId"); studentID != "" && claims.CanActForStudent(studentID) {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

// RequireRoles is a helper that accepts a list of roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}

// RequireStaffOrGuardian admits the given staff roles and parents acting for their own child.
func RequireStaffOrGuardian(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, 0, len(roles)+1)
	for _, r := range roles {
		allowed = append(allowed, string(r))
	}
	return RBAC(append(allowed, GuardianRole)...)
}
