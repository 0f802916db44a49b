package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims represents the JWT payload for access tokens issued by the identity service.
type JWTClaims struct {
	UserID     string   `json:"user_id"`
	Role       UserRole `json:"role"`
	Email      string   `json:"email"`
	FullName   string   `json:"full_name"`
	SchoolID   string   `json:"school_id"`
	StudentIDs []string `json:"student_ids,omitempty"`
	jwt.RegisteredClaims
}

// IsStaff reports whether the claims belong to school staff.
func (c *JWTClaims) IsStaff() bool {
	if c == nil {
		return false
	}
	return c.Role == RoleSuperAdmin || c.Role == RoleAdmin || c.Role == RoleTeacher
}

// CanActForStudent reports whether the caller may read or change a student's ECA data.
func (c *JWTClaims) CanActForStudent(studentID string) bool {
	if c == nil {
		return false
	}
	if c.Role == RoleSuperAdmin || c.Role == RoleAdmin {
		return true
	}
	if c.Role != RoleParent {
		return false
	}
	for _, id := range c.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}
