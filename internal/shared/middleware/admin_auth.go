package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/simdesk/server/internal/shared/errors"
	"github.com/simdesk/server/internal/shared/response"
)

const (
	// AuthorizationHeader is the header key for authorization.
	AuthorizationHeader = "Authorization"
	// BearerPrefix is the prefix for bearer tokens.
	BearerPrefix = "Bearer "
	// AdminSubjectKey is the gin context key holding the admin subject.
	AdminSubjectKey = "admin_subject"
	// RoleAdmin is the role claim required on admin tokens.
	RoleAdmin = "admin"
)

// AdminClaims are the JWT claims carried by admin tokens.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// NewAdminToken signs an HS256 admin token for subject.
func NewAdminToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Role: RoleAdmin,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// ParseAdminToken validates an admin token and returns its claims.
func ParseAdminToken(secret, issuer, token string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != RoleAdmin {
		return nil, errors.New("token is not an admin token")
	}
	return claims, nil
}

// AdminAuth returns a middleware requiring a valid admin bearer token.
func AdminAuth(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			response.AbortWithError(c, apperrors.Unauthorized("Authorization header required"))
			return
		}

		claims, err := ParseAdminToken(secret, issuer, token)
		if err != nil {
			response.AbortWithError(c, apperrors.Unauthorized("invalid or expired token"))
			return
		}

		c.Set(AdminSubjectKey, claims.Subject)
		c.Next()
	}
}

// extractBearerToken extracts the bearer token from the Authorization header.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader(AuthorizationHeader)
	if !strings.HasPrefix(authHeader, BearerPrefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, BearerPrefix)
}
