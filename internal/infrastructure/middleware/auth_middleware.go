package middleware

import (
	"context"
	"net/http"
	"strings"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/services"

	"github.com/gin-gonic/gin"
)

// VisitSessionKey holds the *domain.Session of a visit-token request.
const VisitSessionKey = "visit_session"

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware admits practice staff holding an access token.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		setUser(c, claims)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := BearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setUser(c, claims)
			}
		}
		c.Next()
	}
}

// VisitTokenMiddleware admits visit participants. The token comes from the
// Authorization header or, for clients that cannot set headers, the token
// query parameter.
func VisitTokenMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "visit token required"})
			return
		}

		session, err := authService.ValidateVisitToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.ErrInvalidVisitToken.Error()})
			return
		}

		c.Set(VisitSessionKey, session)
		c.Next()
	}
}

// VisitSession returns the session set by VisitTokenMiddleware.
func VisitSession(c *gin.Context) (*domain.Session, bool) {
	v, ok := c.Get(VisitSessionKey)
	if !ok {
		return nil, false
	}
	session, ok := v.(*domain.Session)
	return session, ok
}

func setUser(c *gin.Context, claims *services.Claims) {
	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)
	ctx := context.WithValue(c.Request.Context(), services.UserIDContextKey, claims.UserID)
	c.Request = c.Request.WithContext(ctx)
}
