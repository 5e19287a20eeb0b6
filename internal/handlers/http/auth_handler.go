package http

import (
	"net/http"

	"carebridge/internal/core/services"
	"carebridge/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthHandler renews staff access tokens. Staff accounts are managed by the
// practice system; the server only mints tokens (see carebridge -issue-token).
type AuthHandler struct {
	authService services.AuthService
	accessTTL   int
}

func NewAuthHandler(authService services.AuthService, accessTTLSeconds int) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		accessTTL:   accessTTLSeconds,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/refresh", h.RefreshToken)
	}
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		abortWith(c, errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.UserID, claims.Username)
	if err != nil {
		abortWith(c, errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   h.accessTTL,
	})
}
