package http

import (
	"net/http"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/internal/infrastructure/middleware"
	"carebridge/internal/infrastructure/webrtc"
	"carebridge/pkg/errors"

	"github.com/gin-gonic/gin"
)

// MediaHandler exchanges SDP offers for answers with the in-process SFU.
// The visit token travels as the bearer credential and is checked by the
// negotiator itself.
type MediaHandler struct {
	negotiator ports.Negotiator
}

func NewMediaHandler(negotiator ports.Negotiator) *MediaHandler {
	return &MediaHandler{negotiator: negotiator}
}

func (h *MediaHandler) SetupRoutes(router *gin.Engine) {
	router.POST(webrtc.NegotiatePath, h.Negotiate)
}

func (h *MediaHandler) Negotiate(c *gin.Context) {
	token, ok := middleware.BearerToken(c)
	if !ok {
		abortWith(c, errors.NewUnauthorizedError("visit token required"))
		return
	}

	var req webrtc.NegotiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.Channel == "" || req.UID == "" || req.SDP == "" {
		abortWith(c, errors.NewInvalidInputError("channel, uid and sdp are required"))
		return
	}

	answer, err := h.negotiator.Negotiate(c.Request.Context(), ports.NegotiationRequest{
		AppID:   req.AppID,
		Channel: req.Channel,
		Token:   token,
		UID:     domain.UID(req.UID),
		SDP:     req.SDP,
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, webrtc.NegotiateResponse{SDP: answer.SDP})
}
