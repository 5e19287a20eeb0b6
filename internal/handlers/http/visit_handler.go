package http

import (
	"net/http"
	"strings"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/internal/core/services"
	"carebridge/internal/infrastructure/middleware"
	"carebridge/pkg/errors"
	"carebridge/pkg/validation"

	"github.com/gin-gonic/gin"
)

// VisitHandler is the staff-facing visit API. Every route requires an
// access token.
type VisitHandler struct {
	visits      ports.VisitService
	authService services.AuthService
}

func NewVisitHandler(visits ports.VisitService, authService services.AuthService) *VisitHandler {
	return &VisitHandler{
		visits:      visits,
		authService: authService,
	}
}

func (h *VisitHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/visits")
	api.Use(middleware.AuthMiddleware(h.authService))
	{
		api.POST("", h.CreateVisit)
		api.GET("", h.ListVisits)
		api.GET("/:id", h.GetVisit)
		api.POST("/:id/tickets", h.IssueTicket)
		api.POST("/:id/end", h.EndVisit)
		api.GET("/:id/participants", h.Participants)
	}
}

type CreateVisitRequest struct {
	PatientID string `json:"patient_id" binding:"max=100"`
}

type IssueTicketRequest struct {
	Role        string `json:"role" binding:"required"`
	DisplayName string `json:"display_name" binding:"max=200"`
}

func visitID(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateIdentifier(id, "visit id"); err != nil {
		abortWith(c, errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.SessionID(id), true
}

func (h *VisitHandler) CreateVisit(c *gin.Context) {
	var req CreateVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.NewInvalidInputError("invalid request format"))
		return
	}

	userID, err := h.authService.GetUserFromContext(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}

	visit, err := h.visits.CreateVisit(c.Request.Context(), userID, strings.TrimSpace(req.PatientID))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, visit)
}

func (h *VisitHandler) ListVisits(c *gin.Context) {
	visits, err := h.visits.ListVisits(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	if visits == nil {
		visits = []*domain.Visit{}
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits})
}

func (h *VisitHandler) GetVisit(c *gin.Context) {
	id, ok := visitID(c)
	if !ok {
		return
	}
	visit, err := h.visits.GetVisit(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, visit)
}

func (h *VisitHandler) IssueTicket(c *gin.Context) {
	id, ok := visitID(c)
	if !ok {
		return
	}
	var req IssueTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateRole(req.Role); err != nil {
		abortWith(c, errors.NewInvalidInputError(err.Error()))
		return
	}

	ticket, err := h.visits.IssueTicket(c.Request.Context(), id, domain.Role(req.Role), req.DisplayName)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (h *VisitHandler) EndVisit(c *gin.Context) {
	id, ok := visitID(c)
	if !ok {
		return
	}
	if err := h.visits.EndVisit(c.Request.Context(), id); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *VisitHandler) Participants(c *gin.Context) {
	id, ok := visitID(c)
	if !ok {
		return
	}
	participants, err := h.visits.Participants(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	if participants == nil {
		participants = []domain.Presence{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}
