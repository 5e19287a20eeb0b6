package http

import (
	"io"
	"net/http"
	"strings"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/services"
	"carebridge/internal/infrastructure/middleware"
	"carebridge/pkg/errors"
	"carebridge/pkg/validation"

	"github.com/gin-gonic/gin"
)

// CartHandler serves the multi-patient cart: grouped view, speed selection
// and a server-sent event stream of views and warnings.
type CartHandler struct {
	carts       *services.CartService
	authService services.AuthService
	keepAlive   time.Duration
}

func NewCartHandler(carts *services.CartService, authService services.AuthService) *CartHandler {
	return &CartHandler{
		carts:       carts,
		authService: authService,
		keepAlive:   15 * time.Second,
	}
}

func (h *CartHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/carts")
	api.Use(middleware.AuthMiddleware(h.authService))
	{
		api.GET("/:id", h.GetCart)
		api.POST("/:id/speed", h.SelectSpeed)
		api.POST("/:id/refresh", h.Refresh)
		api.GET("/:id/events", h.Events)
	}
}

type SelectSpeedRequest struct {
	Patient    string `json:"patient"`
	PharmacyID string `json:"pharmacy_id" binding:"required,max=100"`
	Speed      string `json:"speed" binding:"required,max=20"`
}

type CartLineDTO struct {
	ID            string `json:"id"`
	PatientID     string `json:"patient_id,omitempty"`
	PharmacyID    string `json:"pharmacy_id"`
	Quantity      int    `json:"quantity"`
	UnitPrice     string `json:"unit_price"`
	ShippingSpeed string `json:"shipping_speed"`
}

type ShipmentGroupDTO struct {
	Patient       string            `json:"patient"`
	PharmacyID    string            `json:"pharmacy_id"`
	Speed         string            `json:"speed"`
	EnabledSpeeds []string          `json:"enabled_speeds"`
	Rates         map[string]string `json:"rates,omitempty"`
	RatesKnown    bool              `json:"rates_known"`
	Subtotal      string            `json:"subtotal"`
	ShippingCost  *string           `json:"shipping_cost,omitempty"`
	Lines         []CartLineDTO     `json:"lines"`
}

type CartViewDTO struct {
	CartID       string             `json:"cart_id"`
	Version      string             `json:"version"`
	RatesLoading bool               `json:"rates_loading"`
	RefreshedAt  time.Time          `json:"refreshed_at"`
	Groups       []ShipmentGroupDTO `json:"groups"`
}

// NewCartViewDTO renders money as fixed two-decimal strings.
func NewCartViewDTO(v services.CartView) CartViewDTO {
	out := CartViewDTO{
		CartID:       string(v.CartID),
		Version:      string(v.Version),
		RatesLoading: v.RatesLoading,
		RefreshedAt:  v.RefreshedAt,
		Groups:       make([]ShipmentGroupDTO, 0, len(v.Groups)),
	}
	for _, g := range v.Groups {
		dto := ShipmentGroupDTO{
			Patient:       g.Key.Patient,
			PharmacyID:    string(g.Key.Pharmacy),
			Speed:         string(g.Speed),
			EnabledSpeeds: make([]string, 0, len(g.EnabledSpeeds)),
			RatesKnown:    g.RatesKnown,
			Subtotal:      g.Subtotal().StringFixed(2),
			Lines:         make([]CartLineDTO, 0, len(g.Lines)),
		}
		for _, s := range g.EnabledSpeeds {
			dto.EnabledSpeeds = append(dto.EnabledSpeeds, string(s))
		}
		if len(g.Rates) > 0 {
			dto.Rates = make(map[string]string, len(g.Rates))
			for speed, cost := range g.Rates {
				dto.Rates[string(speed)] = cost.StringFixed(2)
			}
		}
		if cost, ok := g.ShippingCost(); ok {
			s := cost.StringFixed(2)
			dto.ShippingCost = &s
		}
		for _, l := range g.Lines {
			line := CartLineDTO{
				ID:            string(l.ID),
				PharmacyID:    string(l.PharmacyID),
				Quantity:      l.Quantity,
				UnitPrice:     l.UnitPrice.StringFixed(2),
				ShippingSpeed: string(l.ShippingSpeed),
			}
			if l.PatientID != nil {
				line.PatientID = *l.PatientID
			}
			dto.Lines = append(dto.Lines, line)
		}
		out.Groups = append(out.Groups, dto)
	}
	return out
}

func cartID(c *gin.Context) (domain.CartID, bool) {
	id := c.Param("id")
	if err := validation.ValidateIdentifier(id, "cart id"); err != nil {
		abortWith(c, errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.CartID(id), true
}

func (h *CartHandler) GetCart(c *gin.Context) {
	id, ok := cartID(c)
	if !ok {
		return
	}
	view, err := h.carts.View(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCartViewDTO(view))
}

func (h *CartHandler) SelectSpeed(c *gin.Context) {
	id, ok := cartID(c)
	if !ok {
		return
	}
	var req SelectSpeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.NewInvalidInputError("invalid request format"))
		return
	}
	speed, err := domain.ParseShippingSpeed(req.Speed)
	if err != nil {
		abortWith(c, err)
		return
	}
	patient := strings.TrimSpace(req.Patient)
	if patient == "" {
		patient = domain.PracticePatient
	}

	key := domain.GroupKey{Patient: patient, Pharmacy: domain.PharmacyID(req.PharmacyID)}
	view, err := h.carts.SelectSpeed(c.Request.Context(), id, key, speed)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCartViewDTO(view))
}

func (h *CartHandler) Refresh(c *gin.Context) {
	id, ok := cartID(c)
	if !ok {
		return
	}
	view, err := h.carts.Refresh(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCartViewDTO(view))
}

// Events streams "view" and "warning" server-sent events. The current view
// is sent first. Slow clients skip intermediate views, never warnings.
func (h *CartHandler) Events(c *gin.Context) {
	id, ok := cartID(c)
	if !ok {
		return
	}

	views := make(chan services.CartView, 1)
	warnings := make(chan string, 16)
	cancel, err := h.carts.Watch(c.Request.Context(), id, func(ev services.CartEvent) {
		if ev.Warning != "" {
			select {
			case warnings <- ev.Warning:
			default:
			}
			return
		}
		if ev.View == nil {
			return
		}
		// Keep only the newest pending view.
		select {
		case <-views:
		default:
		}
		select {
		case views <- *ev.View:
		default:
		}
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	defer cancel()

	initial, err := h.carts.View(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("view", NewCartViewDTO(initial))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case v := <-views:
			c.SSEvent("view", NewCartViewDTO(v))
		case msg := <-warnings:
			c.SSEvent("warning", gin.H{"message": msg})
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
		}
		return true
	})
}
