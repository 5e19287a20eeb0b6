package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/internal/core/services"
	"carebridge/internal/infrastructure/distributed"
	"carebridge/internal/infrastructure/middleware"
	"carebridge/internal/infrastructure/repositories/memory"
	"carebridge/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	auth   services.AuthService
	token  string
}

func newTestServer(t *testing.T, handlers ...ports.HTTPHandler) *testServer {
	t.Helper()
	auth := services.NewAuthService("test-secret", 15*time.Minute, time.Hour)
	token, err := auth.GenerateToken("staff-1", "dr.grey")
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	for _, h := range handlers {
		h.SetupRoutes(router)
	}
	return &testServer{router: router, auth: auth, token: token}
}

func (s *testServer) do(method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func newVisitServer(t *testing.T) *testServer {
	auth := services.NewAuthService("test-secret", 15*time.Minute, time.Hour)
	visits := services.NewVisitService(
		memory.NewMemoryVisitRepository(),
		distributed.NewMemoryPresence(),
		auth,
		"app-1",
		time.Hour,
		zap.NewNop().Sugar(),
	)
	return newTestServer(t, NewVisitHandler(visits, auth))
}

func TestVisitHandler_RequiresStaffToken(t *testing.T) {
	s := newVisitServer(t)

	w := s.do(http.MethodGet, "/api/v1/visits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/visits", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVisitHandler_Lifecycle(t *testing.T) {
	s := newVisitServer(t)

	w := s.do(http.MethodPost, "/api/v1/visits", s.token, CreateVisitRequest{PatientID: "pat-7"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var visit domain.Visit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &visit))
	assert.Equal(t, "staff-1", visit.CreatedBy)
	assert.Equal(t, "app-1", visit.AppID)
	assert.NotEmpty(t, visit.Channel)

	w = s.do(http.MethodPost, "/api/v1/visits/"+string(visit.ID)+"/tickets", s.token,
		IssueTicketRequest{Role: "patient", DisplayName: "Ada"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ticket domain.VisitTicket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ticket))
	assert.Equal(t, domain.RolePatient, ticket.Session.Role)
	assert.Equal(t, "pat-7", ticket.Session.PatientID)
	assert.Equal(t, visit.Channel, ticket.Session.Channel)

	session, err := s.auth.ValidateVisitToken(ticket.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, ticket.Session.UID, session.UID)

	w = s.do(http.MethodGet, "/api/v1/visits/"+string(visit.ID)+"/participants", s.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"participants":[]}`, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/visits/"+string(visit.ID)+"/end", s.token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodPost, "/api/v1/visits/"+string(visit.ID)+"/tickets", s.token,
		IssueTicketRequest{Role: "provider"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, "/api/v1/visits", s.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"visits":[]}`, w.Body.String())
}

func TestVisitHandler_Errors(t *testing.T) {
	s := newVisitServer(t)

	w := s.do(http.MethodGet, "/api/v1/visits/missing", s.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/visits/bad%20id", s.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/visits/missing/tickets", s.token, IssueTicketRequest{Role: "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/visits", s.token, CreateVisitRequest{PatientID: "bad id!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type mockNegotiator struct {
	mock.Mock
}

func (m *mockNegotiator) Negotiate(ctx context.Context, req ports.NegotiationRequest) (ports.NegotiationAnswer, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(ports.NegotiationAnswer), args.Error(1)
}

func TestMediaHandler_Negotiate(t *testing.T) {
	neg := &mockNegotiator{}
	s := newTestServer(t, NewMediaHandler(neg))
	body := map[string]string{"app_id": "app-1", "channel": "visit_1", "uid": "patient-1", "sdp": "offer"}
	want := ports.NegotiationRequest{AppID: "app-1", Channel: "visit_1", Token: "visit-token", UID: "patient-1", SDP: "offer"}

	w := s.do(http.MethodPost, "/api/v1/media/negotiate", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	neg.On("Negotiate", mock.Anything, want).Return(ports.NegotiationAnswer{SDP: "answer-sdp"}, nil).Once()
	w = s.do(http.MethodPost, "/api/v1/media/negotiate", "visit-token", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"sdp":"answer-sdp"}`, w.Body.String())

	neg.On("Negotiate", mock.Anything, want).Return(ports.NegotiationAnswer{}, fmt.Errorf("%w: expired", domain.ErrInvalidVisitToken)).Once()
	w = s.do(http.MethodPost, "/api/v1/media/negotiate", "visit-token", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/media/negotiate", "visit-token", map[string]string{"channel": "visit_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	neg.AssertExpectations(t)
}

func newCartServer(t *testing.T) (*testServer, *memory.MemoryCartStore) {
	t.Helper()
	store := memory.NewMemoryCartStore()
	rates := memory.NewMemoryRateSource()
	rates.SetRates("ph-1", domain.RateTable{
		domain.SpeedGround: decimal.RequireFromString("5.00"),
		domain.Speed2Day:   decimal.RequireFromString("12.50"),
	})
	patient := "pat-1"
	store.PutLine(domain.CartLine{ID: "l1", CartID: "cart-1", PatientID: &patient, PharmacyID: "ph-1", Quantity: 2, UnitPrice: decimal.RequireFromString("3.25"), ShippingSpeed: domain.SpeedGround})
	store.PutLine(domain.CartLine{ID: "l2", CartID: "cart-1", PatientID: &patient, PharmacyID: "ph-1", Quantity: 1, UnitPrice: decimal.RequireFromString("10"), ShippingSpeed: domain.SpeedGround})

	logger := zap.NewNop().Sugar()
	cfg := services.DefaultRateCatalogConfig()
	cfg.Retry = retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	carts := services.NewCartService(services.CartSessionDeps{
		Store:   store,
		Feed:    store,
		Catalog: services.NewRateCatalog(rates, cfg, logger),
		Locker:  distributed.NewMemoryLocker(),
	}, services.CartServiceConfig{Debounce: 10 * time.Millisecond, IdleTimeout: time.Minute}, logger)
	t.Cleanup(func() { _ = carts.Close() })

	auth := services.NewAuthService("test-secret", 15*time.Minute, time.Hour)
	return newTestServer(t, NewCartHandler(carts, auth)), store
}

func TestCartHandler_View(t *testing.T) {
	s, _ := newCartServer(t)

	w := s.do(http.MethodGet, "/api/v1/carts/cart-1", s.token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var view CartViewDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Groups, 1)
	g := view.Groups[0]
	assert.Equal(t, "pat-1", g.Patient)
	assert.Equal(t, "16.50", g.Subtotal)
	assert.Equal(t, []string{"ground", "2day"}, g.EnabledSpeeds)
	require.NotNil(t, g.ShippingCost)
	assert.Equal(t, "5.00", *g.ShippingCost)
	assert.Len(t, g.Lines, 2)
}

func TestCartHandler_SelectSpeed(t *testing.T) {
	s, store := newCartServer(t)

	w := s.do(http.MethodPost, "/api/v1/carts/cart-1/speed", s.token,
		SelectSpeedRequest{Patient: "pat-1", PharmacyID: "ph-1", Speed: "2-day"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	lines, err := store.ListLines(context.Background(), "cart-1")
	require.NoError(t, err)
	for _, l := range lines {
		assert.Equal(t, domain.Speed2Day, l.ShippingSpeed)
	}

	w = s.do(http.MethodPost, "/api/v1/carts/cart-1/speed", s.token,
		SelectSpeedRequest{Patient: "pat-1", PharmacyID: "ph-1", Speed: "overnight"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPost, "/api/v1/carts/cart-1/speed", s.token,
		SelectSpeedRequest{Patient: "pat-1", PharmacyID: "ph-1", Speed: "teleport"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPost, "/api/v1/carts/cart-1/speed", s.token,
		SelectSpeedRequest{Patient: "pat-2", PharmacyID: "ph-1", Speed: "ground"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
