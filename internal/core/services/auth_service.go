package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
	TokenVisit   TokenKind = "visit"
)

// UserIDContextKey carries the authenticated staff id on request contexts.
const UserIDContextKey = logger.UserIDKey

type AuthService interface {
	GenerateToken(userID, username string) (string, error)
	GenerateRefreshToken(userID, username string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	// GenerateVisitToken signs a token granting session's seat in a visit.
	GenerateVisitToken(session domain.Session, ttl time.Duration) (string, time.Time, error)
	// ValidateVisitToken returns the seat the token grants, with Token set.
	ValidateVisitToken(tokenString string) (*domain.Session, error)
	GetUserFromContext(ctx context.Context) (string, error)
}

// Claims identify practice staff calling the API.
type Claims struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Kind     TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// VisitClaims bind a participant to one visit channel and role.
type VisitClaims struct {
	SessionID   domain.SessionID `json:"sid"`
	Channel     string           `json:"channel"`
	AppID       string           `json:"app_id"`
	UID         domain.UID       `json:"uid"`
	Role        domain.Role      `json:"role"`
	PatientID   string           `json:"patient_id,omitempty"`
	DisplayName string           `json:"name,omitempty"`
	Kind        TokenKind        `json:"kind"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	now             func() time.Time
}

func NewAuthService(
	jwtSecret string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

func (s *authService) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
}

func (s *authService) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) GenerateToken(userID, username string) (string, error) {
	return s.sign(&Claims{
		UserID:           userID,
		Username:         username,
		Kind:             TokenAccess,
		RegisteredClaims: s.registered(userID, s.accessTokenTTL),
	})
}

func (s *authService) GenerateRefreshToken(userID, username string) (string, error) {
	return s.sign(&Claims{
		UserID:           userID,
		Username:         username,
		Kind:             TokenRefresh,
		RegisteredClaims: s.registered(userID, s.refreshTokenTTL),
	})
}

func (s *authService) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (s *authService) validateKind(tokenString string, kind TokenKind) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Kind != kind || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	return s.validateKind(tokenString, TokenAccess)
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validateKind(tokenString, TokenRefresh)
}

func (s *authService) GenerateVisitToken(session domain.Session, ttl time.Duration) (string, time.Time, error) {
	if session.ID == "" || session.Channel == "" || session.UID == "" {
		return "", time.Time{}, fmt.Errorf("%w: session id, channel and uid are required", ErrInvalidToken)
	}
	if !session.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, session.Role)
	}
	reg := s.registered(string(session.UID), ttl)
	token, err := s.sign(&VisitClaims{
		SessionID:        session.ID,
		Channel:          session.Channel,
		AppID:            session.AppID,
		UID:              session.UID,
		Role:             session.Role,
		PatientID:        session.PatientID,
		DisplayName:      session.DisplayName,
		Kind:             TokenVisit,
		RegisteredClaims: reg,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, reg.ExpiresAt.Time, nil
}

func (s *authService) ValidateVisitToken(tokenString string) (*domain.Session, error) {
	if err := s.parse(tokenString, &VisitClaims{}); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidVisitToken, err)
	}
	return SessionFromVisitToken(tokenString)
}

func (s *authService) GetUserFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	if !ok || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// SessionFromVisitToken reads the seat a visit token grants without
// verifying its signature. Participants use it to learn their own seat;
// the server still verifies the token on every use.
func SessionFromVisitToken(tokenString string) (*domain.Session, error) {
	claims := &VisitClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidVisitToken, err)
	}
	if claims.Kind != TokenVisit || claims.SessionID == "" || claims.UID == "" || !claims.Role.Valid() {
		return nil, domain.ErrInvalidVisitToken
	}
	return &domain.Session{
		ID:          claims.SessionID,
		Channel:     claims.Channel,
		AppID:       claims.AppID,
		Token:       tokenString,
		UID:         claims.UID,
		Role:        claims.Role,
		PatientID:   claims.PatientID,
		DisplayName: claims.DisplayName,
	}, nil
}
