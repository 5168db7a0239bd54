package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/delosfi/debenture-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrDuplicateAPIKey    = errors.New("API key already registered")
	ErrInvalidRole        = errors.New("invalid role")
	ErrMissingRole        = errors.New("at least one role is required")
)

// Roles a registered participant can hold. Tokens carry the roles so the
// middleware can gate role-bound routes without a database read per request.
const (
	RoleIssuer  = "ISSUER"
	RoleTrustee = "TRUSTEE"
	RoleHolder  = "HOLDER"
	RoleAdmin   = "ADMIN"
)

var validRoles = map[string]bool{
	RoleIssuer:  true,
	RoleTrustee: true,
	RoleHolder:  true,
	RoleAdmin:   true,
}

// Participant is a registered market participant. The ParticipantID is the
// identity the instrument, coupon and amortization authority checks compare
// against (issuer, trustee, holder account).
type Participant struct {
	ID            uint      `gorm:"primarykey" json:"-"`
	ParticipantID string    `gorm:"uniqueIndex" json:"participant_id"`
	APIKey        string    `gorm:"uniqueIndex" json:"-"`
	APISecret     string    `json:"-"`
	Roles         string    `json:"roles"` // comma-separated
	CreatedAt     time.Time `json:"created_at"`
}

// RoleList splits the stored role set.
func (p *Participant) RoleList() []string {
	if p.Roles == "" {
		return nil
	}
	return strings.Split(p.Roles, ",")
}

// Credentials is the request body for token generation.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// RegisterRequest is the request body for participant registration.
type RegisterRequest struct {
	ParticipantID string   `json:"participant_id" binding:"required"`
	APIKey        string   `json:"api_key" binding:"required"`
	APISecret     string   `json:"api_secret" binding:"required"`
	Roles         []string `json:"roles" binding:"required"`
}

// TokenResponse is the JWT token response.
type TokenResponse struct {
	Token         string    `json:"jwt_token"`
	ParticipantID string    `json:"participant_id"`
	Roles         []string  `json:"roles"`
	Expiration    time.Time `json:"expiration"`
}

// Claims is the JWT claims structure. ParticipantID names the account the
// caller acts as; Roles bound what the middleware lets them reach.
type Claims struct {
	jwt.RegisteredClaims
	ParticipantID string   `json:"participant_id"`
	Roles         []string `json:"roles"`
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Service issues and validates participant tokens.
type Service struct {
	db        *Database
	jwtSecret []byte
}

// NewService creates the authentication service over an existing database
// connection.
func NewService(gormDB *gorm.DB, jwtSecret string) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		jwtSecret: []byte(jwtSecret),
	}
}

// RegisterParticipant stores a participant with its API credentials and role
// set. API keys are unique across participants.
func (s *Service) RegisterParticipant(req RegisterRequest) (*Participant, error) {
	if len(req.Roles) == 0 {
		return nil, ErrMissingRole
	}
	for _, role := range req.Roles {
		if !validRoles[role] {
			return nil, ErrInvalidRole
		}
	}
	if existing, err := s.db.GetParticipantByAPIKey(req.APIKey); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrDuplicateAPIKey
	}

	participant := &Participant{
		ParticipantID: req.ParticipantID,
		APIKey:        req.APIKey,
		APISecret:     req.APISecret,
		Roles:         strings.Join(req.Roles, ","),
	}
	if err := s.db.CreateParticipant(participant); err != nil {
		return nil, err
	}
	return participant, nil
}

// GenerateToken exchanges valid API credentials for a JWT carrying the
// participant identity and roles. Tokens expire after 24 hours.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	participant, err := s.db.GetParticipantByAPIKey(creds.APIKey)
	if err != nil {
		return nil, err
	}
	if participant == nil || participant.APISecret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		ParticipantID: participant.ParticipantID,
		Roles:         participant.RoleList(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:         tokenString,
		ParticipantID: participant.ParticipantID,
		Roles:         participant.RoleList(),
		Expiration:    expiration,
	}, nil
}

// ValidateToken verifies signature and expiration and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if err == ErrInvalidCredentials {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// RegisterParticipantHandler handles POST requests to register a participant.
// Reached only through the internal admin surface.
func (h *GinHandlers) RegisterParticipantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		participant, err := h.service.RegisterParticipant(req)
		response.Handle(c, participant, err)
	}
}
