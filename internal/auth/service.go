package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer    = "metergate"
	roleAdmin = "admin"
)

var (
	// ErrInvalidCredentials is returned for a wrong email or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotConfigured is returned when no admin account is configured.
	ErrNotConfigured = errors.New("admin login not configured")
)

// Config holds the admin account and signing settings.
type Config struct {
	Secret       string
	TokenTTL     time.Duration
	AdminEmail   string
	PasswordHash string
}

// Claims are the admin access token claims.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenPair is the login response.
type TokenPair struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Service issues and verifies admin portal tokens.
type Service struct {
	cfg    Config
	parser *jwt.Parser
	now    func() time.Time
}

// NewService creates an admin auth service.
func NewService(cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Service{
		cfg:    cfg,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithLeeway(30*time.Second)),
		now:    time.Now,
	}
}

// Login validates the admin credentials and returns a signed access token.
func (s *Service) Login(email, password string) (TokenPair, error) {
	if s.cfg.AdminEmail == "" || s.cfg.PasswordHash == "" || s.cfg.Secret == "" {
		return TokenPair{}, ErrNotConfigured
	}
	if !strings.EqualFold(strings.TrimSpace(email), s.cfg.AdminEmail) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(password)); err != nil {
		return TokenPair{}, ErrInvalidCredentials
	}

	now := s.now()
	claims := Claims{
		Email: s.cfg.AdminEmail,
		Role:  roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.cfg.AdminEmail,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: signed, TokenType: "Bearer", ExpiresIn: int64(s.cfg.TokenTTL.Seconds())}, nil
}

// Verify parses and validates an admin access token.
func (s *Service) Verify(token string) (*Claims, error) {
	if s.cfg.Secret == "" {
		return nil, ErrNotConfigured
	}
	claims := &Claims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	})
	if err != nil || !parsed.Valid || claims.Role != roleAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
