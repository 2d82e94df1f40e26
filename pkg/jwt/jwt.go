package jwt

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Config struct {
	SigningKey string `env:"JWT_SIGNING_KEY,required"`
	Issuer     string `env:"JWT_ISSUER" envDefault:""`
	Audience   string `env:"JWT_AUDIENCE" envDefault:""`
}

// Claims are the registered claims of a user access token. Subject holds the user id.
type Claims struct {
	gojwt.RegisteredClaims
}

// UserID parses the subject as a uuid.
func (c Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidSubject
	}
	return id, nil
}

// Service validates (and, for tooling and tests, issues) HS256 user tokens.
// Token issuance for real clients happens in the auth service.
type Service struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.SigningKey == "" {
		return nil, ErrMissingSigningKey
	}
	return &Service{
		key:      []byte(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}, nil
}

// Generate signs a token for userID valid for ttl.
func (s *Service) Generate(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{RegisteredClaims: gojwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    s.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}}
	if s.audience != "" {
		claims.Audience = gojwt.ClaimStrings{s.audience}
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse verifies the signature and registered claims of token.
func (s *Service) Parse(token string) (Claims, error) {
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithTimeFunc(s.now),
		gojwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, gojwt.WithAudience(s.audience))
	}

	var claims Claims
	_, err := gojwt.ParseWithClaims(token, &claims, func(*gojwt.Token) (any, error) {
		return s.key, nil
	}, opts...)
	switch {
	case errors.Is(err, gojwt.ErrTokenExpired):
		return Claims{}, ErrExpiredToken
	case err != nil:
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	return claims, nil
}
