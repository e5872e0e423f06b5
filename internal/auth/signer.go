package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTokenTTL is the lifetime of minted tokens
	DefaultTokenTTL = 15 * time.Minute

	// refreshBuffer renews a cached token this long before it expires
	refreshBuffer = 30 * time.Second
)

// SignerCfg configures token minting for backend requests
type SignerCfg struct {
	HS256Secret string
	Issuer      string
	Audience    string
	Subject     string
	TTL         time.Duration
}

// Signer mints and caches HS256 tokens
type Signer struct {
	cfg SignerCfg

	// Now overrides the clock in tests
	Now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewSigner creates a Signer; the secret must not be empty
func NewSigner(cfg SignerCfg) (*Signer, error) {
	if cfg.HS256Secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	return &Signer{cfg: cfg}, nil
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Token returns the cached token or mints a fresh one
func (s *Signer) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(refreshBuffer).Before(s.expires) {
		return s.token, nil
	}

	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   s.cfg.Subject,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.HS256Secret))
	if err != nil {
		return "", err
	}
	s.token = signed
	s.expires = now.Add(s.cfg.TTL)

	log.Ctx(ctx).Debug().Time("expires", s.expires).Msg("minted backend token")
	return signed, nil
}

// Invalidate drops the cached token so the next call mints a new one
func (s *Signer) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}
