package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/truenas/middleware-sub000/internal/runtime/ids"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrTokenOrigin      = errors.New("token origin mismatch")
	ErrTokenRedeemed    = errors.New("single-use token already redeemed")
	ErrTokenRevoked     = errors.New("token revoked")
)

// Claims represents the JWT claims of an issued token.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	// Chain lists the credential types the token descends from, nearest first.
	Chain       []CredentialType `json:"chain"`
	SessionID   string           `json:"sid"`
	MatchOrigin string           `json:"match_origin,omitempty"`
	SingleUse   bool             `json:"single_use,omitempty"`
}

// TokenOptions controls Issue.
type TokenOptions struct {
	TTL         time.Duration
	MatchOrigin bool
	SingleUse   bool
}

// TokenService signs and validates bearer tokens. Redeemed single-use tokens
// and revocations are tracked until the token would have expired anyway.
type TokenService struct {
	signingKey []byte
	issuer     string
	defaultTTL time.Duration
	now        func() time.Time

	mu              sync.Mutex
	maxTTL          time.Duration
	redeemed        map[string]time.Time
	revoked         map[string]time.Time
	revokedSessions map[string]time.Time
}

// NewTokenService creates a new TokenService.
func NewTokenService(signingKey []byte, issuer string, defaultTTL time.Duration) *TokenService {
	return &TokenService{
		signingKey:      signingKey,
		issuer:          issuer,
		defaultTTL:      defaultTTL,
		now:             time.Now,
		redeemed:        map[string]time.Time{},
		revoked:         map[string]time.Time{},
		revokedSessions: map[string]time.Time{},
	}
}

// Issue signs a token inheriting parent's identity and credential chain.
func (s *TokenService) Issue(parent *Session, opts TokenOptions) (string, *Claims, error) {
	if parent == nil || parent.Identity == nil {
		return "", nil, ErrInvalidToken
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	chain := append([]CredentialType{parent.CredentialType}, parent.Chain...)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.CreateULID(),
			Issuer:    s.issuer,
			Subject:   parent.Identity.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  parent.Identity.Username,
		Chain:     chain,
		SessionID: parent.ID,
		SingleUse: opts.SingleUse,
	}
	if opts.MatchOrigin {
		claims.MatchOrigin = parent.Origin.Key()
	}
	s.mu.Lock()
	s.maxTTL = max(s.maxTTL, ttl)
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Validate parses a token presented from origin. A valid single-use token is
// redeemed by this call.
func (s *TokenService) Validate(tokenStr string, origin Origin) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.MatchOrigin != "" && claims.MatchOrigin != origin.Key() {
		return nil, ErrTokenOrigin
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	if _, ok := s.revoked[claims.ID]; ok {
		return nil, ErrTokenRevoked
	}
	if _, ok := s.revokedSessions[claims.SessionID]; ok && claims.SessionID != "" {
		return nil, ErrTokenRevoked
	}
	if claims.SingleUse {
		if _, used := s.redeemed[claims.ID]; used {
			return nil, ErrTokenRedeemed
		}
		s.redeemed[claims.ID] = claims.ExpiresAt.Time
	}
	return claims, nil
}

// Revoke invalidates one token by its id.
func (s *TokenService) Revoke(claims *Claims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[claims.ID] = claims.ExpiresAt.Time
}

// RevokeSession invalidates every token issued from the session.
func (s *TokenService) RevokeSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedSessions[sessionID] = s.now().Add(max(s.maxTTL, s.defaultTTL))
}

func (s *TokenService) reapLocked() {
	now := s.now()
	for _, m := range []map[string]time.Time{s.redeemed, s.revoked, s.revokedSessions} {
		for id, until := range m {
			if now.After(until) {
				delete(m, id)
			}
		}
	}
}
