// Package auth issues and verifies the bearer tokens agents use on the dashboard API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims identifies an agent. Subject is the agent id that owns widgets.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Agent struct {
	ID   string
	Name string
}

// Authenticator signs and parses HS256 agent tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a token for the agent.
func (a *Authenticator) Issue(agent Agent) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	if agent.ID == "" {
		return "", errors.New("agent id is required")
	}
	now := a.now()
	claims := Claims{
		Name: agent.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses a token and returns the agent it was issued to.
func (a *Authenticator) Verify(tokenString string) (*Agent, error) {
	if len(a.secret) == 0 || tokenString == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Agent{ID: claims.Subject, Name: claims.Name}, nil
}

type ctxKey struct{}

// WithAgent stores the authenticated agent on the context.
func WithAgent(ctx context.Context, agent *Agent) context.Context {
	return context.WithValue(ctx, ctxKey{}, agent)
}

// AgentFrom returns the authenticated agent, if any.
func AgentFrom(ctx context.Context) (*Agent, bool) {
	agent, ok := ctx.Value(ctxKey{}).(*Agent)
	return agent, ok && agent != nil
}
