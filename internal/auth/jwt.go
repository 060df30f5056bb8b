// Package auth provides handshake authenticators for the gateway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"glass-frontier/hub/internal/clock"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/gateway"
)

// jwtEnv holds raw env values before post-parse validation.
type jwtEnv struct {
	Issuer   string `env:"GLASS_HUB_JWT_ISSUER"`
	Audience string `env:"GLASS_HUB_JWT_AUDIENCE"`
	Secret   string `env:"GLASS_HUB_JWT_SECRET"`
}

// JWTConfig defines how handshake tokens are verified.
type JWTConfig struct {
	Issuer   string
	Audience string
	Secret   []byte
	Clock    clock.Clock
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Claims is the token body understood by the hub. The subject is the actor.
type Claims struct {
	jwt.RegisteredClaims
	HubID        string   `json:"hub_id,omitempty"`
	RoomID       string   `json:"room_id,omitempty"`
	CharacterID  string   `json:"character_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// LoadJWTConfigFromEnv reads verifier configuration.
func LoadJWTConfigFromEnv() (JWTConfig, error) {
	var raw jwtEnv
	if err := env.Parse(&raw); err != nil {
		return JWTConfig{}, fmt.Errorf("parse jwt env: %w", err)
	}
	cfg := JWTConfig{
		Issuer:   strings.TrimSpace(raw.Issuer),
		Audience: strings.TrimSpace(raw.Audience),
		Secret:   []byte(strings.TrimSpace(raw.Secret)),
	}
	if err := cfg.Validate(); err != nil {
		return JWTConfig{}, err
	}
	return cfg, nil
}

// Validate reports missing verifier settings.
func (c JWTConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("GLASS_HUB_JWT_ISSUER is required")
	}
	if c.Audience == "" {
		return errors.New("GLASS_HUB_JWT_AUDIENCE is required")
	}
	if len(c.Secret) == 0 {
		return errors.New("GLASS_HUB_JWT_SECRET is required")
	}
	return nil
}

// JWTAuthenticator verifies HS256 handshake tokens. Token claims win over
// the identity the client declares; a declared hub, room or actor that
// contradicts the token is rejected.
type JWTAuthenticator struct {
	cfg    JWTConfig
	clock  clock.Clock
	parser *jwt.Parser
}

// NewJWTAuthenticator constructs a verifier.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := clock.OrSystem(cfg.Clock)
	return &JWTAuthenticator{
		cfg:   cfg,
		clock: clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(clk.Now),
		),
	}, nil
}

// Authenticate implements gateway.Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, hs gateway.Handshake) (gateway.Identity, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(hs.Token), "Bearer "))
	if token == "" {
		return gateway.Identity{}, apperrors.Authentication("token is required")
	}
	var claims Claims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	}); err != nil {
		return gateway.Identity{}, mapJWTError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return gateway.Identity{}, apperrors.Authentication("token subject is required")
	}

	declared := gateway.IdentityFromHandshake(hs)
	identity := declared
	identity.ActorID = claims.Subject
	if err := bind(&identity.HubID, claims.HubID, "hubId"); err != nil {
		return gateway.Identity{}, err
	}
	if err := bind(&identity.RoomID, claims.RoomID, "roomId"); err != nil {
		return gateway.Identity{}, err
	}
	if declared.ActorID != "" && declared.ActorID != claims.Subject {
		return gateway.Identity{}, mismatch("actorId")
	}
	if claims.CharacterID != "" {
		identity.CharacterID = claims.CharacterID
	}
	if claims.SessionID != "" {
		identity.SessionID = claims.SessionID
	}
	identity.Capabilities = append([]string(nil), claims.Capabilities...)
	return identity, nil
}

// bind fills field from the claim, rejecting a conflicting declaration.
func bind(field *string, claim, name string) error {
	if claim == "" {
		return nil
	}
	if *field != "" && *field != claim {
		return mismatch(name)
	}
	*field = claim
	return nil
}

func mismatch(field string) error {
	return apperrors.Authentication("token does not match handshake").
		WithMetadata(map[string]string{"field": field})
}

// mapJWTError translates jwt library errors to authentication errors.
func mapJWTError(err error) error {
	var message string
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		message = "token is expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		message = "token is not active yet"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		message = "token signature is invalid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		message = "token was not issued for this hub"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		message = "token is missing required claims"
	default:
		message = "token is invalid"
	}
	return apperrors.Wrap(apperrors.KindAuthentication, apperrors.CodeAuthenticationFailed, message, err)
}

// Sign issues a token for claims. It is used by tooling and tests.
func Sign(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
