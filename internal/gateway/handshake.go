package gateway

import (
	"context"
	"strings"
)

// Handshake is what a client presents when connecting.
type Handshake struct {
	HubID             string         `json:"hubId"`
	RoomID            string         `json:"roomId"`
	ActorID           string         `json:"actorId"`
	CharacterID       string         `json:"characterId,omitempty"`
	SessionID         string         `json:"sessionId,omitempty"`
	ConnectionID      string         `json:"connectionId,omitempty"`
	ActorCapabilities []string       `json:"actorCapabilities,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Token             string         `json:"-"`
	LastAck           int64          `json:"lastAck,omitempty"`
}

// Identity is the authenticated result of a handshake.
type Identity struct {
	HubID        string
	RoomID       string
	ActorID      string
	CharacterID  string
	SessionID    string
	Capabilities []string
	Metadata     map[string]any
}

// Authenticator turns a handshake into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, hs Handshake) (Identity, error)
}

// AuthenticatorFunc adapts a function into an Authenticator.
type AuthenticatorFunc func(ctx context.Context, hs Handshake) (Identity, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, hs Handshake) (Identity, error) {
	return f(ctx, hs)
}

// TrustHandshake accepts the identity the client declares.
func TrustHandshake() Authenticator {
	return AuthenticatorFunc(func(_ context.Context, hs Handshake) (Identity, error) {
		return IdentityFromHandshake(hs), nil
	})
}

// IdentityFromHandshake copies the declared identity fields.
func IdentityFromHandshake(hs Handshake) Identity {
	return Identity{
		HubID:        strings.TrimSpace(hs.HubID),
		RoomID:       strings.TrimSpace(hs.RoomID),
		ActorID:      strings.TrimSpace(hs.ActorID),
		CharacterID:  strings.TrimSpace(hs.CharacterID),
		SessionID:    strings.TrimSpace(hs.SessionID),
		Capabilities: append([]string(nil), hs.ActorCapabilities...),
		Metadata:     hs.Metadata,
	}
}

func (id Identity) missing() []string {
	var out []string
	if id.HubID == "" {
		out = append(out, "hubId")
	}
	if id.RoomID == "" {
		out = append(out, "roomId")
	}
	if id.ActorID == "" {
		out = append(out, "actorId")
	}
	return out
}
