// Package ws binds websocket connections to the hub gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/gateway"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/telemetry"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultReadLimit = 64 << 10
)

// HandlerConfig tunes the websocket binding.
type HandlerConfig struct {
	Logger    telemetry.Logger
	WriteWait time.Duration
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *nethttp.Request) bool
}

// Handler upgrades requests and runs the read loop for each connection.
type Handler struct {
	gateway   *gateway.Gateway
	logger    telemetry.Logger
	upgrader  websocket.Upgrader
	writeWait time.Duration
	readLimit int64
}

// NewHandler constructs a websocket handler for gw.
func NewHandler(gw *gateway.Gateway, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *nethttp.Request) bool {
			return true
		}
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	return &Handler{
		gateway: gw,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		writeWait: writeWait,
		readLimit: readLimit,
	}
}

// Handle upgrades the request, authenticates the handshake and pumps inbound
// frames into the gateway until the socket closes.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	hs, err := HandshakeFromRequest(r)
	if err != nil {
		nethttp.Error(w, err.Error(), nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for actor %s: %v", hs.ActorID, err)
		return
	}
	conn.SetReadLimit(h.readLimit)
	sess := newSession(conn, h.writeWait)

	ctx := r.Context()
	accepted, err := h.gateway.AcceptConnection(ctx, sess, hs)
	if err != nil {
		h.reject(ctx, sess, err)
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			reason := "connection closed"
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err.Error()
			}
			h.gateway.Disconnect(ctx, accepted.ID, reason)
			_ = sess.Close(reason)
			return
		}
		if err := h.gateway.HandleMessage(ctx, accepted.ID, payload); err != nil {
			if errors.Is(err, gateway.ErrUnknownConnection) {
				_ = sess.Close("connection no longer registered")
				return
			}
			// A failed send closes the transport; the next read ends the loop.
			h.logger.Printf("message from %s failed: %v", accepted.ID, err)
		}
	}
}

// reject reports a failed handshake and closes with a policy violation.
func (h *Handler) reject(ctx context.Context, sess *session, err error) {
	message := "authentication failed"
	if domain, ok := apperrors.As(err); ok && domain.Message != "" {
		message = domain.Message
	}
	if sendErr := sess.Send(ctx, proto.NewEnvelope(proto.TypeSystemError, proto.ErrorPayload{
		Code:    string(apperrors.CodeOf(err)),
		Message: message,
	})); sendErr != nil {
		h.logger.Printf("failed to report handshake rejection: %v", sendErr)
	}
	_ = sess.closeWith(websocket.ClosePolicyViolation, message)
}

// HandshakeFromRequest reads the handshake from the query string. The token
// comes from a bearer Authorization header, falling back to the token
// parameter.
func HandshakeFromRequest(r *nethttp.Request) (gateway.Handshake, error) {
	query := r.URL.Query()
	hs := gateway.Handshake{
		HubID:        strings.TrimSpace(query.Get("hubId")),
		RoomID:       strings.TrimSpace(query.Get("roomId")),
		ActorID:      strings.TrimSpace(query.Get("actorId")),
		CharacterID:  strings.TrimSpace(query.Get("characterId")),
		SessionID:    strings.TrimSpace(query.Get("sessionId")),
		ConnectionID: strings.TrimSpace(query.Get("connectionId")),
	}
	for _, raw := range query["actorCapabilities"] {
		for _, capability := range strings.Split(raw, ",") {
			if capability = strings.TrimSpace(capability); capability != "" {
				hs.ActorCapabilities = append(hs.ActorCapabilities, capability)
			}
		}
	}
	if raw := strings.TrimSpace(query.Get("lastAck")); raw != "" {
		lastAck, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || lastAck < 0 {
			return gateway.Handshake{}, fmt.Errorf("invalid lastAck %q", raw)
		}
		hs.LastAck = lastAck
	}
	if raw := strings.TrimSpace(query.Get("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &hs.Metadata); err != nil {
			return gateway.Handshake{}, fmt.Errorf("invalid metadata: %w", err)
		}
	}

	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			hs.Token = strings.TrimSpace(token)
		}
	}
	if hs.Token == "" {
		hs.Token = strings.TrimSpace(query.Get("token"))
	}
	return hs, nil
}
