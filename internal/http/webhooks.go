package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatalloc/internal/allocator"
)

// Allocator is the engine surface the webhook handlers drive.
type Allocator interface {
	HandleNewSession(ctx context.Context, channelID, roomID int64) (allocator.Outcome, error)
	HandleResolution(ctx context.Context, channelID, roomID, agentID int64) (allocator.ResolutionResult, error)
}

// WebhooksHandler handles inbound platform webhooks (new session,
// resolution). Deliveries may arrive duplicated or concurrently; the
// engine absorbs that, handlers just acknowledge fast.
type WebhooksHandler struct {
	engine  Allocator
	limiter *WebhookRateLimiter
}

func NewWebhooksHandler(engine Allocator, limiter *WebhookRateLimiter) *WebhooksHandler {
	return &WebhooksHandler{engine: engine, limiter: limiter}
}

// RegisterRoutes registers the webhook routes on the given mux.
func (h *WebhooksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/webhooks/new-session", h.rateLimited(h.handleNewSession))
	mux.HandleFunc("POST /v1/webhooks/mark-resolved", h.rateLimited(h.handleMarkResolved))
}

func (h *WebhooksHandler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		if !h.limiter.Allow(key) {
			writeEnvelope(w, http.StatusTooManyRequests, "error", "rate limit exceeded", nil)
			return
		}
		next(w, r)
	}
}

// flexID accepts both 123 and "123" — upstream platforms are not
// consistent about numeric id encoding.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id must be a number or numeric string")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("id must be numeric: %w", err)
	}
	*f = flexID(n)
	return nil
}

type idRef struct {
	ID flexID `json:"id"`
}

type newSessionPayload struct {
	RoomID    flexID `json:"room_id"`
	Channel   idRef  `json:"channel"`
	ChannelID flexID `json:"channel_id"` // flat form used by some senders
}

type markResolvedPayload struct {
	Channel    idRef `json:"channel"`
	ResolvedBy idRef `json:"resolved_by"`
	Service    struct {
		RoomID flexID `json:"room_id"`
	} `json:"service"`
}

func (h *WebhooksHandler) handleNewSession(w http.ResponseWriter, r *http.Request) {
	delivery := uuid.Must(uuid.NewV7()).String()

	var p newSessionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "invalid JSON: "+err.Error(), nil)
		return
	}
	channelID := int64(p.Channel.ID)
	if channelID == 0 {
		channelID = int64(p.ChannelID)
	}
	roomID := int64(p.RoomID)
	if roomID == 0 || channelID == 0 {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "invalid or empty values", nil)
		return
	}

	slog.Info("new-session webhook", "delivery", delivery, "room", roomID, "channel", channelID)

	outcome, err := h.engine.HandleNewSession(r.Context(), channelID, roomID)
	if err != nil {
		slog.Error("new-session processing failed", "delivery", delivery, "room", roomID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, "error", "internal server error", nil)
		return
	}

	writeEnvelope(w, http.StatusOK, "ok",
		fmt.Sprintf("success processing room %d", roomID),
		map[string]string{"outcome": string(outcome), "delivery": delivery})
}

func (h *WebhooksHandler) handleMarkResolved(w http.ResponseWriter, r *http.Request) {
	delivery := uuid.Must(uuid.NewV7()).String()

	var p markResolvedPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "invalid JSON: "+err.Error(), nil)
		return
	}
	roomID := int64(p.Service.RoomID)
	channelID := int64(p.Channel.ID)
	agentID := int64(p.ResolvedBy.ID)
	if roomID == 0 || channelID == 0 || agentID == 0 {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "invalid or empty values", nil)
		return
	}

	slog.Info("mark-resolved webhook", "delivery", delivery, "room", roomID, "channel", channelID, "agent", agentID)

	res, err := h.engine.HandleResolution(r.Context(), channelID, roomID, agentID)
	if err != nil {
		slog.Error("resolution processing failed", "delivery", delivery, "room", roomID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, "error", "internal server error", nil)
		return
	}

	message := fmt.Sprintf("success mark as resolved room %d", roomID)
	if res.Rescan == allocator.OutcomeDebounced {
		message = fmt.Sprintf("resolved room %d, re-scan skipped (debounce active)", roomID)
	}
	writeEnvelope(w, http.StatusOK, "ok", message, map[string]interface{}{
		"resolved": res.Resolved,
		"rescan":   string(res.Rescan),
		"delivery": delivery,
	})
}
