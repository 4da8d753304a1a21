package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/chatalloc/internal/store"
)

// Resolver is the directory-side resolution action used by the bulk
// resolve endpoint. The platform answers each call with a mark-resolved
// webhook, so local state converges through the normal resolution path.
type Resolver interface {
	Resolve(ctx context.Context, roomID int64) error
}

// RoomsHandler exposes admin endpoints over the room store: listings,
// manual enqueue, manual status override, and bulk resolution.
type RoomsHandler struct {
	rooms    store.RoomStore
	resolver Resolver
	token    string
}

func NewRoomsHandler(rooms store.RoomStore, resolver Resolver, token string) *RoomsHandler {
	return &RoomsHandler{rooms: rooms, resolver: resolver, token: token}
}

// RegisterRoutes registers the admin routes on the given mux.
func (h *RoomsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rooms", h.authMiddleware(h.handleList))
	mux.HandleFunc("GET /v1/rooms/queued", h.authMiddleware(h.handleListQueued))
	mux.HandleFunc("POST /v1/rooms", h.authMiddleware(h.handleEnqueue))
	mux.HandleFunc("PUT /v1/rooms/update_status", h.authMiddleware(h.handleUpdateStatus))
	mux.HandleFunc("GET /v1/rooms/resolve-all", h.authMiddleware(h.handleResolveAll))
}

func (h *RoomsHandler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeEnvelope(w, http.StatusUnauthorized, "error", "unauthorized", nil)
				return
			}
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (h *RoomsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.List(r.Context())
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, "error", "failed to list rooms", nil)
		return
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	writeEnvelope(w, http.StatusOK, "ok", "rooms", map[string]interface{}{"rooms": rooms})
}

func (h *RoomsHandler) handleListQueued(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(r.URL.Query().Get("channel_id"), 10, 64)
	if err != nil || channelID <= 0 {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "channel_id query parameter required", nil)
		return
	}

	rooms, err := h.rooms.ListQueued(r.Context(), channelID)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, "error", "failed to list queued rooms", nil)
		return
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	writeEnvelope(w, http.StatusOK, "ok", "queued rooms", map[string]interface{}{"rooms": rooms})
}

// handleEnqueue admits a room manually, as if a new-session webhook had
// arrived. No assignment is attempted; the next trigger or sweep covers
// the room.
func (h *RoomsHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var p struct {
		RoomID    flexID `json:"room_id"`
		ChannelID flexID `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "invalid JSON: "+err.Error(), nil)
		return
	}
	if p.RoomID == 0 || p.ChannelID == 0 {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "invalid or empty values", nil)
		return
	}

	created, err := h.rooms.CreateIfAbsent(r.Context(), int64(p.RoomID), int64(p.ChannelID))
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, "error", "internal server error", nil)
		return
	}
	if !created {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "failed adding new room", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, "ok", "success adding new room",
		map[string]interface{}{"room_id": int64(p.RoomID), "channel_id": int64(p.ChannelID)})
}

// handleUpdateStatus is the manual override. Only transitions that keep
// the capacity invariants are allowed: RESOLVED goes through the same
// conditioned update as a resolution webhook, QUEUE re-admits a missing
// room. HANDLED is rejected — assignments happen only via the engine's
// capacity-checked claim.
func (h *RoomsHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.URL.Query().Get("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "room_id query parameter required", nil)
		return
	}
	channelID, err := strconv.ParseInt(r.URL.Query().Get("channel_id"), 10, 64)
	if err != nil || channelID <= 0 {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "channel_id query parameter required", nil)
		return
	}

	var p struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Status == "" {
		writeEnvelope(w, http.StatusBadRequest, "invalid", "invalid or empty values", nil)
		return
	}

	switch store.RoomStatus(strings.ToUpper(p.Status)) {
	case store.StatusResolved:
		changed, err := h.rooms.MarkResolved(r.Context(), roomID, channelID)
		if err != nil {
			writeEnvelope(w, http.StatusInternalServerError, "error", "internal server error", nil)
			return
		}
		if !changed {
			writeEnvelope(w, http.StatusBadRequest, "invalid", "failed updating room status", nil)
			return
		}
	case store.StatusQueue:
		created, err := h.rooms.CreateIfAbsent(r.Context(), roomID, channelID)
		if err != nil {
			writeEnvelope(w, http.StatusInternalServerError, "error", "internal server error", nil)
			return
		}
		if !created {
			writeEnvelope(w, http.StatusBadRequest, "invalid", "failed updating room status", nil)
			return
		}
	default:
		writeEnvelope(w, http.StatusBadRequest, "invalid", "unsupported status", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, "ok", "success update room status",
		map[string]interface{}{"room_id": roomID, "channel_id": channelID, "status": strings.ToUpper(p.Status)})
}

// handleResolveAll asks the directory to resolve every room that is not
// yet RESOLVED. Each directory call triggers a mark-resolved webhook, so
// the bulk action is just ordinary resolution events in a loop.
func (h *RoomsHandler) handleResolveAll(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.List(r.Context())
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, "error", "failed to list rooms", nil)
		return
	}

	var open []store.Room
	for _, room := range rooms {
		if room.Status != store.StatusResolved {
			open = append(open, room)
		}
	}
	if len(open) == 0 {
		writeEnvelope(w, http.StatusNotFound, "invalid", "no available rooms to be resolved", nil)
		return
	}

	resolved := make([]int64, 0, len(open))
	for _, room := range open {
		if err := h.resolver.Resolve(r.Context(), room.RoomID); err != nil {
			slog.Warn("bulk resolve failed for room", "room", room.RoomID, "error", err)
			continue
		}
		resolved = append(resolved, room.RoomID)
	}

	writeEnvelope(w, http.StatusOK, "ok", "success resolving all rooms", map[string]interface{}{
		"requested": len(open),
		"resolved":  resolved,
	})
}
