package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DevOcho/d8-chat/internal/broker"
	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/internal/store"
	"github.com/DevOcho/d8-chat/pkg/log"
)

// HTTPHandler serves the REST surface next to the websocket: history
// reads for resync, health, and metrics.
type HTTPHandler struct {
	store  store.EventStore
	broker broker.Broker
	ws     *WSHandler
}

func NewHTTPHandler(st store.EventStore, br broker.Broker, ws *WSHandler) *HTTPHandler {
	return &HTTPHandler{store: st, broker: br, ws: ws}
}

// Router builds the full route table.
func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(log.HTTPMiddleware(log.L()))

	r.HandleFunc("/ws/chat", h.ws.HandleWebSocket)
	r.HandleFunc("/api/conversations/{id}/events", h.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// handleEvents returns the events after a sequence number, the same
// delta the websocket resync replays.
func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid after parameter"})
			return
		}
		after = parsed
	}

	events, err := h.store.ReadRange(r.Context(), conversationID, after)
	if err != nil {
		log.Ctx(r.Context()).Error().
			Str(log.FieldConversationID, conversationID).
			Err(err).
			Msg("history read failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}

	frames := make([]*domain.MessageFrame, 0, len(events))
	for _, ev := range events {
		frames = append(frames, domain.FrameForEvent(ev))
	}
	var last uint64
	if len(events) > 0 {
		last = events[len(events)-1].Sequence
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"last_seq":        last,
		"events":          frames,
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":         "ok",
		"broker_healthy": h.broker.Healthy(),
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
