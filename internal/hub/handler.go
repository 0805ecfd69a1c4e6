package hub

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rickgao/polls-live/internal/version"
)

const maxPublishBody = 1 << 20

// Handler serves /ws, POST /publish and /health for h.
func Handler(h *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", h.ServeWS)

	mux.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Detail: "method not allowed"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "read body: " + err.Error()})
			return
		}

		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "invalid envelope: " + err.Error()})
			return
		}
		if env.Type == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "type is required"})
			return
		}

		// Relay the body unchanged so payload field order survives.
		sent, err := h.broadcastRaw(env.Type, body)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"type":      env.Type,
			"delivered": sent,
		})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status  string       `json:"status"`
			Hub     Stats        `json:"hub"`
			Version version.Info `json:"version"`
		}{
			Status:  "healthy",
			Hub:     h.Stats(),
			Version: version.Get(),
		})
	})

	return mux
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
