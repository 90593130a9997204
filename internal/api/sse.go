package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/tienda-app/tienda-go/internal/configctx"
)

// sseEvents handles the SSE (Server-Sent Events) endpoint.
// Clients receive the current view immediately, then stream updates as they happen.
// The stream ends when the client goes away or the scope closes.
func (h *Handlers) sseEvents(w http.ResponseWriter, r *http.Request) {
	scope := configctx.MustFromContext(r.Context())

	// Verify the client supports streaming
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := uuid.New().String()
	ch := scope.Subscribe(id)
	defer scope.Unsubscribe(id)

	// Read before any stream header is set so a scope closing here still
	// gets a plain JSON error.
	current := scope.Read()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sendSSE(w, flusher, current)

	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, v)
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
