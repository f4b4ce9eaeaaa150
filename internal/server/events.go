package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"walletsync/internal/wallet"
)

// handleEvents streams published states as server-sent events, starting
// with the current one. A client that cannot keep up skips intermediate
// states; the newest one is always delivered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// latest holds at most the newest undelivered state. Callbacks run one
	// at a time, so the drain-then-send never blocks.
	latest := make(chan wallet.UnifiedState, 1)
	sub := s.svc.Subscribe(func(st wallet.UnifiedState) {
		select {
		case <-latest:
		default:
		}
		latest <- st
	})
	defer sub.Release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, s.svc.State()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-latest:
			if err := writeEvent(w, st); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, st wallet.UnifiedState) error {
	payload, err := json.Marshal(newStateResponse(st))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload)
	return err
}
