package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/events"
)

// sseHeartbeat keeps idle streams open through proxies
const sseHeartbeat = 30 * time.Second

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends an SSE comment line, ignored by clients
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// handleEvents streams an investigation's events. The stream opens with a
// full_state event so a late subscriber starts from a complete picture.
// ?topic=investigation or ?topic=board limits the stream to one topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	topics, err := topicsFor(id, r.URL.Query().Get("topic"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Subscribe before reading state so nothing published in between is lost.
	subs := s.subscribe(topics)
	defer closeAll(subs)

	full, err := s.engine.RequestFullState(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sse.WriteEvent(string(full.Type), full); err != nil {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stream := mergeSubscriptions(ctx, subs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := sse.WriteComment("ping"); err != nil {
				return
			}
		case ev, open := <-stream:
			if !open {
				return
			}
			if err := sse.WriteEvent(string(ev.Type), ev); err != nil {
				s.logger.Debug("sse client gone",
					zap.String("investigation_id", id.String()),
					zap.Error(err))
				return
			}
		}
	}
}

// topicsFor resolves the ?topic filter of a stream request
func topicsFor(id uuid.UUID, filter string) ([]string, error) {
	switch filter {
	case "", "all":
		return []string{events.InvestigationTopic(id), events.BoardTopic(id)}, nil
	case "investigation":
		return []string{events.InvestigationTopic(id)}, nil
	case "board":
		return []string{events.BoardTopic(id)}, nil
	default:
		return nil, &ErrValidation{Field: "topic", Message: "must be investigation, board or all"}
	}
}

// mergeSubscriptions forwards the events of every subscription onto one
// channel, closed once all subscriptions have ended or ctx is done
func mergeSubscriptions(ctx context.Context, subs []*events.Subscription) <-chan events.Event {
	out := make(chan events.Event)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *events.Subscription) {
			defer wg.Done()
			for ev := range sub.C() {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func closeAll(subs []*events.Subscription) {
	for _, sub := range subs {
		sub.Close()
	}
}
