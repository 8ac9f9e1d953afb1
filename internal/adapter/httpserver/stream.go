package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// StreamHandler serves the SSE dashboard stream for one job or one
// conversation: a snapshot frame first, then bus envelopes as they arrive.
// The subscription is registered before the snapshot is read so envelopes
// landing in between are queued, not lost.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := SanitizeJobID(r.URL.Query().Get("job_id"))
		convoID := SanitizeJobID(r.URL.Query().Get("conversation_id"))
		if (jobID == "") == (convoID == "") {
			writeError(w, r, fmt.Errorf("%w: exactly one of job_id or conversation_id required", domain.ErrInvalidArgument), nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		topic := bus.JobTopic(jobID)
		if jobID == "" {
			topic = bus.ConversationTopic(convoID)
		}
		sub := s.Hub.Subscribe(0, topic)
		defer sub.Close()
		observability.StreamSubscribers.Inc()
		defer observability.StreamSubscribers.Dec()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if jobID != "" {
			s.writeSnapshot(w, r, jobID, "snapshot")
		} else {
			s.writeConversationSnapshot(w, r, convoID, "snapshot")
		}
		flusher.Flush()

		heartbeat := time.NewTicker(s.streamHeartbeatInterval())
		defer heartbeat.Stop()
		refresh := time.NewTicker(s.streamRefreshInterval())
		defer refresh.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case env, open := <-sub.C:
				if !open {
					return
				}
				writeFrame(w, frameType(env), env)
				flusher.Flush()
			case <-heartbeat.C:
				// Comment frame keeps intermediaries from timing out the
				// connection without waking client-side event listeners.
				_, _ = fmt.Fprint(w, ":heartbeat\n\n")
				flusher.Flush()
			case <-refresh.C:
				if jobID != "" {
					s.writeSnapshot(w, r, jobID, "refresh")
				} else {
					s.writeConversationSnapshot(w, r, convoID, "refresh")
				}
				flusher.Flush()
			}
		}
	}
}

// frameType maps an envelope to its SSE event name: job status changes stream
// as "status", ledger appends as "event".
func frameType(env bus.Envelope) string {
	if env.Type == "status" || env.Type == "job_update" {
		return "status"
	}
	return "event"
}

func (s *Server) streamHeartbeatInterval() time.Duration {
	if s.Cfg.StreamHeartbeatInterval > 0 {
		return s.Cfg.StreamHeartbeatInterval
	}
	return 12 * time.Second
}

func (s *Server) streamRefreshInterval() time.Duration {
	if s.Cfg.StreamRefreshInterval > 0 {
		return s.Cfg.StreamRefreshInterval
	}
	return 30 * time.Second
}

// writeSnapshot emits the current job row plus its recent ledger tail. A
// fetch failure becomes an error frame; the stream stays open so the client
// can keep tailing whatever arrives next.
func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, jobID, event string) {
	limit := s.Cfg.StreamSnapshotEvents
	if limit <= 0 {
		limit = 100
	}
	detail, err := s.Jobs.Get(r.Context(), jobID, limit)
	if err != nil {
		writeFrame(w, "error", map[string]string{"message": err.Error()})
		return
	}
	writeFrame(w, event, map[string]any{
		"job":           toJobView(detail.Job),
		"events":        toEventViews(detail.Events),
		"uptime_s":      detail.UptimeS,
		"worker_status": string(detail.WorkerStatus),
	})
}

func (s *Server) writeConversationSnapshot(w http.ResponseWriter, r *http.Request, convoID, event string) {
	c, err := s.Convos.Get(r.Context(), convoID)
	if err != nil {
		writeFrame(w, "error", map[string]string{"message": err.Error()})
		return
	}
	msgs, err := s.Convos.ListMessages(r.Context(), convoID, 0, 0)
	if err != nil {
		writeFrame(w, "error", map[string]string{"message": err.Error()})
		return
	}
	writeFrame(w, event, map[string]any{
		"conversation": map[string]any{"id": c.ID, "title": c.Title, "created_at": c.CreatedAt},
		"messages":     messageViews(msgs),
	})
}

// writeFrame emits one SSE record: "event: <type>\ndata: <json>\n\n".
func writeFrame(w http.ResponseWriter, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
