package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jobforge/agentjobs/internal/store"
)

// sseHeartbeatInterval caps how long a client waits without hearing
// anything, per §6.1 ("at most every 15s when no events").
const sseHeartbeatInterval = 15 * time.Second

// sseTerminalGrace is how long the stream stays open after observing a
// terminal job.failed/job.succeeded/job.aborted event, giving a client time
// to receive it before the connection closes.
const sseTerminalGrace = 3 * time.Second

// handleJobEvents serves GET /api/v1/jobs/{id}/events: a non-blocking SSE
// stream backed by periodic store.StreamEvents polling rather than a fan-out
// channel, so no in-process subscriber bookkeeping survives a daemon
// restart.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "get job failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	flusher.Flush()

	pollInterval := s.ssePollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	var cursor int64
	var terminalSince time.Time

	for {
		select {
		case <-r.Context().Done():
			return

		case <-poll.C:
			events, err := s.store.StreamEvents(r.Context(), jobID, cursor)
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", jobID).Msg("sse poll failed")
				continue
			}
			for _, ev := range events {
				cursor = ev.ID
				writeSSEEvent(w, flusher, ev.EventType, ev)
				heartbeat.Reset(sseHeartbeatInterval)
				terminal := ev.Status != nil && ev.Status.IsTerminal()
				switch ev.EventType {
				case "job.failed", "job.succeeded", "job.aborted":
					terminal = true
				}
				if terminal {
					terminalSince = time.Now()
				}
			}
			if !terminalSince.IsZero() && time.Since(terminalSince) > sseTerminalGrace {
				return
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
