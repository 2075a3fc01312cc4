// Package eventbridge implements the Event Bridge (C4): one long-lived SSE
// connection per job executor to the external agent server, normalizing its
// events to a small vocabulary and forwarding them over an in-process
// channel. The bridge is advisory - the executor's polling sweep (§4.8) is
// what actually determines completion.
package eventbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Kind is one of the Event Bridge's normalized event kinds.
type Kind string

const (
	KindSessionUpdated     Kind = "session.updated"
	KindSessionRetry       Kind = "session.retry"
	KindPermissionAsked    Kind = "permission.asked"
	KindMessagePartUpdated Kind = "message.part.updated"
)

// Event is a normalized, session-filtered event handed to the executor.
type Event struct {
	Kind      Kind
	SessionID string
	Payload   map[string]interface{}
}

// Bridge consumes one agent server's SSE stream and republishes the events
// relevant to a single job's session over a bounded channel.
type Bridge struct {
	streamURL string
	http      *http.Client
	logger    arbor.ILogger

	mu        sync.RWMutex
	sessionID string

	out chan Event
}

// New builds a Bridge that will connect to streamURL once Run is called.
// sessionID may be empty at construction time (the executor sets it via
// SetSessionID once CreateSession succeeds) and is used only to filter
// events belonging to other sessions multiplexed on the same stream.
func New(streamURL string, logger arbor.ILogger) *Bridge {
	return &Bridge{
		streamURL: streamURL,
		// No per-request timeout: this is a long-lived streaming connection.
		http:   &http.Client{},
		logger: logger,
		out:    make(chan Event, 256),
	}
}

// SetSessionID updates which session's events pass the filter.
func (b *Bridge) SetSessionID(sessionID string) {
	b.mu.Lock()
	b.sessionID = sessionID
	b.mu.Unlock()
}

func (b *Bridge) currentSessionID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessionID
}

// Events returns the channel the executor reads normalized events from.
func (b *Bridge) Events() <-chan Event {
	return b.out
}

// backoffSchedule is the capped exponential reconnect ceiling (§4.4, §5):
// 1s, 2s, 4s, 8s, 16s, one delay before each of the maxReconnectRetries
// reconnect attempts; no value is reused, since Run gives up after the fifth.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const maxReconnectRetries = 5

// Run connects and reconnects until ctx is canceled or the connection still
// fails after maxReconnectRetries consecutive reconnect attempts (a clean
// EOF resets the count). It returns nil only when ctx is canceled;
// any other return is the final connection error after exhausting retries.
func (b *Bridge) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := b.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Clean EOF from the agent: reconnect immediately, no backoff.
			attempt = 0
			continue
		}

		if attempt >= maxReconnectRetries {
			return fmt.Errorf("eventbridge: exhausted %d reconnect attempts: %w", maxReconnectRetries, err)
		}
		delay := backoffSchedule[attempt]
		if b.logger != nil {
			b.logger.Warn().Err(err).Dur("backoff", delay).Msg("event bridge disconnected, reconnecting")
		}
		if err := sleepBackoff(ctx, delay); err != nil {
			return nil
		}
		attempt++
	}
}

func (b *Bridge) connectOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.streamURL, nil)
	if err != nil {
		return fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	return b.scan(ctx, resp.Body)
}

// scan reads the SSE wire format: "event: <name>" and "data: <line>" fields
// terminated by a blank line, per the standard SSE framing.
func (b *Bridge) scan(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var dataLines []string

	flush := func() error {
		defer func() {
			eventName = ""
			dataLines = nil
		}()
		if len(dataLines) == 0 {
			return nil
		}
		ev, ok := b.normalize(eventName, strings.Join(dataLines, "\n"))
		if !ok {
			return nil
		}
		return b.emit(ctx, ev)
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		default:
			// id:, retry:, and comment lines (":") carry no information we act on.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// normalize maps a raw SSE event name + JSON payload to the bridge's
// vocabulary, filtering out events for other sessions multiplexed on the
// same stream. ok is false for event kinds outside the vocabulary.
func (b *Bridge) normalize(rawKind, data string) (Event, bool) {
	var kind Kind
	switch rawKind {
	case string(KindSessionUpdated):
		kind = KindSessionUpdated
	case string(KindSessionRetry):
		kind = KindSessionRetry
	case string(KindPermissionAsked):
		kind = KindPermissionAsked
	case string(KindMessagePartUpdated):
		kind = KindMessagePartUpdated
	default:
		return Event{}, false
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		if b.logger != nil {
			b.logger.Debug().Err(err).Str("kind", rawKind).Msg("event bridge: could not decode event payload")
		}
		return Event{}, false
	}

	sessionID, _ := payload["session_id"].(string)
	if want := b.currentSessionID(); want != "" && sessionID != "" && sessionID != want {
		return Event{}, false
	}

	return Event{Kind: kind, SessionID: sessionID, Payload: payload}, true
}

// emit publishes ev to the out channel. permission.asked and session.updated
// are never dropped - the send blocks until delivered or ctx ends. Every
// other kind is best-effort: if the channel is backed up, the event is
// coalesced away rather than blocking the SSE reader.
func (b *Bridge) emit(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindPermissionAsked, KindSessionUpdated:
		select {
		case b.out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		select {
		case b.out <- ev:
		default:
			// Channel is full; drop this message.part.updated/session.retry
			// rather than block - the next one supersedes it anyway.
		}
		return nil
	}
}
