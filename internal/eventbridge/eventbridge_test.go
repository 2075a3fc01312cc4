package eventbridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestBridgeNormalizesAndFiltersBySession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "session.updated", `{"session_id":"sess-1","type":"running"}`)
		writeSSE(w, "session.updated", `{"session_id":"sess-2","type":"running"}`)
		writeSSE(w, "permission.asked", `{"session_id":"sess-1","request_id":"req-1"}`)
		writeSSE(w, "unrelated.kind", `{"session_id":"sess-1"}`)
	}))
	defer srv.Close()

	b := New(srv.URL, arbor.NewLogger())
	b.SetSessionID("sess-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-b.Events():
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
	cancel()
	<-done

	require.Len(t, got, 2)
	assert.Equal(t, KindSessionUpdated, got[0].Kind)
	assert.Equal(t, "sess-1", got[0].SessionID)
	assert.Equal(t, KindPermissionAsked, got[1].Kind)
}

func TestBridgeStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := New(srv.URL, arbor.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
