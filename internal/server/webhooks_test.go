package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiche/internal/config"
	"quiche/internal/log"
)

type hookSink struct {
	mu       sync.Mutex
	received []EventResponse
	headers  []http.Header
	fail     bool
}

func (s *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var evt EventResponse
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.received = append(s.received, evt)
	s.headers = append(s.headers, r.Header.Clone())
}

func (s *hookSink) snapshot() ([]EventResponse, []http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventResponse(nil), s.received...), append([]http.Header(nil), s.headers...)
}

func startSink(t *testing.T, sink *hookSink) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: sink}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return "http://" + ln.Addr().String()
}

func TestWebhookDelivery(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	_, err := ts.app.Eval.Resolve(ctx, "plus_one")
	require.NoError(t, err)

	computed := &hookSink{}
	failures := &hookSink{}
	hooks := []config.WebhookConfig{
		{URL: startSink(t, computed), Events: []string{"task.computed"}, Secret: "shh"},
		{URL: startSink(t, failures), Events: []string{"task.failed"}},
	}
	d := newWebhookDispatcher(ts.app.Events, hooks, log.Discard())

	// cursors start at the newest event, so earlier work is not replayed
	d.dispatchAll(ctx)
	got, _ := computed.snapshot()
	assert.Empty(t, got)

	_, err = ts.app.Eval.Resolve(ctx, "times_two")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got, headers := computed.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "times_two", got[0].Task)
	assert.Equal(t, "task.computed", headers[0].Get("X-Quiche-Event"))
	assert.Equal(t, "shh", headers[0].Get("X-Quiche-Secret"))
	assert.NotEmpty(t, headers[0].Get("X-Quiche-Delivery"))
	none, _ := failures.snapshot()
	assert.Empty(t, none)
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	sink := &hookSink{fail: true}
	d := newWebhookDispatcher(ts.app.Events, []config.WebhookConfig{{URL: startSink(t, sink)}}, log.Discard())
	d.dispatchAll(ctx)

	_, err := ts.app.Eval.Resolve(ctx, "broken")
	require.Error(t, err)
	d.dispatchAll(ctx)
	got, _ := sink.snapshot()
	assert.Empty(t, got)

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	d.dispatchAll(ctx)
	got, _ = sink.snapshot()
	require.NotEmpty(t, got)
	assert.Equal(t, "broken", got[0].Task)
	assert.Equal(t, "task.failed", got[0].Type)
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("task.hit"))
	assert.True(t, newEventFilter([]string{" "}).match("task.hit"))
	f := newEventFilter([]string{"task.failed"})
	assert.True(t, f.match("task.failed"))
	assert.False(t, f.match("task.hit"))
}
