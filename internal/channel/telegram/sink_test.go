package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/dispatch"
	logx "fleetnotify/pkg/logx"
)

type staticRenderer string

func (r staticRenderer) Render(batching.Message) string { return string(r) }

func newBotAPI(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ChatID: 1}, staticRenderer("x"), logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "t"}, staticRenderer("x"), logx.Nop())
	assert.Error(t, err)
}

func TestSink_Send(t *testing.T) {
	var gotText atomic.Value
	srv, calls := newBotAPI(t, func(w http.ResponseWriter, body map[string]any) {
		gotText.Store(body["text"])
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"},"text":"ok"}}`))
	})

	s, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL, RatePerMinute: 600}, staticRenderer("North Squadron: 2 voyage updates"), logx.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), batching.Message{ID: "m1"}))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "North Squadron: 2 voyage updates", gotText.Load())
}

func TestSink_FloodBecomesRateLimited(t *testing.T) {
	srv, _ := newBotAPI(t, func(w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`))
	})

	s, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL, RatePerMinute: 600}, staticRenderer("x"), logx.Nop())
	require.NoError(t, err)

	err = s.Send(context.Background(), batching.Message{ID: "m1"})
	require.Error(t, err)
	after, ok := dispatch.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, after)
}
