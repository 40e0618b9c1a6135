package anthropic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

const messageResponse = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4-5",
  "content": [
    {"type": "text", "text": "{\"summary\":\"disk full\","},
    {"type": "text", "text": "\"steps\":[\"free space\"]}"}
  ],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 10, "output_tokens": 12}
}`

func TestProvider_Complete(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageResponse)
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL), WithModel("claude-test"))
	out, err := p.Complete(context.Background(), client.Prompt{System: "sys", User: "what broke?", MaxTokens: 256})
	require.NoError(t, err)

	assert.Equal(t, `{"summary":"disk full","steps":["free space"]}`, out)
	assert.Equal(t, "claude-test", gjson.Get(body, "model").String())
	assert.Equal(t, int64(256), gjson.Get(body, "max_tokens").Int())
	assert.Equal(t, "sys", gjson.Get(body, "system.0.text").String())
	assert.Equal(t, "what broke?", gjson.Get(body, "messages.0.content.0.text").String())
}

func TestProvider_Complete_StatusError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	_, err := p.Complete(context.Background(), client.Prompt{User: "x"})
	require.Error(t, err)

	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, client.IsTransient(err))
	assert.Equal(t, int32(1), hits.Load(), "SDK retries must be disabled")
}

func TestProvider_Name(t *testing.T) {
	assert.Equal(t, "anthropic", New("k").Name())
	assert.Equal(t, "claude-backup", New("k", WithName("claude-backup")).Name())
}
