package llmsdk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	llm "github.com/strongdm/ai-llm-sdk/pkg/llm"
	llmmock "github.com/strongdm/ai-llm-sdk/pkg/llm/mock"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

const adviceJSON = `{"summary":"disk full","steps":["free space"]}`

type recordingCompleter struct {
	reqs []llm.Request
	resp llm.Response
	err  error
}

func (r *recordingCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	r.reqs = append(r.reqs, req)
	return r.resp, r.err
}

func assistantReply(text string) llm.Response {
	return llm.Response{
		Model:   "test-model",
		Message: withText(llm.Message{Role: llm.RoleAssistant}, text),
	}
}

func TestProvider_Complete_BuildsRequest(t *testing.T) {
	rec := &recordingCompleter{resp: assistantReply(adviceJSON)}
	p := New(rec, WithName("gateway"), WithModel("gpt-test"), WithBackend(string(llm.ProviderOpenAI)))

	out, err := p.Complete(context.Background(), client.Prompt{System: "sys", User: "what broke?"})
	require.NoError(t, err)
	assert.Equal(t, adviceJSON, out)
	assert.Equal(t, "gateway", p.Name())

	require.Len(t, rec.reqs, 1)
	req := rec.reqs[0]
	assert.Equal(t, "gpt-test", req.Model)
	assert.Equal(t, llm.ProviderOpenAI, req.Provider)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", string(req.Messages[0].Role))
	assert.Equal(t, "sys", messageText(req.Messages[0]))
	assert.Equal(t, "user", string(req.Messages[1].Role))
	assert.Equal(t, "what broke?", messageText(req.Messages[1]))
}

func TestProvider_Complete_NoSystemPrompt(t *testing.T) {
	rec := &recordingCompleter{resp: assistantReply(adviceJSON)}
	p := New(rec)

	_, err := p.Complete(context.Background(), client.Prompt{User: "u"})
	require.NoError(t, err)
	require.Len(t, rec.reqs[0].Messages, 1)
	assert.Equal(t, "llmsdk", p.Name())
}

func TestProvider_Complete_Errors(t *testing.T) {
	boom := errors.New("upstream down")
	p := New(&recordingCompleter{err: boom})
	_, err := p.Complete(context.Background(), client.Prompt{User: "u"})
	assert.ErrorIs(t, err, boom)

	p = New(&recordingCompleter{resp: llm.Response{Model: "m"}})
	_, err = p.Complete(context.Background(), client.Prompt{User: "u"})
	assert.ErrorContains(t, err, "no text content")
}

func TestProvider_Complete_ThroughSDKClient(t *testing.T) {
	adapter := &llmmock.Adapter{}
	adapter.EnqueueComplete(assistantReply(adviceJSON), nil)
	adapter.EnqueueComplete(llm.Response{}, errors.New("rate limited"))

	c := llm.NewClient(
		map[llm.Provider]llm.ProviderAdapter{llm.ProviderOpenAI: adapter},
		llm.WithDefaultProvider(llm.ProviderOpenAI),
	)
	p := New(c, WithName("sdk"))

	out, err := p.Complete(context.Background(), client.Prompt{System: "sys", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, adviceJSON, out)

	_, err = p.Complete(context.Background(), client.Prompt{User: "u"})
	assert.ErrorContains(t, err, "rate limited")
}
