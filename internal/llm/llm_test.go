package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type generatorFunc func(ctx context.Context, req Request, consumer func(Chunk) error) error

func (f generatorFunc) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	return f(ctx, req, consumer)
}

func TestCompleteJoinsChunks(t *testing.T) {
	gen := generatorFunc(func(_ context.Context, _ Request, consumer func(Chunk) error) error {
		for _, part := range []string{" The sky ", "is blue ", "because... "} {
			if err := consumer(Chunk{Content: part, Partial: true}); err != nil {
				return err
			}
		}
		return nil
	})
	reply, err := Complete(context.Background(), gen, Request{Prompt: "Why is the sky blue?"})
	require.NoError(t, err)
	assert.Equal(t, "The sky is blue because...", reply)
}

func TestCompleteClassifiesFailures(t *testing.T) {
	failing := generatorFunc(func(context.Context, Request, func(Chunk) error) error {
		return errors.New("connection refused")
	})
	_, err := Complete(context.Background(), failing, Request{})
	assert.Equal(t, fault.Generation, fault.KindOf(err))

	blank := generatorFunc(func(_ context.Context, _ Request, consumer func(Chunk) error) error {
		return consumer(Chunk{Content: "   "})
	})
	_, err = Complete(context.Background(), blank, Request{})
	assert.ErrorIs(t, err, ErrEmptyReply)
	assert.Equal(t, fault.Generation, fault.KindOf(err))
}

func TestMockGenerator(t *testing.T) {
	gen, err := New(config.LLMConfig{Mode: "mock"}, newLogger())
	require.NoError(t, err)
	reply, err := Complete(context.Background(), gen, Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Contains(t, reply, "hello")
}

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.Equal(t, "You are Alan Watts.", req.System)
		assert.True(t, req.Stream)
		for _, part := range []string{"Light ", "scatters."} {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"response":"","done":true,"eval_count":7,"prompt_eval_count":12}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "", srv.Client())
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "Why is the sky blue?", System: "You are Alan Watts."}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.False(t, chunks[2].Partial)
	assert.Equal(t, 7, chunks[2].CompletionTokens)
	assert.Equal(t, 12, chunks[2].PromptTokens)
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, "llama3", srv.Client()), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
	assert.True(t, fault.Is(err, fault.Generation))
}

func TestOpenAIGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "chat/completions")
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body["model"])
		msgs, _ := body["messages"].([]any)
		assert.Len(t, msgs, 2)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"llama3",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"The sky is a mirror."}}],
"usage":{"prompt_tokens":9,"completion_tokens":5,"total_tokens":14}}`)
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator(config.LLMConfig{Endpoint: srv.URL + "/v1", APIKey: "test", Model: "llama3"}, srv.Client())
	reply, err := Complete(context.Background(), gen, Request{System: "persona", Prompt: "Why is the sky blue?"})
	require.NoError(t, err)
	assert.Equal(t, "The sky is a mirror.", reply)
}

func TestExecGenerator(t *testing.T) {
	script := filepath.Join(t.TempDir(), "llm.sh")
	body := "#!/bin/sh\ncat >/dev/null\necho '{\"content\":\"All is play.\",\"completion_tokens\":3}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	gen, err := New(config.LLMConfig{Mode: "exec", Command: "sh " + script}, newLogger())
	require.NoError(t, err)
	reply, err := Complete(context.Background(), gen, Request{Prompt: "what is play?"})
	require.NoError(t, err)
	assert.Equal(t, "All is play.", reply)
}
