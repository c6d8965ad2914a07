package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type timingRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *timingRecorder) RecordTiming(op string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *timingRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	rec := &timingRecorder{}
	c, err := New(Config{BaseURL: srv.URL + "/v1", Model: "test-model", Timings: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, rec
}

func completion(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
		"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`, content)
}

func chunk(delta string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model",
		"choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, delta)
}

func TestGenerate(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completion("hello there"))
	})

	out, err := c.Generate(context.Background(), Request{System: "be kind", User: "hi", Model: "override-model"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("want %q got %q", "hello there", out)
	}
	if got.Model != "override-model" {
		t.Fatalf("request model: want override-model got %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if len(rec.ops) != 1 || rec.ops[0] != "llm_generate" {
		t.Fatalf("timings not recorded: %v", rec.ops)
	}
}

func TestGenerate_BackendError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	})
	if _, err := c.Generate(context.Background(), Request{User: "hi"}); err == nil {
		t.Fatalf("expected error on 500")
	}
}

func TestStream(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, d := range []string{"Hel", "lo", ", world"} {
			fmt.Fprintf(w, "data: %s\n\n", chunk(d))
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	err := c.Stream(context.Background(), Request{User: "hi"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Hello, world" {
		t.Fatalf("want %q got %q (%q)", "Hello, world", got, deltas)
	}
	if len(rec.ops) != 1 || rec.ops[0] != "llm_stream" {
		t.Fatalf("timings not recorded: %v", rec.ops)
	}
}

func TestStream_EmitErrorAborts(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"a", "b", "c"} {
			fmt.Fprintf(w, "data: %s\n\n", chunk(d))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stop := errors.New("stop")
	calls := 0
	err := c.Stream(context.Background(), Request{User: "hi"}, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("want emit error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("emit called %d times after error", calls)
	}
}
