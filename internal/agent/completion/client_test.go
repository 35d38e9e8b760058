package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/maestro-chat/server/internal/agent/model"
	"github.com/maestro-chat/server/internal/agent/request"
	errx "github.com/maestro-chat/server/internal/core/error"
)

func testPayload() request.Payload {
	return request.Payload{
		Model: "openai",
		Messages: []request.Message{
			{Role: "system", Content: "You are Antonio Vivaldi."},
			{Role: "assistant", Content: "Buongiorno!"},
			{Role: "user", Content: "Tell me about the Four Seasons"},
		},
		Temperature: 1.0,
	}
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	client, err := NewClient(Config{URL: url, Timeout: 5 * time.Second}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func wantKind(t *testing.T, err error, kind errx.Kind) *errx.CompletionError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var ce *errx.CompletionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *errx.CompletionError, got %T: %v", err, err)
	}
	if ce.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, ce.Kind, err)
	}
	return ce
}

func TestComplete_Success(t *testing.T) {
	var got request.Payload
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Ah, Le quattro stagioni!"}},
				{"message": map[string]any{"role": "assistant", "content": "second candidate"}},
			},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, APIKey: "secret", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	text, err := client.Complete(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if text != "Ah, Le quattro stagioni!" {
		t.Errorf("expected first candidate, got %q", text)
	}
	if auth != "Bearer secret" {
		t.Errorf("expected bearer header, got %q", auth)
	}
	if got.Model != "openai" || got.Temperature != 1.0 || got.Stream || got.Private {
		t.Errorf("unexpected request fields: %+v", got)
	}
	if len(got.Messages) != 3 || got.Messages[0].Role != "system" {
		t.Errorf("unexpected request messages: %+v", got.Messages)
	}
}

func TestComplete_NoAuthHeaderWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("expected no authorization header, got %q", h)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	if _, err := newTestClient(t, server.URL).Complete(context.Background(), testPayload()); err != nil {
		t.Fatal(err)
	}
}

func TestComplete_EmptyChoicesFallback(t *testing.T) {
	for name, body := range map[string]string{
		"empty list":    `{"choices":[]}`,
		"missing list":  `{"id":"x"}`,
		"null content":  `{"choices":[{"message":{"content":null}}]}`,
		"blank content": `{"choices":[{"message":{"content":"  "}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := jsonServer(t, http.StatusOK, body)
			text, err := newTestClient(t, server.URL).Complete(context.Background(), testPayload())
			if err != nil {
				t.Fatalf("empty result must not fail: %v", err)
			}
			if text != model.DefaultEmptyReply {
				t.Errorf("expected fallback reply, got %q", text)
			}
		})
	}
}

func TestComplete_CustomEmptyReply(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"choices":[]}`)
	client, err := NewClient(Config{URL: server.URL, EmptyReply: "Silence, like a rest in the score."})
	if err != nil {
		t.Fatal(err)
	}
	text, err := client.Complete(context.Background(), testPayload())
	if err != nil {
		t.Fatal(err)
	}
	if text != "Silence, like a rest in the score." {
		t.Errorf("unexpected fallback %q", text)
	}
}

func TestComplete_ServerError(t *testing.T) {
	server := jsonServer(t, http.StatusServiceUnavailable, `{"error":"overloaded"}`)
	_, err := newTestClient(t, server.URL).Complete(context.Background(), testPayload())
	ce := wantKind(t, err, errx.KindServerError)
	if ce.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 preserved, got %d", ce.Code)
	}
	if ce.Message() != "Server error (503). Please try again later." {
		t.Errorf("unexpected banner %q", ce.Message())
	}
}

func TestComplete_MalformedResponse(t *testing.T) {
	for name, body := range map[string]string{
		"html":       `<html>gateway</html>`,
		"wrong type": `{"choices":"nope"}`,
		"truncated":  `{"choices":[{"message":`,
	} {
		t.Run(name, func(t *testing.T) {
			server := jsonServer(t, http.StatusOK, body)
			_, err := newTestClient(t, server.URL).Complete(context.Background(), testPayload())
			wantKind(t, err, errx.KindMalformedResponse)
		})
	}
}

func TestComplete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = client.Complete(context.Background(), testPayload())
	wantKind(t, err, errx.KindTimeout)
	if time.Since(start) > time.Second {
		t.Error("timeout did not bound the exchange")
	}
}

func TestComplete_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, server.URL).Complete(ctx, testPayload())
	wantKind(t, err, errx.KindTimeout)
}

func TestComplete_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url).Complete(context.Background(), testPayload())
	wantKind(t, err, errx.KindNoConnectivity)
}

func TestComplete_HostResolutionFailure(t *testing.T) {
	client := newTestClient(t, "http://chat-endpoint.invalid/openai",
		WithHTTPClient(&http.Client{Transport: &http.Transport{}}))
	_, err := client.Complete(context.Background(), testPayload())
	ce := wantKind(t, err, errx.KindNoConnectivity)
	if ce.Message() != "No internet connection. Please check your network." {
		t.Errorf("unexpected banner %q", ce.Message())
	}
}

func TestComplete_SingleExchangeNoRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Complete(context.Background(), testPayload())
	wantKind(t, err, errx.KindServerError)
	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly one request, got %d", n)
	}
}

func TestComplete_Callbacks(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"choices":[{"message":{"content":"Bravo"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)

	var started, ended atomic.Int32
	var turns atomic.Int32
	handler := callbackHelper.NewHandlerHelper().ChatModel(&callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *einomodel.CallbackInput) context.Context {
			started.Add(1)
			turns.Store(int32(len(input.Messages)))
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *einomodel.CallbackOutput) context.Context {
			ended.Add(1)
			if output.TokenUsage == nil || output.TokenUsage.TotalTokens != 4 {
				t.Errorf("expected usage to be reported, got %+v", output.TokenUsage)
			}
			return ctx
		},
	}).Handler()

	client := newTestClient(t, server.URL, WithCallbacks(handler))
	if _, err := client.Complete(context.Background(), testPayload()); err != nil {
		t.Fatal(err)
	}
	if started.Load() != 1 || ended.Load() != 1 {
		t.Errorf("expected one start and one end, got %d/%d", started.Load(), ended.Load())
	}
	if turns.Load() != 3 {
		t.Errorf("expected 3 turns observed, got %d", turns.Load())
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}
