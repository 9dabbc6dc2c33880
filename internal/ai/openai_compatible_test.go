package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newStreamServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func deltaLine(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, content)
}

func newTestClient(baseURL string) *OpenAICompatibleClient {
	return NewOpenAICompatibleClient(ChatConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "test-model",
	})
}

func TestStreamDeliversFragmentsInOrder(t *testing.T) {
	server := newStreamServer(t, []string{
		deltaLine("Hello"),
		deltaLine(", "),
		`data: {"choices":[{"delta":{}}]}`,
		deltaLine("world"),
		"data: [DONE]",
	})
	client := newTestClient(server.URL)

	var got []string
	err := client.Stream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, func(fragment string) error {
		got = append(got, fragment)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"Hello", ", ", "world"}
	if len(got) != len(want) {
		t.Fatalf("fragments = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fragment[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamSkipsMalformedChunks(t *testing.T) {
	server := newStreamServer(t, []string{
		"data: {not json",
		": keep-alive comment",
		deltaLine("ok"),
		"data: [DONE]",
	})
	client := newTestClient(server.URL)

	var got []string
	err := client.Stream(context.Background(), nil, func(fragment string) error {
		got = append(got, fragment)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("fragments = %v, want just %q", got, "ok")
	}
}

func TestStreamReturnsCallbackErrorUnwrapped(t *testing.T) {
	server := newStreamServer(t, []string{
		deltaLine("first"),
		deltaLine("second"),
		"data: [DONE]",
	})
	client := newTestClient(server.URL)

	abort := errors.New("sink gone")
	var calls int
	err := client.Stream(context.Background(), nil, func(string) error {
		calls++
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("err = %v, want the callback error back unchanged", err)
	}
	if calls != 1 {
		t.Fatalf("callback calls = %d, want the stream aborted after 1", calls)
	}
}

func TestStreamSurfacesHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	client := newTestClient(server.URL)

	err := client.Stream(context.Background(), nil, func(string) error {
		t.Fatal("no fragment expected on HTTP failure")
		return nil
	})
	if err == nil {
		t.Fatal("want error for non-2xx response")
	}
}

func TestStreamHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "%s\n\n", deltaLine("partial"))
		flusher.Flush()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	client := newTestClient(server.URL)

	err := client.Stream(ctx, nil, func(string) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
