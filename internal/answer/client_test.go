package answer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientAnswer(t *testing.T) {
	t.Parallel()

	var got answerRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/answer" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"text":"Цены в приложении","attachments":[{"name":"Прайс","doc_id":"d1","url":"https://example.com/p.pdf"}]}`)
	}))
	defer srv.Close()

	client, err := NewClient(newTestLogger(), Options{BaseURL: srv.URL + "/", Token: "secret"}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	answer, err := client.Answer(context.Background(), channel.AnswerRequest{
		Text:      "сколько стоит?",
		Project:   "alpha",
		SessionID: "s-1",
		Channel:   "telegram",
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got.Question != "сколько стоит?" || got.Project != "alpha" || got.SessionID != "s-1" || got.Channel != "telegram" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %q", auth)
	}
	if answer.Text != "Цены в приложении" || len(answer.Attachments) != 1 || answer.Attachments[0].DocumentID != "d1" {
		t.Fatalf("unexpected answer: %+v", answer)
	}
}

func TestClientAnswerStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(newTestLogger(), Options{BaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Answer(context.Background(), channel.AnswerRequest{Text: "q", Project: "alpha"})
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(nil, Options{}, nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
