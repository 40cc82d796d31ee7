package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/retry"
)

func TestSlackSenderRendersTemplate(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "{{.Job}} {{.Status}} {{short_addr .TxHash}} {{.Output}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	err = sender.Send(context.Background(), ResultPayload{
		Job: "say_hello", Status: StatusOK, TxHash: "0x1234567890abcdef", Output: "Hello, 0xABCD!",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(got), &body); err != nil {
		t.Fatalf("payload is not json: %v (%s)", err, got)
	}
	if !strings.Contains(body["text"], "say_hello ok 0x1234...cdef Hello, 0xABCD!") {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestDefaultTemplateIncludesError(t *testing.T) {
	tmpl, err := parseTemplate("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := executeTemplate(tmpl, ResultPayload{Job: "say_hello", Status: StatusError, TxHash: "0xabc", Error: "boom"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "JOB say_hello error 0xabc boom" {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"bad_gateway_retried", http.StatusBadGateway, 3},
		{"bad_request_not_retried", http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
			if err != nil {
				t.Fatalf("sender: %v", err)
			}
			sender.(*httpSender).backoff = retry.Backoff{MaxRetries: 2, InitialDelay: time.Millisecond}

			if err := sender.Send(context.Background(), ResultPayload{BindingID: "b"}); err == nil {
				t.Fatalf("expected error on %d", tt.status)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestWebhookCarriesResult(t *testing.T) {
	var got struct {
		Text   string        `json:"text"`
		Result ResultPayload `json:"result"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, "", "", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	payload := ResultPayload{BindingID: "say_hello", Job: "say_hello", Status: StatusOK, TxHash: "0xabc", LogIndex: 2, Output: "Hello, Alice!"}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Text != "JOB say_hello ok 0xabc" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if got.Result.BindingID != "say_hello" || got.Result.LogIndex != 2 || got.Result.Output != "Hello, Alice!" {
		t.Fatalf("unexpected result %+v", got.Result)
	}
}

func TestFromConfig(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender, err := FromConfig(config.Sink{ID: "hook", Type: "webhook", URL: server.URL, Method: "put"})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if err := sender.Send(context.Background(), ResultPayload{Job: "say_hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if method != http.MethodPut {
		t.Fatalf("expected PUT, got %s", method)
	}

	if _, err := FromConfig(config.Sink{Type: "pager"}); err == nil {
		t.Fatalf("expected unsupported sink type to fail")
	}
	if _, err := FromConfig(config.Sink{Type: "slack"}); err == nil {
		t.Fatalf("expected missing webhook url to fail")
	}
}
