package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/retry"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ResultPayload describes one completed job invocation.
type ResultPayload struct {
	BindingID   string         `json:"binding_id"`
	JobID       uint64         `json:"job_id"`
	Job         string         `json:"job"`
	Contract    string         `json:"contract"`
	Event       string         `json:"event"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      string         `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Status      string         `json:"status"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
}

// Sender reports job results to an external system.
type Sender interface {
	Send(ctx context.Context, payload ResultPayload) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
	backoff retry.Backoff
	// withResult adds the structured payload next to the rendered text.
	withResult bool
}

// NewWebhookSender builds a generic HTTP sink. The body carries the rendered text and the
// structured result.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	s, err := newHTTPSender(url, method, tmpl, headers)
	if err != nil {
		return nil, err
	}
	s.withResult = true
	return s, nil
}

func newHTTPSender(url, method, tmpl string, headers map[string]string) (*httpSender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
		backoff: retry.Exponential(2, 500*time.Millisecond),
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return newTextSender(url, tmpl)
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return newTextSender(url, tmpl)
}

func newTextSender(url, tmpl string) (Sender, error) {
	s, err := newHTTPSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FromConfig builds the sender for a configured sink.
func FromConfig(s config.Sink) (Sender, error) {
	switch strings.ToLower(s.Type) {
	case "slack":
		return NewSlackSender(s.WebhookURL, s.Template)
	case "teams":
		return NewTeamsSender(s.WebhookURL, s.Template)
	case "webhook":
		return NewWebhookSender(s.URL, s.Method, s.Template, map[string]string{
			"Content-Type": "application/json",
		})
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", s.Type)
	}
}

// Send posts the payload, retrying transport failures and 5xx responses.
func (s *httpSender) Send(ctx context.Context, payload ResultPayload) error {
	bodyStr, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	body := map[string]any{"text": bodyStr}
	if s.withResult {
		body["result"] = payload
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	_, err = retry.Do(ctx, s.backoff, func(ctx context.Context) error {
		return s.post(ctx, reqBody)
	}, nil)
	return err
}

func (s *httpSender) post(ctx context.Context, reqBody []byte) error {
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return retry.Permanent(fmt.Errorf("sink http status %d", resp.StatusCode))
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = "JOB {{.Job}} {{.Status}} {{.TxHash}}{{if .Error}} {{.Error}}{{end}}"
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
