// Package task provides built-in service task implementations: an HTTP
// caller and a logging task. Embedders register them alongside their own
// tasks:
//
//	registry := task.DefaultRegistry(emitter)
//	registry["charge_card"] = myChargeTask
//	eng := engine.New(durable, fast, engine.WithServiceTaskRegistry(registry))
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pythmata/pythmata-go/engine"
	"github.com/pythmata/pythmata-go/engine/emit"
)

// DefaultRegistry returns a registry with the built-in tasks under their
// canonical names ("http", "logger").
func DefaultRegistry(emitter emit.Emitter) engine.MapRegistry {
	return engine.MapRegistry{
		"http":   NewHTTPTask(nil),
		"logger": NewLoggerTask(emitter),
	}
}

// HTTPTask calls an HTTP endpoint from a service task.
//
// Configuration comes from the task's extension properties:
//   - url (required): target URL; {variable} placeholders are filled
//     from the instance variables visible at the task's scope
//   - method: GET, POST, PUT or DELETE (default GET)
//   - body: request body, same placeholder substitution
//   - headers: JSON object of request headers
//   - timeout: ISO-ish Go duration ("5s", "1m"); default 30s
//
// The result exposes status_code, body and, when the response is JSON,
// the decoded document under "json" for outputMapping paths like
// "json.data.id". Non-2xx responses are results, not errors: route them
// with a gateway on status_code.
type HTTPTask struct {
	client *http.Client
}

// NewHTTPTask wraps the given client (http.DefaultClient when nil).
func NewHTTPTask(client *http.Client) *HTTPTask {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTask{client: client}
}

func (h *HTTPTask) Execute(ctx context.Context, tc engine.ServiceTaskContext, properties map[string]string) (map[string]any, error) {
	urlStr := interpolate(properties["url"], tc.Variables)
	if urlStr == "" {
		return nil, fmt.Errorf("http task %s: url property required", tc.TaskID)
	}

	method := strings.ToUpper(properties["method"])
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, fmt.Errorf("http task %s: unsupported method %s", tc.TaskID, method)
	}

	timeout := 30 * time.Second
	if raw := properties["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("http task %s: bad timeout %q: %w", tc.TaskID, raw, err)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if raw := properties["body"]; raw != "" {
		body = strings.NewReader(interpolate(raw, tc.Variables))
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("http task %s: %w", tc.TaskID, err)
	}
	if raw := properties["headers"]; raw != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("http task %s: bad headers: %w", tc.TaskID, err)
		}
		for k, v := range headers {
			req.Header.Set(k, interpolate(v, tc.Variables))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http task %s: %w", tc.TaskID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http task %s: read response: %w", tc.TaskID, err)
	}

	result := map[string]any{
		"status_code": float64(resp.StatusCode),
		"body":        string(respBody),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var doc any
		if err := json.Unmarshal(respBody, &doc); err == nil {
			result["json"] = doc
		}
	}
	return result, nil
}

// interpolate replaces {name} placeholders with the variable's value.
// Unknown names are left as-is so misconfiguration is visible downstream.
func interpolate(s string, vars map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[open+1 : open+end]
		b.WriteString(s[:open])
		if v, ok := vars[name]; ok {
			b.WriteString(stringify(v))
		} else {
			b.WriteString(s[open : open+end+1])
		}
		s = s[open+end+1:]
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case nil:
		return ""
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(data)
	}
}
