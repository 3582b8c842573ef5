package task

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pythmata/pythmata-go/engine"
	"github.com/pythmata/pythmata-go/engine/emit"
)

func TestHTTPTask(t *testing.T) {
	ctx := context.Background()

	t.Run("GET with placeholder URL and JSON response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/orders/42" {
				t.Errorf("path = %s", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status": "shipped", "items": 3}`))
		}))
		defer srv.Close()

		task := NewHTTPTask(srv.Client())
		result, err := task.Execute(ctx, engine.ServiceTaskContext{
			InstanceID: "inst-1",
			TaskID:     "fetch_order",
			Variables:  map[string]any{"order_id": float64(42)},
		}, map[string]string{"url": srv.URL + "/orders/{order_id}"})
		if err != nil {
			t.Fatal(err)
		}
		if result["status_code"] != float64(200) {
			t.Fatalf("status_code = %v", result["status_code"])
		}
		doc, ok := result["json"].(map[string]any)
		if !ok {
			t.Fatalf("json = %T", result["json"])
		}
		if doc["status"] != "shipped" {
			t.Fatalf("json.status = %v", doc["status"])
		}
	})

	t.Run("POST sends interpolated body and headers", func(t *testing.T) {
		var gotBody []byte
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		task := NewHTTPTask(srv.Client())
		result, err := task.Execute(ctx, engine.ServiceTaskContext{
			TaskID:    "notify",
			Variables: map[string]any{"customer": "acme", "token": "s3cret"},
		}, map[string]string{
			"url":     srv.URL,
			"method":  "POST",
			"body":    `{"customer": "{customer}"}`,
			"headers": `{"Authorization": "Bearer {token}"}`,
		})
		if err != nil {
			t.Fatal(err)
		}
		if result["status_code"] != float64(201) {
			t.Fatalf("status_code = %v", result["status_code"])
		}
		var sent map[string]any
		if err := json.Unmarshal(gotBody, &sent); err != nil || sent["customer"] != "acme" {
			t.Fatalf("body = %s", gotBody)
		}
		if gotAuth != "Bearer s3cret" {
			t.Fatalf("authorization = %q", gotAuth)
		}
	})

	t.Run("non-2xx is a result, not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer srv.Close()

		task := NewHTTPTask(srv.Client())
		result, err := task.Execute(ctx, engine.ServiceTaskContext{TaskID: "probe"},
			map[string]string{"url": srv.URL})
		if err != nil {
			t.Fatal(err)
		}
		if result["status_code"] != float64(404) {
			t.Fatalf("status_code = %v", result["status_code"])
		}
	})

	t.Run("configuration errors", func(t *testing.T) {
		task := NewHTTPTask(nil)
		if _, err := task.Execute(ctx, engine.ServiceTaskContext{TaskID: "x"}, map[string]string{}); err == nil {
			t.Error("missing url accepted")
		}
		if _, err := task.Execute(ctx, engine.ServiceTaskContext{TaskID: "x"},
			map[string]string{"url": "http://localhost", "method": "PATCH"}); err == nil {
			t.Error("unsupported method accepted")
		}
		if _, err := task.Execute(ctx, engine.ServiceTaskContext{TaskID: "x"},
			map[string]string{"url": "http://localhost", "timeout": "soon"}); err == nil {
			t.Error("bad timeout accepted")
		}
	})
}

func TestLoggerTask(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	task := NewLoggerTask(emitter)

	result, err := task.Execute(context.Background(), engine.ServiceTaskContext{
		InstanceID: "inst-1",
		TaskID:     "log_step",
		Variables:  map[string]any{"customer": "acme", "total": float64(99.5)},
	}, map[string]string{
		"level":   "warn",
		"message": "order for {customer}: {total}",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result["logged_message"] != "order for acme: 99.5" {
		t.Fatalf("logged_message = %v", result["logged_message"])
	}

	events := emitter.GetHistoryWithFilter("inst-1", emit.HistoryFilter{Type: "SERVICE_LOG"})
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Meta["level"] != "warn" {
		t.Fatalf("level = %v", events[0].Meta["level"])
	}
}

func TestInterpolate(t *testing.T) {
	vars := map[string]any{"a": "x", "n": float64(7), "obj": map[string]any{"k": "v"}}
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"{a}", "x"},
		{"n={n}", "n=7"},
		{"{missing}", "{missing}"},
		{"{a}{n}", "x7"},
		{"{obj}", `{"k":"v"}`},
		{"unclosed {a", "unclosed {a"},
	}
	for _, tc := range cases {
		if got := interpolate(tc.in, vars); got != tc.want {
			t.Errorf("interpolate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry(nil)
	for _, name := range []string{"http", "logger"} {
		if _, ok := reg.Resolve(name); !ok {
			t.Errorf("%s not registered", name)
		}
	}
}
