package lightx2v

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type routeTransport struct {
	routes   map[string]func(*http.Request) (int, string)
	lastBody []byte
	lastAuth string
}

func (rt *routeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.lastAuth = req.Header.Get("Authorization")
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		rt.lastBody = body
	}
	status, body := http.StatusNotFound, "not found"
	if fn, ok := rt.routes[req.URL.Path]; ok {
		status, body = fn(req)
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func newTestClient(rt *routeTransport) *Client {
	return NewClient(Options{
		AccessToken: "tok",
		BaseURL:     "https://lightx2v.test/",
		HTTPClient:  &http.Client{Transport: rt},
	})
}

func TestSubmitPayload(t *testing.T) {
	rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
		"/api/v1/task/submit": func(*http.Request) (int, string) { return http.StatusCreated, `{"task_id":"task-1"}` },
	}}
	client := newTestClient(rt)
	seed := 42
	id, err := client.Submit(context.Background(), SubmitRequest{
		Prompt: "say hello",
		Seed:   &seed,
		Image:  []byte{0x01, 0x02},
		Audio:  []byte("RIFF"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "task-1" {
		t.Fatalf("task id = %q", id)
	}
	if rt.lastAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", rt.lastAuth)
	}

	var payload map[string]any
	if err := json.Unmarshal(rt.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	for key, want := range map[string]any{
		"task": "s2v", "model_cls": "SekoTalk", "stage": "single_stage",
		"prompt": "say hello", "cfg_scale": float64(5), "duration": float64(7), "seed": float64(42),
	} {
		if payload[key] != want {
			t.Fatalf("%s = %v, want %v", key, payload[key], want)
		}
	}
	if payload["negative_prompt"] == "" {
		t.Fatalf("negative_prompt should default")
	}
	img := payload["input_image"].(map[string]any)
	if img["type"] != "base64" {
		t.Fatalf("input_image.type = %v", img["type"])
	}
	raw, err := base64.StdEncoding.DecodeString(img["data"].(string))
	if err != nil || len(raw) != 2 {
		t.Fatalf("input_image.data not base64 of source: %v %v", raw, err)
	}
	if _, ok := payload["input_audio"]; !ok {
		t.Fatalf("input_audio missing")
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{name: "missing task id", status: http.StatusOK, body: `{"msg":"queued"}`, check: func(err error) bool { return errors.Is(err, ErrMissingTaskID) }},
		{name: "http error", status: http.StatusBadGateway, body: `upstream`, check: func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadGateway
		}},
		{name: "bad json", status: http.StatusOK, body: `{`, check: func(err error) bool {
			var tErr *TransportError
			return errors.As(err, &tErr)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
				"/api/v1/task/submit": func(*http.Request) (int, string) { return tc.status, tc.body },
			}}
			_, err := newTestClient(rt).Submit(context.Background(), SubmitRequest{})
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestQueryNormalizesStatus(t *testing.T) {
	rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
		"/api/v1/task/query": func(r *http.Request) (int, string) {
			if r.URL.Query().Get("task_id") != "task-9" {
				return http.StatusBadRequest, "{}"
			}
			return http.StatusOK, `{"status":" succeed ","progress":1}`
		},
	}}
	state, err := newTestClient(rt).Query(context.Background(), "task-9")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state.Status != StatusSucceed || !state.IsTerminal() {
		t.Fatalf("status = %q", state.Status)
	}
	if NormalizeStatus(nil) != StatusUnknown {
		t.Fatalf("nil status should be unknown")
	}
	if NormalizeStatus("running") != "RUNNING" {
		t.Fatalf("non-terminal status should be upper-cased verbatim")
	}
}

func TestCancelAndResume(t *testing.T) {
	cancelMsg := "Task cancelled successfully"
	resumeMsg := " OK "
	rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
		"/api/v1/task/cancel": func(*http.Request) (int, string) { return http.StatusOK, `{"msg":"` + cancelMsg + `"}` },
		"/api/v1/task/resume": func(*http.Request) (int, string) { return http.StatusOK, `{"msg":"` + resumeMsg + `"}` },
	}}
	client := newTestClient(rt)

	ok, err := client.Cancel(context.Background(), "t")
	if err != nil || !ok {
		t.Fatalf("cancel = %v %v", ok, err)
	}
	cancelMsg = "task not found"
	if ok, _ := client.Cancel(context.Background(), "t"); ok {
		t.Fatalf("cancel should report false for unrelated message")
	}

	ok, err = client.Resume(context.Background(), "t")
	if err != nil || !ok {
		t.Fatalf("resume = %v %v", ok, err)
	}
	resumeMsg = "task already succeeded"
	ok, err = client.Resume(context.Background(), "t")
	var refused *ResumeRefusedError
	if ok || !errors.As(err, &refused) || refused.Message != "task already succeeded" {
		t.Fatalf("expected refusal, got %v %v", ok, err)
	}
}

func TestAnySuccessStatusIsAccepted(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "accepted", status: http.StatusAccepted, body: `{"msg":"Task cancelled successfully"}`},
		{name: "no content", status: http.StatusNoContent, body: ``},
		{name: "partial content", status: http.StatusPartialContent, body: `{"msg":"cancel queued"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
				"/api/v1/task/cancel": func(*http.Request) (int, string) { return tc.status, tc.body },
			}}
			ok, err := newTestClient(rt).Cancel(context.Background(), "t")
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				t.Fatalf("status %d reported as API error: %v", tc.status, err)
			}
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if want := tc.body != ""; ok != want {
				t.Fatalf("cancel = %v, want %v", ok, want)
			}
		})
	}

	rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
		"/api/v1/task/cancel": func(*http.Request) (int, string) { return http.StatusMultipleChoices, `moved` },
	}}
	var apiErr *APIError
	if _, err := newTestClient(rt).Cancel(context.Background(), "t"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusMultipleChoices {
		t.Fatalf("expected APIError for 300, got %v", err)
	}
}

func TestResultURL(t *testing.T) {
	rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
		"/api/v1/task/result_url": func(r *http.Request) (int, string) {
			if r.URL.Query().Get("name") != DefaultOutputName {
				return http.StatusOK, `{}`
			}
			return http.StatusOK, `{"url":"https://cdn.test/out.mp4?sig=1"}`
		},
		"/api/v1/task/input_url": func(r *http.Request) (int, string) {
			return http.StatusOK, `{"url":"https://cdn.test/` + r.URL.Query().Get("filename") + `"}`
		},
	}}
	client := newTestClient(rt)
	u, err := client.ResultURL(context.Background(), "t", "")
	if err != nil || u != "https://cdn.test/out.mp4?sig=1" {
		t.Fatalf("result url = %q %v", u, err)
	}
	if _, err := client.ResultURL(context.Background(), "t", "other"); !errors.Is(err, ErrMissingURL) {
		t.Fatalf("expected ErrMissingURL, got %v", err)
	}
	u, err = client.InputURL(context.Background(), "t", "input_image", "a.png")
	if err != nil || u != "https://cdn.test/a.png" {
		t.Fatalf("input url = %q %v", u, err)
	}
}

func TestWaitUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		status := "RUNNING"
		if n >= 3 {
			status = "FAILED"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status})
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	state, err := client.WaitUntilTerminal(context.Background(), "t", 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state.Status != StatusFailed || calls.Load() != 3 {
		t.Fatalf("status = %q after %d calls", state.Status, calls.Load())
	}
}

func TestWaitUntilTerminalTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"RUNNING"}`))
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	_, err := client.WaitUntilTerminal(context.Background(), "t", 5*time.Millisecond, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWaitUntilTerminalTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})
	_, err := client.WaitUntilTerminal(context.Background(), "t", 5*time.Millisecond, time.Second)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestUpdateToken(t *testing.T) {
	rt := &routeTransport{routes: map[string]func(*http.Request) (int, string){
		"/api/v1/task/query": func(*http.Request) (int, string) { return http.StatusOK, `{"status":"RUNNING"}` },
	}}
	client := newTestClient(rt)
	client.UpdateToken(" fresh ")
	if _, err := client.Query(context.Background(), "t"); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rt.lastAuth != "Bearer fresh" {
		t.Fatalf("authorization = %q", rt.lastAuth)
	}
}
