package lightx2v

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"visionbatch/internal/infra"
)

// Normalized remote task states. Anything else is reported verbatim.
const (
	StatusSucceed   = "SUCCEED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusUnknown   = "UNKNOWN"
)

const (
	DefaultBaseURL    = "https://x2v.light-ai.top"
	DefaultOutputName = "output_video"

	defaultTask           = "s2v"
	defaultModelClass     = "SekoTalk"
	defaultStage          = "single_stage"
	DefaultPrompt         = "根据音频生成对应视频"
	defaultNegativePrompt = "色调艳丽，过曝，静态，细节模糊不清，字幕，风格，作品，画作，画面，静止，整体发灰，最差质量，低质量，JPEG压缩残留，丑陋的，残缺的，多余的手指，画得不好的手部，画得不好的脸部，畸形的，毁容的，形态畸形的肢体，手指融合，静止不动的画面，杂乱的背景，三条腿，背景人很多，倒着走"
	defaultCFGScale       = 5
	defaultDuration       = 7
)

var (
	// ErrTimeout is returned by WaitUntilTerminal when the wall-clock budget
	// runs out before the task reaches a terminal state.
	ErrTimeout = errors.New("lightx2v: timed out waiting for task")
	// ErrMissingTaskID indicates a successful submit response without task_id.
	ErrMissingTaskID = errors.New("lightx2v: no task_id in response")
	// ErrMissingURL indicates a url lookup response without url.
	ErrMissingURL = errors.New("lightx2v: no url in response")
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("lightx2v: %s: HTTP %d: %s", e.Op, e.StatusCode, body)
}

// TransportError wraps failures to reach the service or decode its answer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lightx2v: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResumeRefusedError carries the message returned when the service declines
// to resume a task.
type ResumeRefusedError struct {
	Message string
}

func (e *ResumeRefusedError) Error() string {
	if e.Message == "" {
		return "Resume failed"
	}
	return e.Message
}

// Options configures the client.
type Options struct {
	AccessToken    string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client talks to the /api/v1/task endpoints. It keeps no per-task state.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// Media is an inline base64 payload.
type Media struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// SubmitRequest describes one speech-to-video task. Empty fields fall back
// to the service defaults used by the batch pipeline.
type SubmitRequest struct {
	Task           string
	ModelClass     string
	Stage          string
	Prompt         string
	NegativePrompt string
	CFGScale       int
	Duration       int
	Seed           *int
	Image          []byte
	Audio          []byte
}

type submitPayload struct {
	Task           string `json:"task"`
	ModelClass     string `json:"model_cls"`
	Stage          string `json:"stage"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	CFGScale       int    `json:"cfg_scale"`
	Duration       int    `json:"duration"`
	Seed           *int   `json:"seed,omitempty"`
	InputImage     *Media `json:"input_image,omitempty"`
	InputAudio     *Media `json:"input_audio,omitempty"`
}

// TaskState is a normalized query answer.
type TaskState struct {
	TaskID string
	Status string
	Raw    map[string]any
}

// IsTerminal reports whether the remote task will not change any more.
func (s *TaskState) IsTerminal() bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusSucceed, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// NewClient constructs a client with defaults applied.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		token:      strings.TrimSpace(opts.AccessToken),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// UpdateToken swaps the bearer token used by subsequent calls.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
	c.logger.Info().Msg("lightx2v: access token updated")
}

// HasCredentials reports whether a bearer token is configured.
func (c *Client) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Submit queues a task and returns its remote identifier. It does not wait
// for the task to run.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload := submitPayload{
		Task:           firstNonEmpty(req.Task, defaultTask),
		ModelClass:     firstNonEmpty(req.ModelClass, defaultModelClass),
		Stage:          firstNonEmpty(req.Stage, defaultStage),
		Prompt:         firstNonEmpty(strings.TrimSpace(req.Prompt), DefaultPrompt),
		NegativePrompt: firstNonEmpty(strings.TrimSpace(req.NegativePrompt), defaultNegativePrompt),
		CFGScale:       req.CFGScale,
		Duration:       req.Duration,
		Seed:           req.Seed,
	}
	if payload.CFGScale <= 0 {
		payload.CFGScale = defaultCFGScale
	}
	if payload.Duration <= 0 {
		payload.Duration = defaultDuration
	}
	if len(req.Image) > 0 {
		payload.InputImage = &Media{Type: "base64", Data: base64.StdEncoding.EncodeToString(req.Image)}
	}
	if len(req.Audio) > 0 {
		payload.InputAudio = &Media{Type: "base64", Data: base64.StdEncoding.EncodeToString(req.Audio)}
	}
	out, err := c.do(ctx, "submit", http.MethodPost, "/api/v1/task/submit", nil, payload)
	if err != nil {
		return "", err
	}
	taskID := stringField(out, "task_id")
	if taskID == "" {
		return "", ErrMissingTaskID
	}
	c.logger.Debug().Str("task_id", taskID).Msg("lightx2v: task submitted")
	return taskID, nil
}

// Query fetches the current task state.
func (c *Client) Query(ctx context.Context, taskID string) (*TaskState, error) {
	out, err := c.do(ctx, "query", http.MethodGet, "/api/v1/task/query", url.Values{"task_id": {taskID}}, nil)
	if err != nil {
		return nil, err
	}
	return &TaskState{TaskID: taskID, Status: NormalizeStatus(out["status"]), Raw: out}, nil
}

// Cancel asks the service to stop a task. The result is advisory.
func (c *Client) Cancel(ctx context.Context, taskID string) (bool, error) {
	out, err := c.do(ctx, "cancel", http.MethodGet, "/api/v1/task/cancel", url.Values{"task_id": {taskID}}, nil)
	if err != nil {
		return false, err
	}
	msg := strings.ToLower(stringField(out, "msg"))
	return strings.Contains(msg, "cancel"), nil
}

// Resume restarts a failed or cancelled task the service still knows about.
// A refusal is reported as *ResumeRefusedError.
func (c *Client) Resume(ctx context.Context, taskID string) (bool, error) {
	out, err := c.do(ctx, "resume", http.MethodGet, "/api/v1/task/resume", url.Values{"task_id": {taskID}}, nil)
	if err != nil {
		return false, err
	}
	msg := strings.TrimSpace(stringField(out, "msg"))
	if strings.EqualFold(msg, "ok") {
		return true, nil
	}
	return false, &ResumeRefusedError{Message: msg}
}

// ResultURL resolves a short-lived download URL for a task output. Callers
// must not cache the answer.
func (c *Client) ResultURL(ctx context.Context, taskID, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultOutputName
	}
	return c.lookupURL(ctx, "result_url", "/api/v1/task/result_url", url.Values{"task_id": {taskID}, "name": {name}})
}

// InputURL resolves a short-lived URL for one of the task inputs.
func (c *Client) InputURL(ctx context.Context, taskID, name, filename string) (string, error) {
	params := url.Values{"task_id": {taskID}, "name": {name}}
	if filename != "" {
		params.Set("filename", filename)
	}
	return c.lookupURL(ctx, "input_url", "/api/v1/task/input_url", params)
}

// WaitUntilTerminal polls Query every interval until the task is terminal.
// It returns ErrTimeout once timeout elapses, and the Query error as-is when
// the service cannot be reached.
func (c *Client) WaitUntilTerminal(ctx context.Context, taskID string, interval, timeout time.Duration) (*TaskState, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		state, err := c.Query(waitCtx, taskID)
		if err != nil {
			if timedOut() {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if state.IsTerminal() {
			return state, nil
		}
		select {
		case <-waitCtx.Done():
			if timedOut() {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) lookupURL(ctx context.Context, op, path string, params url.Values) (string, error) {
	out, err := c.do(ctx, op, http.MethodGet, path, params, nil)
	if err != nil {
		return "", err
	}
	u := stringField(out, "url")
	if u == "" {
		return "", ErrMissingURL
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body any) (map[string]any, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("op", op).Msg("lightx2v: request failed")
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("lightx2v: unexpected status")
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}

// NormalizeStatus upper-cases a remote status value. Missing values map to
// StatusUnknown.
func NormalizeStatus(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return StatusUnknown
	case string:
		s = t
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return StatusUnknown
	}
	// Casers are stateful, so one is built per call.
	return cases.Upper(language.Und).String(s)
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
