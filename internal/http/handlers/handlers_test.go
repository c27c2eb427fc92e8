package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"visionbatch/internal/adapter/repo"
	"visionbatch/internal/batch"
	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
	"visionbatch/internal/middleware"
	"visionbatch/internal/storage"
)

type fakeRunner struct {
	mu         sync.Mutex
	created    []batch.CreateBatchInput
	dispatched []string
	createErr  error
	cancelOK   bool
	calls      []string
	store      *repo.BatchStore
}

func (f *fakeRunner) CreateBatch(ctx context.Context, in batch.CreateBatchInput) (*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, in)
	images := make([]domain.BatchImage, len(in.Images))
	for i, img := range in.Images {
		images[i] = domain.BatchImage{Name: img.Name, Key: "k" + img.Name}
	}
	n := 0
	b, err := domain.NewBatch(domain.NewBatchParams{ID: "new-batch", UserID: in.UserID, Images: images, CreditsPerUnit: 2},
		func() string { n++; return fmt.Sprintf("n%d", n) }, time.Now())
	if err != nil {
		return nil, err
	}
	return b, f.store.Create(ctx, b)
}

func (f *fakeRunner) Dispatch(ctx context.Context, batchID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, batchID)
}

func (f *fakeRunner) Go(fn func()) { fn() }

func (f *fakeRunner) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRunner) CancelItem(ctx context.Context, batchID, itemID string) (bool, error) {
	f.record("cancel:" + itemID)
	return f.cancelOK, nil
}

func (f *fakeRunner) ResumeItem(ctx context.Context, batchID, itemID string) (bool, error) {
	f.record("resume:" + itemID)
	return true, nil
}

func (f *fakeRunner) ReprocessItem(ctx context.Context, batchID, itemID string) (bool, error) {
	f.record("reprocess:" + itemID)
	return true, nil
}

func (f *fakeRunner) ResubmitItem(ctx context.Context, batchID, itemID string) (bool, error) {
	f.record("resubmit:" + itemID)
	return true, nil
}

func (f *fakeRunner) ResumeFailedItems(ctx context.Context, batchID string) (int, error) {
	f.record("retry_failed:" + batchID)
	return 1, nil
}

type fakeUsers struct {
	users map[string]*domain.User
}

func (f *fakeUsers) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) SetCredits(ctx context.Context, userID string, credits int) (*domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	u.Credits = credits
	return u, nil
}

func (f *fakeUsers) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	var out []domain.User
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

type fakeRemote struct {
	base string
	err  error
}

func (f *fakeRemote) ResultURL(ctx context.Context, taskID, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.base + "/result/" + taskID, nil
}

func (f *fakeRemote) InputURL(ctx context.Context, taskID, name, filename string) (string, error) {
	return f.base + "/input/" + taskID + "/" + name, nil
}

type fakeTokens struct {
	token, by string
	current   string
}

func (f *fakeTokens) SetLightX2VToken(ctx context.Context, token, updatedBy string) error {
	f.token, f.by = token, updatedBy
	return nil
}

func (f *fakeTokens) UpdateToken(token string) { f.current = token }

type testEnv struct {
	app    *App
	runner *fakeRunner
	remote *fakeRemote
	users  *fakeUsers
	tokens *fakeTokens
	store  *repo.BatchStore
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	store := repo.NewBatchStore(blobs, nil)
	env := &testEnv{
		runner: &fakeRunner{store: store, cancelOK: true},
		remote: &fakeRemote{base: "https://cdn.example.com"},
		users: &fakeUsers{users: map[string]*domain.User{
			"u1":    {ID: "u1", Username: "alice", Role: domain.UserRoleUser, Credits: 10},
			"admin": {ID: "admin", Username: "root", Role: domain.UserRoleAdmin},
		}},
		tokens: &fakeTokens{},
		store:  store,
	}
	env.app = &App{
		Config:    &infra.Config{MaxUploadBytes: 10 << 20},
		Logger:    zerolog.New(io.Discard),
		Batches:   store,
		Users:     env.users,
		Runner:    env.runner,
		Remote:    env.remote,
		Tokens:    env.tokens,
		TokenSink: env.tokens,
	}

	r := chi.NewRouter()
	r.Use(middleware.I18N(middleware.LocaleEnglish))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			role := domain.UserRoleUser
			if req.Header.Get("X-Test-User") == "admin" {
				role = domain.UserRoleAdmin
			}
			ctx := middleware.ContextWithUser(req.Context(), req.Header.Get("X-Test-User"), role)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Get("/me", env.app.Me)
	r.Get("/batches", env.app.ListBatches)
	r.Post("/batches", env.app.CreateBatch)
	r.Get("/batches/{batch_id}", env.app.GetBatch)
	r.Get("/batches/{batch_id}/export", env.app.ExportBatch)
	r.Post("/batches/{batch_id}/retry_failed", env.app.RetryFailed)
	r.Get("/batches/{batch_id}/items/{item_id}/result_url", env.app.ItemResultURL)
	r.Get("/batches/{batch_id}/items/{item_id}/input_url", env.app.ItemInputURL)
	r.Post("/batches/{batch_id}/items/{item_id}/cancel", env.app.CancelItem)
	r.Post("/batches/{batch_id}/items/{item_id}/resume", env.app.ResumeItem)
	r.Post("/batches/{batch_id}/items/{item_id}/reprocess", env.app.ReprocessItem)
	r.Post("/batches/{batch_id}/items/{item_id}/resubmit", env.app.ResubmitItem)
	r.Put("/admin/users/{user_id}/credits", env.app.AdminSetCredits)
	r.Put("/admin/lightx2v/token", env.app.AdminSetLightX2VToken)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, target, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// seed stores batch b1 owned by u1 with items i1..iN in the given statuses.
func (e *testEnv) seed(t *testing.T, statuses ...domain.SubJobStatus) {
	t.Helper()
	ctx := context.Background()
	images := make([]domain.BatchImage, len(statuses))
	for i := range statuses {
		images[i] = domain.BatchImage{Name: fmt.Sprintf("photo%d.png", i+1), Key: fmt.Sprintf("k%d", i+1)}
	}
	n := 0
	b, err := domain.NewBatch(domain.NewBatchParams{ID: "b1", UserID: "u1", Name: "demo", Images: images, CreditsPerUnit: 1},
		func() string { n++; return fmt.Sprintf("i%d", n) }, time.Now())
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	if err := e.store.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, status := range statuses {
		id := fmt.Sprintf("i%d", i+1)
		_, err := e.store.UpdateItem(ctx, "b1", id, func(j *domain.SubJob) error {
			if status == domain.SubJobPending {
				return nil
			}
			if err := j.SetRemoteJobID("task-" + id); err != nil {
				return err
			}
			if err := j.Transition(domain.SubJobProcessing, time.Now()); err != nil {
				return err
			}
			return j.Transition(status, time.Now())
		}, domain.PersistNever)
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func multipartBody(t *testing.T, files map[string][]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, names := range files {
		for _, name := range names {
			fw, err := mw.CreateFormFile(field, name)
			if err != nil {
				t.Fatalf("form file: %v", err)
			}
			_, _ = fw.Write([]byte("data-" + name))
		}
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestCreateBatch(t *testing.T) {
	env := newTestEnv(t)
	body, ct := multipartBody(t, map[string][]string{
		"audio":    {"voice.wav"},
		"images[]": {"a.png", "b.png"},
	}, map[string]string{"prompt": "talk", "name": "launch"})

	rr := env.do(t, http.MethodPost, "/batches", "u1", body, ct)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp createBatchResponse
	decode(t, rr, &resp)
	if resp.BatchID != "new-batch" || resp.Items != 2 || resp.CreditsRequired != 4 {
		t.Fatalf("response = %+v", resp)
	}
	if len(env.runner.dispatched) != 1 || env.runner.dispatched[0] != "new-batch" {
		t.Fatalf("dispatched = %v", env.runner.dispatched)
	}
	in := env.runner.created[0]
	if in.UserID != "u1" || in.Prompt != "talk" || in.Name != "launch" || string(in.Audio.Data) != "data-voice.wav" {
		t.Fatalf("input = %+v", in)
	}
}

func TestCreateBatchRejects(t *testing.T) {
	t.Run("missing audio", func(t *testing.T) {
		env := newTestEnv(t)
		body, ct := multipartBody(t, map[string][]string{"images": {"a.png"}}, nil)
		if rr := env.do(t, http.MethodPost, "/batches", "u1", body, ct); rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})
	t.Run("not multipart", func(t *testing.T) {
		env := newTestEnv(t)
		if rr := env.do(t, http.MethodPost, "/batches", "u1", strings.NewReader("{}"), "application/json"); rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})
	t.Run("insufficient credits", func(t *testing.T) {
		env := newTestEnv(t)
		env.runner.createErr = fmt.Errorf("%w: required 4", domain.ErrInsufficientCredits)
		body, ct := multipartBody(t, map[string][]string{"audio": {"v.wav"}, "images": {"a.png"}}, nil)
		rr := env.do(t, http.MethodPost, "/batches", "u1", body, ct)
		if rr.Code != http.StatusPaymentRequired {
			t.Fatalf("status = %d", rr.Code)
		}
		if len(env.runner.dispatched) != 0 {
			t.Fatal("batch dispatched despite error")
		}
	})
	t.Run("unauthenticated", func(t *testing.T) {
		env := newTestEnv(t)
		if rr := env.do(t, http.MethodPost, "/batches", "", nil, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rr.Code)
		}
	})
}

func TestGetBatchOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.SubJobCompleted, domain.SubJobPending)

	tests := []struct {
		name string
		path string
		user string
		want int
	}{
		{"owner", "/batches/b1", "u1", http.StatusOK},
		{"other user", "/batches/b1", "u2", http.StatusForbidden},
		{"admin", "/batches/b1", "admin", http.StatusOK},
		{"missing", "/batches/nope", "u1", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rr := env.do(t, http.MethodGet, tc.path, tc.user, nil, ""); rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}

	rr := env.do(t, http.MethodGet, "/batches/b1", "u1", nil, "")
	var body map[string]any
	decode(t, rr, &body)
	if body["status"] != string(domain.BatchProcessing) {
		t.Fatalf("batch status = %v", body["status"])
	}
	if items, ok := body["items"].([]any); !ok || len(items) != 2 {
		t.Fatalf("items = %v", body["items"])
	}
}

func TestListBatchesPagination(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.SubJobPending)

	rr := env.do(t, http.MethodGet, "/batches?limit=500&offset=0", "u1", nil, "")
	var resp struct {
		Batches []map[string]any `json:"batches"`
		Total   int              `json:"total"`
		Limit   int              `json:"limit"`
	}
	decode(t, rr, &resp)
	if resp.Total != 1 || len(resp.Batches) != 1 || resp.Limit != maxPageSize {
		t.Fatalf("response = %+v", resp)
	}

	rr = env.do(t, http.MethodGet, "/batches?offset=5", "u1", nil, "")
	decode(t, rr, &resp)
	if resp.Total != 1 || len(resp.Batches) != 0 {
		t.Fatalf("offset past end = %+v", resp)
	}

	rr = env.do(t, http.MethodGet, "/batches", "u2", nil, "")
	decode(t, rr, &resp)
	if resp.Total != 0 {
		t.Fatalf("other user sees %d batches", resp.Total)
	}
}

func TestItemActions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.SubJobFailed, domain.SubJobCancelled, domain.SubJobPending, domain.SubJobCompleted)

	tests := []struct {
		name string
		path string
		want int
		call string
	}{
		{"resume failed", "/batches/b1/items/i1/resume", http.StatusAccepted, "resume:i1"},
		{"resume pending refused", "/batches/b1/items/i3/resume", http.StatusConflict, ""},
		{"reprocess cancelled", "/batches/b1/items/i2/reprocess", http.StatusAccepted, "reprocess:i2"},
		{"reprocess failed refused", "/batches/b1/items/i1/reprocess", http.StatusConflict, ""},
		{"resubmit pending", "/batches/b1/items/i3/resubmit", http.StatusAccepted, "resubmit:i3"},
		{"resubmit completed refused", "/batches/b1/items/i4/resubmit", http.StatusConflict, ""},
		{"unknown item", "/batches/b1/items/zz/resume", http.StatusNotFound, ""},
		{"retry failed", "/batches/b1/retry_failed", http.StatusAccepted, "retry_failed:b1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env.runner.calls = nil
			rr := env.do(t, http.MethodPost, tc.path, "u1", nil, "")
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.want, rr.Body.String())
			}
			if tc.call == "" {
				if len(env.runner.calls) != 0 {
					t.Fatalf("unexpected runner calls %v", env.runner.calls)
				}
				return
			}
			if len(env.runner.calls) != 1 || env.runner.calls[0] != tc.call {
				t.Fatalf("calls = %v, want %s", env.runner.calls, tc.call)
			}
		})
	}
}

func TestCancelItem(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.SubJobPending)

	if rr := env.do(t, http.MethodPost, "/batches/b1/items/i1/cancel", "u1", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	env.runner.cancelOK = false
	if rr := env.do(t, http.MethodPost, "/batches/b1/items/i1/cancel", "u1", nil, ""); rr.Code != http.StatusConflict {
		t.Fatalf("finished item status = %d, want 409", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/batches/b1/items/i1/cancel", "u2", nil, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel status = %d, want 403", rr.Code)
	}
}

func TestItemURLs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.SubJobCompleted, domain.SubJobPending)

	rr := env.do(t, http.MethodGet, "/batches/b1/items/i1/result_url", "u1", nil, "")
	var resp urlResponse
	decode(t, rr, &resp)
	if resp.URL != "https://cdn.example.com/result/task-i1" || resp.TaskID != "task-i1" {
		t.Fatalf("result url = %+v", resp)
	}
	if rr := env.do(t, http.MethodGet, "/batches/b1/items/i2/result_url", "u1", nil, ""); rr.Code != http.StatusConflict {
		t.Fatalf("pending result url status = %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/batches/b1/items/i1/input_url", "u1", nil, "")
	decode(t, rr, &resp)
	if resp.URL != "https://cdn.example.com/input/task-i1/input_image" {
		t.Fatalf("input url = %+v", resp)
	}

	env.remote.err = errors.New("boom")
	if rr := env.do(t, http.MethodGet, "/batches/b1/items/i1/result_url", "u1", nil, ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("upstream failure status = %d", rr.Code)
	}
}

func TestExportBatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.SubJobCompleted, domain.SubJobFailed, domain.SubJobCompleted)

	videos := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "task-i3") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("video:" + r.URL.Path))
	}))
	defer videos.Close()
	env.remote.base = videos.URL
	env.app.HTTP = videos.Client()

	rr := env.do(t, http.MethodGet, "/batches/b1/export", "u1", nil, "")
	var list exportResponse
	decode(t, rr, &list)
	if len(list.Items) != 2 || list.Items[0].Filename != "001_photo1.mp4" || list.Items[1].Filename != "003_photo3.mp4" {
		t.Fatalf("export list = %+v", list)
	}

	rr = env.do(t, http.MethodGet, "/batches/b1/export?format=zip", "u1", nil, "")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("zip status = %d type=%s", rr.Code, rr.Header().Get("Content-Type"))
	}
	zr, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "001_photo1.mp4" {
		t.Fatalf("zip entries = %d", len(zr.File))
	}
}

func TestExportWithoutCompletedItems(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.SubJobFailed)
	if rr := env.do(t, http.MethodGet, "/batches/b1/export", "u1", nil, ""); rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/me", "u1", nil, "")
	var u userDTO
	decode(t, rr, &u)
	if u.Username != "alice" || u.Credits != 10 {
		t.Fatalf("me = %+v", u)
	}
	if rr := env.do(t, http.MethodGet, "/me", "ghost", nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d", rr.Code)
	}
}

func TestAdminSetCredits(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
		user string
		want int
	}{
		{"sets balance", `{"credits": 25}`, "u1", http.StatusOK},
		{"negative rejected", `{"credits": -1}`, "u1", http.StatusBadRequest},
		{"missing field", `{}`, "u1", http.StatusBadRequest},
		{"unknown field", `{"credits": 1, "extra": true}`, "u1", http.StatusBadRequest},
		{"unknown user", `{"credits": 1}`, "ghost", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPut, "/admin/users/"+tc.user+"/credits", "admin", strings.NewReader(tc.body), "application/json")
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
	if env.users.users["u1"].Credits != 25 {
		t.Fatalf("credits = %d", env.users.users["u1"].Credits)
	}
}

func TestAdminSetLightX2VToken(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPut, "/admin/lightx2v/token", "admin", strings.NewReader(`{"token":" tok-123456 "}`), "application/json")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if env.tokens.token != "tok-123456" || env.tokens.by != "admin" || env.tokens.current != "tok-123456" {
		t.Fatalf("tokens = %+v", env.tokens)
	}
	rr = env.do(t, http.MethodPut, "/admin/lightx2v/token", "admin", strings.NewReader(`{"token":""}`), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty token status = %d", rr.Code)
	}
}

func TestErrorLocalized(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/batches/missing", nil)
	req.Header.Set("X-Test-User", "u1")
	req.Header.Set("Accept-Language", "zh-CN")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	var body errorBody
	decode(t, rr, &body)
	if rr.Code != http.StatusNotFound || body.Error != "not_found" || body.Message != "资源不存在" || body.Detail == "" {
		t.Fatalf("status=%d body=%+v", rr.Code, body)
	}
}

func TestOpenAPIJSON(t *testing.T) {
	app := &App{}
	rr := httptest.NewRecorder()
	app.OpenAPIJSON(rr, httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil))
	var spec map[string]any
	decode(t, rr, &spec)
	if _, ok := spec["paths"].(map[string]any)["/v1/video/batches"]; !ok {
		t.Fatalf("spec missing batch routes")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil)
	req.Header.Set("If-None-Match", rr.Header().Get("ETag"))
	rr = httptest.NewRecorder()
	app.OpenAPIJSON(rr, req)
	if rr.Code != http.StatusNotModified {
		t.Fatalf("conditional request status = %d", rr.Code)
	}
}
