package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"visionbatch/internal/batch"
	"visionbatch/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	multipartMemory = 32 << 20
)

type createBatchForm struct {
	Name   string `validate:"max=200"`
	Prompt string `validate:"max=2000"`
	Audio  int    `validate:"eq=1"`
	Images int    `validate:"min=1"`
}

type createBatchResponse struct {
	BatchID         string             `json:"batch_id"`
	Status          domain.BatchStatus `json:"status"`
	Items           int                `json:"items"`
	CreditsPerVideo int                `json:"credits_per_video"`
	CreditsRequired int                `json:"credits_required"`
}

// CreateBatch accepts multipart "audio" plus "images" (or "images[]") and
// starts the batch in the background.
func (a *App) CreateBatch(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, r, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.Config != nil && a.Config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.Config.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, r, http.StatusRequestEntityTooLarge, "bad_request", "upload too large")
			return
		}
		a.error(w, r, http.StatusBadRequest, "bad_request", "invalid multipart payload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	images := slices.Concat(r.MultipartForm.File["images"], r.MultipartForm.File["images[]"])
	audio := r.MultipartForm.File["audio"]
	form := createBatchForm{
		Name:   strings.TrimSpace(r.FormValue("name")),
		Prompt: strings.TrimSpace(r.FormValue("prompt")),
		Audio:  len(audio),
		Images: len(images),
	}
	if err := a.validate().Struct(form); err != nil {
		a.error(w, r, http.StatusBadRequest, "bad_request", "one audio file and at least one image are required")
		return
	}

	in := batch.CreateBatchInput{
		UserID: userID,
		Name:   form.Name,
		Prompt: form.Prompt,
		Images: make([]batch.Upload, 0, len(images)),
	}
	var err error
	if in.Audio, err = readUpload(audio[0]); err != nil {
		a.error(w, r, http.StatusBadRequest, "bad_request", "cannot read audio upload")
		return
	}
	for _, fh := range images {
		up, err := readUpload(fh)
		if err != nil {
			a.error(w, r, http.StatusBadRequest, "bad_request", "cannot read image upload")
			return
		}
		in.Images = append(in.Images, up)
	}

	b, err := a.Runner.CreateBatch(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Runner.Dispatch(a.background(), b.ID)
	a.json(w, http.StatusAccepted, createBatchResponse{
		BatchID:         b.ID,
		Status:          b.Status,
		Items:           len(b.Items),
		CreditsPerVideo: b.CreditsPerUnit,
		CreditsRequired: b.CreditsPerUnit * len(b.Items),
	})
}

func readUpload(fh *multipart.FileHeader) (batch.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return batch.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return batch.Upload{}, err
	}
	return batch.Upload{Name: fh.Filename, Data: data}, nil
}

type batchListResponse struct {
	Batches []*domain.Batch `json:"batches"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (a *App) ListBatches(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, r, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	batches, err := a.Batches.ListByUser(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, paginate(batches, r))
}

func paginate(batches []*domain.Batch, r *http.Request) batchListResponse {
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	resp := batchListResponse{Batches: []*domain.Batch{}, Total: len(batches), Limit: limit, Offset: offset}
	if offset < len(batches) {
		end := min(offset+limit, len(batches))
		resp.Batches = batches[offset:end]
	}
	return resp
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (a *App) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := a.loadBatch(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, b)
}

// loadBatch resolves {batch_id} for the caller. Only the owner or an admin
// may see a batch.
func (a *App) loadBatch(w http.ResponseWriter, r *http.Request) (*domain.Batch, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, r, http.StatusUnauthorized, "unauthorized", "missing user context")
		return nil, false
	}
	b, err := a.Batches.Get(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		a.fail(w, r, err)
		return nil, false
	}
	if b.UserID != userID && !a.isAdmin(r) {
		a.error(w, r, http.StatusForbidden, "forbidden", "batch belongs to another user")
		return nil, false
	}
	return b, true
}

func (a *App) loadItem(w http.ResponseWriter, r *http.Request) (*domain.Batch, *domain.SubJob, bool) {
	b, ok := a.loadBatch(w, r)
	if !ok {
		return nil, nil, false
	}
	item, found := b.Item(chi.URLParam(r, "item_id"))
	if !found {
		a.error(w, r, http.StatusNotFound, "not_found", "item not found")
		return nil, nil, false
	}
	return b, item, true
}

type urlResponse struct {
	ItemID string `json:"item_id"`
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
}

func (a *App) ItemResultURL(w http.ResponseWriter, r *http.Request) {
	_, item, ok := a.loadItem(w, r)
	if !ok {
		return
	}
	if item.Status != domain.SubJobCompleted || item.RemoteJobID == "" {
		a.error(w, r, http.StatusConflict, "not_ready", "video is not ready")
		return
	}
	u, err := a.Remote.ResultURL(r.Context(), item.RemoteJobID, r.URL.Query().Get("name"))
	if err != nil {
		a.Logger.Warn().Err(err).Str("task_id", item.RemoteJobID).Msg("result url lookup failed")
		a.error(w, r, http.StatusBadGateway, "upstream", "result url unavailable")
		return
	}
	a.json(w, http.StatusOK, urlResponse{ItemID: item.ID, TaskID: item.RemoteJobID, URL: u})
}

func (a *App) ItemInputURL(w http.ResponseWriter, r *http.Request) {
	_, item, ok := a.loadItem(w, r)
	if !ok {
		return
	}
	if item.RemoteJobID == "" {
		a.error(w, r, http.StatusConflict, "not_ready", "item was never submitted")
		return
	}
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		name = "input_image"
	}
	u, err := a.Remote.InputURL(r.Context(), item.RemoteJobID, name, q.Get("filename"))
	if err != nil {
		a.Logger.Warn().Err(err).Str("task_id", item.RemoteJobID).Msg("input url lookup failed")
		a.error(w, r, http.StatusBadGateway, "upstream", "input url unavailable")
		return
	}
	a.json(w, http.StatusOK, urlResponse{ItemID: item.ID, TaskID: item.RemoteJobID, URL: u})
}

func (a *App) CancelItem(w http.ResponseWriter, r *http.Request) {
	b, item, ok := a.loadItem(w, r)
	if !ok {
		return
	}
	cancelled, err := a.Runner.CancelItem(r.Context(), b.ID, item.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !cancelled {
		a.fail(w, r, fmt.Errorf("cancel %s: %w", item.ID, domain.ErrTerminalItem))
		return
	}
	a.json(w, http.StatusOK, map[string]any{"item_id": item.ID, "cancelled": true})
}

// retryItem validates eligibility now and runs the long retry in the
// background, since it waits for the remote task to finish.
func (a *App) retryItem(w http.ResponseWriter, r *http.Request, action string, eligible func(*domain.SubJob) bool, run func(batchID, itemID string) (bool, error)) {
	b, item, ok := a.loadItem(w, r)
	if !ok {
		return
	}
	if !eligible(item) {
		a.error(w, r, http.StatusConflict, "conflict", fmt.Sprintf("item in status %s cannot be %s", item.Status, action))
		return
	}
	batchID, itemID := b.ID, item.ID
	logger := a.Logger.With().Str("batch_id", batchID).Str("item_id", itemID).Str("action", action).Logger()
	a.Runner.Go(func() {
		done, err := run(batchID, itemID)
		if err != nil {
			logger.Warn().Err(err).Msg("item retry failed")
			return
		}
		logger.Info().Bool("completed", done).Msg("item retry finished")
	})
	a.json(w, http.StatusAccepted, map[string]any{"item_id": itemID, "accepted": true})
}

func (a *App) ResumeItem(w http.ResponseWriter, r *http.Request) {
	a.retryItem(w, r, "resumed", func(j *domain.SubJob) bool {
		return j.Status == domain.SubJobFailed
	}, func(batchID, itemID string) (bool, error) {
		return a.Runner.ResumeItem(a.background(), batchID, itemID)
	})
}

func (a *App) ReprocessItem(w http.ResponseWriter, r *http.Request) {
	a.retryItem(w, r, "reprocessed", func(j *domain.SubJob) bool {
		return j.Status == domain.SubJobCancelled
	}, func(batchID, itemID string) (bool, error) {
		return a.Runner.ReprocessItem(a.background(), batchID, itemID)
	})
}

func (a *App) ResubmitItem(w http.ResponseWriter, r *http.Request) {
	a.retryItem(w, r, "resubmitted", func(j *domain.SubJob) bool {
		return j.Status == domain.SubJobPending && j.RemoteJobID == ""
	}, func(batchID, itemID string) (bool, error) {
		return a.Runner.ResubmitItem(a.background(), batchID, itemID)
	})
}

func (a *App) RetryFailed(w http.ResponseWriter, r *http.Request) {
	b, ok := a.loadBatch(w, r)
	if !ok {
		return
	}
	n := 0
	for i := range b.Items {
		if s := b.Items[i].Status; s == domain.SubJobFailed || s == domain.SubJobCancelled {
			n++
		}
	}
	if n == 0 {
		a.json(w, http.StatusOK, map[string]any{"batch_id": b.ID, "retrying": 0})
		return
	}
	batchID := b.ID
	a.Runner.Go(func() {
		retried, err := a.Runner.ResumeFailedItems(a.background(), batchID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("batch_id", batchID).Msg("retry failed items interrupted")
			return
		}
		a.Logger.Info().Str("batch_id", batchID).Int("retried", retried).Msg("retry failed items finished")
	})
	a.json(w, http.StatusAccepted, map[string]any{"batch_id": batchID, "retrying": n})
}
