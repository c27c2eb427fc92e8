package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"visionbatch/internal/domain"
	"visionbatch/pkg/zip"
)

type exportItem struct {
	ItemID      string `json:"item_id"`
	SourceImage string `json:"source_image"`
	TaskID      string `json:"task_id"`
	Filename    string `json:"filename"`
	URL         string `json:"url,omitempty"`
	Error       string `json:"error,omitempty"`
}

type exportResponse struct {
	BatchID string       `json:"batch_id"`
	Name    string       `json:"name"`
	Items   []exportItem `json:"items"`
}

// ExportBatch lists download links for every completed item. With
// ?format=zip the videos themselves are streamed as one archive.
func (a *App) ExportBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := a.loadBatch(w, r)
	if !ok {
		return
	}
	items := completedItems(b)
	if len(items) == 0 {
		a.error(w, r, http.StatusConflict, "not_ready", "batch has no completed videos")
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "zip") {
		a.exportZip(w, r, b, items)
		return
	}

	resp := exportResponse{BatchID: b.ID, Name: b.Name, Items: make([]exportItem, 0, len(items))}
	for _, it := range items {
		u, err := a.Remote.ResultURL(r.Context(), it.TaskID, "")
		if err != nil {
			it.Error = "result url unavailable"
			a.Logger.Warn().Err(err).Str("task_id", it.TaskID).Msg("export url lookup failed")
		}
		it.URL = u
		resp.Items = append(resp.Items, it)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=batch-%s.json", b.ID))
	a.json(w, http.StatusOK, resp)
}

func (a *App) exportZip(w http.ResponseWriter, r *http.Request, b *domain.Batch, items []exportItem) {
	assets := make([]zip.Asset, 0, len(items))
	for _, it := range items {
		taskID := it.TaskID
		assets = append(assets, zip.Asset{
			Filename: it.Filename,
			Modified: b.UpdatedAt,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return a.openResult(ctx, taskID)
			},
		})
	}

	// Archives of many videos outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=batch-%s.zip", b.ID))
	w.WriteHeader(http.StatusOK)
	res, err := zip.StreamAssets(r.Context(), w, assets)
	evt := a.Logger.Info()
	if err != nil {
		evt = a.Logger.Warn().Err(err)
	}
	evt.Str("batch_id", b.ID).Int("written", res.Written).Strs("skipped", res.Skipped).Msg("batch export streamed")
}

func (a *App) openResult(ctx context.Context, taskID string) (io.ReadCloser, error) {
	u, err := a.Remote.ResultURL(ctx, taskID, "")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", taskID, resp.StatusCode)
	}
	return resp.Body, nil
}

func completedItems(b *domain.Batch) []exportItem {
	var out []exportItem
	for i := range b.Items {
		item := &b.Items[i]
		if item.Status != domain.SubJobCompleted || item.RemoteJobID == "" {
			continue
		}
		base := strings.TrimSuffix(path.Base(item.SourceImage), path.Ext(item.SourceImage))
		if base == "" || base == "." || base == "/" {
			base = item.ID
		}
		out = append(out, exportItem{
			ItemID:      item.ID,
			SourceImage: item.SourceImage,
			TaskID:      item.RemoteJobID,
			Filename:    fmt.Sprintf("%03d_%s.mp4", i+1, base),
		})
	}
	return out
}
