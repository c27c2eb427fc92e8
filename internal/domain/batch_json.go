package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The persisted layout keeps the camelCase batch keys and snake_case item
// keys that older documents were written with, so those load unchanged.

type batchDocument struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	UserName        string            `json:"userName"`
	Name            string            `json:"name"`
	Timestamp       int64             `json:"timestamp"`
	Prompt          string            `json:"prompt"`
	AudioName       string            `json:"audioName"`
	AudioKey        string            `json:"audioKey,omitempty"`
	ImageCount      int               `json:"imageCount"`
	Status          BatchStatus       `json:"status"`
	Progress        *BatchProgress    `json:"progress,omitempty"`
	Items           []json.RawMessage `json:"items"`
	CreditsUsed     int               `json:"creditsUsed"`
	CreditsPerVideo int               `json:"creditsPerVideo"`
	CreditsCharged  bool              `json:"creditsCharged"`
	Version         int64             `json:"version"`
	CreatedAt       flexTime          `json:"created_at"`
	UpdatedAt       flexTime          `json:"updated_at"`
}

type subJobDocument struct {
	ID                string       `json:"id"`
	BatchID           string       `json:"batch_id"`
	SourceImage       string       `json:"sourceImage"`
	LegacySource      string       `json:"source_image_filename,omitempty"`
	InputKey          string       `json:"input_key,omitempty"`
	Status            SubJobStatus `json:"status"`
	ErrorMessage      *string      `json:"error_msg"`
	RemoteJobID       *string      `json:"api_task_id"`
	ResultRef         string       `json:"result_ref,omitempty"`
	Progress          int          `json:"progress"`
	Elapsed           float64      `json:"elapsed_time"`
	EstimatedDuration int          `json:"estimated_duration,omitempty"`
	Attempt           int          `json:"attempt,omitempty"`
	CreatedAt         flexTime     `json:"created_at"`
	UpdatedAt         flexTime     `json:"updated_at"`
	StartedAt         *flexTime    `json:"started_at"`
	CompletedAt       *flexTime    `json:"completed_at"`
}

// MarshalJSON renders the batch with its derived progress fields.
func (b Batch) MarshalJSON() ([]byte, error) {
	now := time.Now()
	progress := b.Progress(now)
	doc := batchDocument{
		ID:              b.ID,
		UserID:          b.UserID,
		UserName:        b.UserName,
		Name:            b.Name,
		Timestamp:       b.CreatedAt.UnixMilli(),
		Prompt:          b.Prompt,
		AudioName:       b.AudioName,
		AudioKey:        b.AudioKey,
		ImageCount:      b.ImageCount,
		Status:          b.Status,
		Progress:        &progress,
		Items:           make([]json.RawMessage, 0, len(b.Items)),
		CreditsUsed:     b.CreditsUsed,
		CreditsPerVideo: b.CreditsPerUnit,
		CreditsCharged:  b.CreditsSettled,
		Version:         b.Version,
		CreatedAt:       flexTime{b.CreatedAt},
		UpdatedAt:       flexTime{b.UpdatedAt},
	}
	for i := range b.Items {
		raw, err := b.Items[i].marshalAt(now)
		if err != nil {
			return nil, err
		}
		doc.Items = append(doc.Items, raw)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a stored batch. Items that cannot be decoded are
// dropped and counted in SkippedItems.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var doc batchDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if strings.TrimSpace(doc.ID) == "" {
		return fmt.Errorf("%w: batch id missing", ErrInvalidInput)
	}
	*b = Batch{
		ID:             doc.ID,
		UserID:         doc.UserID,
		UserName:       doc.UserName,
		Name:           doc.Name,
		Prompt:         doc.Prompt,
		AudioName:      doc.AudioName,
		AudioKey:       doc.AudioKey,
		ImageCount:     doc.ImageCount,
		Status:         doc.Status,
		CreditsPerUnit: doc.CreditsPerVideo,
		CreditsUsed:    doc.CreditsUsed,
		CreditsSettled: doc.CreditsCharged,
		Version:        doc.Version,
		CreatedAt:      doc.CreatedAt.t,
		UpdatedAt:      doc.UpdatedAt.t,
	}
	if b.CreatedAt.IsZero() && doc.Timestamp > 0 {
		b.CreatedAt = time.UnixMilli(doc.Timestamp).UTC()
	}
	if b.Status == "" {
		b.Status = BatchCreated
	}
	b.Items = make([]SubJob, 0, len(doc.Items))
	for _, raw := range doc.Items {
		var item SubJob
		if err := item.UnmarshalJSON(raw); err != nil {
			b.skippedItems++
			continue
		}
		item.BatchID = b.ID
		b.Items = append(b.Items, item)
	}
	if b.ImageCount == 0 {
		b.ImageCount = len(b.Items)
	}
	return nil
}

// MarshalJSON renders the item with its derived progress fields.
func (j SubJob) MarshalJSON() ([]byte, error) {
	return j.marshalAt(time.Now())
}

func (j SubJob) marshalAt(now time.Time) ([]byte, error) {
	doc := subJobDocument{
		ID:                j.ID,
		BatchID:           j.BatchID,
		SourceImage:       j.SourceImage,
		InputKey:          j.InputKey,
		Status:            j.Status,
		ErrorMessage:      optionalString(j.ErrorMessage),
		RemoteJobID:       optionalString(j.RemoteJobID),
		ResultRef:         j.ResultRef,
		Progress:          j.Progress(now),
		Elapsed:           j.Elapsed(now),
		EstimatedDuration: j.EstimatedDurationSeconds,
		Attempt:           j.Attempt,
		CreatedAt:         flexTime{j.CreatedAt},
		UpdatedAt:         flexTime{j.UpdatedAt},
		StartedAt:         optionalTime(j.StartedAt),
		CompletedAt:       optionalTime(j.CompletedAt),
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a stored item. Derived fields are ignored.
func (j *SubJob) UnmarshalJSON(data []byte) error {
	var doc subJobDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if strings.TrimSpace(doc.ID) == "" {
		return fmt.Errorf("%w: item id missing", ErrInvalidInput)
	}
	status := SubJobStatus(strings.ToLower(strings.TrimSpace(string(doc.Status))))
	if !status.Valid() {
		return fmt.Errorf("%w: unknown item status %q", ErrInvalidInput, doc.Status)
	}
	source := doc.SourceImage
	if source == "" {
		source = doc.LegacySource
	}
	*j = SubJob{
		ID:                       doc.ID,
		BatchID:                  doc.BatchID,
		SourceImage:              source,
		InputKey:                 doc.InputKey,
		Status:                   status,
		ResultRef:                doc.ResultRef,
		EstimatedDurationSeconds: doc.EstimatedDuration,
		Attempt:                  doc.Attempt,
		CreatedAt:                doc.CreatedAt.t,
		UpdatedAt:                doc.UpdatedAt.t,
	}
	if doc.ErrorMessage != nil {
		j.ErrorMessage = *doc.ErrorMessage
	}
	if doc.RemoteJobID != nil {
		j.RemoteJobID = *doc.RemoteJobID
	}
	if doc.StartedAt != nil && !doc.StartedAt.t.IsZero() {
		t := doc.StartedAt.t
		j.StartedAt = &t
	}
	if doc.CompletedAt != nil && !doc.CompletedAt.t.IsZero() {
		t := doc.CompletedAt.t
		j.CompletedAt = &t
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalTime(t *time.Time) *flexTime {
	if t == nil {
		return nil
	}
	return &flexTime{*t}
}

// flexTime accepts RFC3339 strings, naive ISO strings and unix seconds or
// milliseconds. It always writes RFC3339 in UTC.
type flexTime struct {
	t time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (f flexTime) MarshalJSON() ([]byte, error) {
	if f.t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(f.t.UTC().Format(time.RFC3339Nano))
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` || raw == "" {
		f.t = time.Time{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			f.t = t.UTC()
			return nil
		}
		for _, layout := range naiveLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				f.t = t
				return nil
			}
		}
		return fmt.Errorf("%w: unrecognised timestamp %q", ErrInvalidInput, s)
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: unrecognised timestamp %s", ErrInvalidInput, raw)
	}
	if n > 1e12 {
		f.t = time.UnixMilli(int64(n)).UTC()
		return nil
	}
	sec := int64(n)
	f.t = time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
	return nil
}
