package domain

import (
	"fmt"
	"time"
)

// SubJobStatus enumerates the lifecycle states of a single generation item.
type SubJobStatus string

const (
	SubJobPending    SubJobStatus = "pending"
	SubJobSubmitting SubJobStatus = "submitting"
	SubJobProcessing SubJobStatus = "processing"
	SubJobCompleted  SubJobStatus = "completed"
	SubJobFailed     SubJobStatus = "failed"
	SubJobCancelled  SubJobStatus = "cancelled"
)

// IsTerminal reports whether no automatic transition leaves the status.
func (s SubJobStatus) IsTerminal() bool {
	switch s {
	case SubJobCompleted, SubJobFailed, SubJobCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s SubJobStatus) Valid() bool {
	_, ok := subJobTransitions[s]
	return ok
}

// BatchStatus enumerates the derived states of a batch.
type BatchStatus string

const (
	BatchCreated    BatchStatus = "created"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchCancelled  BatchStatus = "cancelled"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the batch has settled into a final status.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchCancelled, BatchFailed:
		return true
	default:
		return false
	}
}

// subJobTransitions lists every permitted target per source status. Self
// transitions are allowed so callers can refresh fields without branching.
var subJobTransitions = map[SubJobStatus][]SubJobStatus{
	SubJobPending:    {SubJobPending, SubJobSubmitting, SubJobProcessing, SubJobCancelled},
	SubJobSubmitting: {SubJobSubmitting, SubJobPending, SubJobProcessing, SubJobCancelled},
	SubJobProcessing: {SubJobProcessing, SubJobCompleted, SubJobFailed, SubJobCancelled},
	SubJobFailed:     {SubJobFailed, SubJobProcessing},
	SubJobCancelled:  {SubJobCancelled, SubJobProcessing},
	SubJobCompleted:  {SubJobCompleted},
}

// CanTransition reports whether moving from -> to is permitted.
func CanTransition(from, to SubJobStatus) bool {
	for _, candidate := range subJobTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// SubJob is one image-against-audio generation request inside a batch.
type SubJob struct {
	ID                       string
	BatchID                  string
	SourceImage              string
	InputKey                 string
	Status                   SubJobStatus
	RemoteJobID              string
	ErrorMessage             string
	ResultRef                string
	EstimatedDurationSeconds int
	Attempt                  int
	CreatedAt                time.Time
	UpdatedAt                time.Time
	StartedAt                *time.Time
	CompletedAt              *time.Time
}

// Transition moves the item to the target status, maintaining timestamps.
func (j *SubJob) Transition(to SubJobStatus, now time.Time) error {
	from := j.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	j.Status = to
	j.UpdatedAt = now
	if from == to {
		return nil
	}
	switch {
	case to == SubJobProcessing:
		started := now
		j.StartedAt = &started
		j.CompletedAt = nil
		j.ErrorMessage = ""
		j.Attempt++
	case to.IsTerminal():
		completed := now
		j.CompletedAt = &completed
		if to == SubJobCompleted {
			j.ErrorMessage = ""
		}
	}
	return nil
}

// SetRemoteJobID records the remote identifier. It may only be assigned once.
func (j *SubJob) SetRemoteJobID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty remote job id", ErrInvalidInput)
	}
	if j.RemoteJobID != "" && j.RemoteJobID != id {
		return ErrRemoteJobIDSet
	}
	j.RemoteJobID = id
	return nil
}

// Elapsed returns the seconds spent since the item last entered processing.
func (j *SubJob) Elapsed(now time.Time) float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	d := end.Sub(*j.StartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// Progress estimates completion as a percentage.
func (j *SubJob) Progress(now time.Time) int {
	switch j.Status {
	case SubJobCompleted:
		return 100
	case SubJobProcessing:
		if j.StartedAt == nil || j.EstimatedDurationSeconds <= 0 {
			return 50
		}
		pct := int(j.Elapsed(now) / float64(j.EstimatedDurationSeconds) * 100)
		if pct > 95 {
			return 95
		}
		return pct
	default:
		return 0
	}
}

// Batch is one audio clip fanned out against a fixed set of images.
type Batch struct {
	ID             string
	UserID         string
	UserName       string
	Name           string
	Prompt         string
	AudioName      string
	AudioKey       string
	ImageCount     int
	Status         BatchStatus
	Items          []SubJob
	CreditsPerUnit int
	CreditsUsed    int
	CreditsSettled bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time

	skippedItems int
}

// BatchProgress summarises item states.
type BatchProgress struct {
	Overall    int `json:"overall_progress"`
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Processing int `json:"processing"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Item returns a pointer to the item with the given id.
func (b *Batch) Item(id string) (*SubJob, bool) {
	for i := range b.Items {
		if b.Items[i].ID == id {
			return &b.Items[i], true
		}
	}
	return nil, false
}

// CompletedCount returns how many items are currently completed.
func (b *Batch) CompletedCount() int {
	n := 0
	for i := range b.Items {
		if b.Items[i].Status == SubJobCompleted {
			n++
		}
	}
	return n
}

// ChargedUnits returns how many completed items have been paid for.
func (b *Batch) ChargedUnits() int {
	if b.CreditsPerUnit <= 0 {
		return 0
	}
	return b.CreditsUsed / b.CreditsPerUnit
}

// AllTerminal reports whether every item reached a terminal status.
func (b *Batch) AllTerminal() bool {
	if len(b.Items) == 0 {
		return false
	}
	for i := range b.Items {
		if !b.Items[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Progress computes the aggregated progress block.
func (b *Batch) Progress(now time.Time) BatchProgress {
	p := BatchProgress{Total: len(b.Items)}
	sum := 0
	for i := range b.Items {
		item := &b.Items[i]
		sum += item.Progress(now)
		switch item.Status {
		case SubJobCompleted:
			p.Completed++
		case SubJobProcessing:
			p.Processing++
		case SubJobPending, SubJobSubmitting:
			p.Pending++
		case SubJobFailed:
			p.Failed++
		case SubJobCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.Overall = sum / p.Total
	}
	return p
}

// SkippedItems reports how many stored items could not be decoded.
func (b *Batch) SkippedItems() int {
	return b.skippedItems
}

// RecomputeStatus derives the batch status from its items.
func (b *Batch) RecomputeStatus(now time.Time) {
	b.Status = AggregateStatus(b.Status, b.Items)
	b.UpdatedAt = now
}

// AggregateStatus is the pure derivation used by RecomputeStatus. A batch
// whose items are all terminal is completed even when none succeeded.
func AggregateStatus(current BatchStatus, items []SubJob) BatchStatus {
	if len(items) == 0 {
		return current
	}
	for i := range items {
		if !items[i].Status.IsTerminal() {
			return BatchProcessing
		}
	}
	return BatchCompleted
}

// Clone returns a deep copy that can be mutated independently.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.Items = make([]SubJob, len(b.Items))
	for i := range b.Items {
		out.Items[i] = b.Items[i].clone()
	}
	return &out
}

func (j SubJob) clone() SubJob {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

// BatchImage is one source image of a new batch.
type BatchImage struct {
	Name string
	Key  string
}

// NewBatchParams describes a batch about to be created.
type NewBatchParams struct {
	ID             string
	UserID         string
	UserName       string
	Name           string
	Prompt         string
	AudioName      string
	AudioKey       string
	Images         []BatchImage
	CreditsPerUnit int
}

// NewBatch builds a batch with one pending item per image. newID supplies
// item identifiers.
func NewBatch(p NewBatchParams, newID func() string, now time.Time) (*Batch, error) {
	if p.ID == "" || p.UserID == "" {
		return nil, fmt.Errorf("%w: batch and user id are required", ErrInvalidInput)
	}
	if len(p.Images) == 0 {
		return nil, fmt.Errorf("%w: at least one image is required", ErrInvalidInput)
	}
	if p.CreditsPerUnit < 0 {
		return nil, fmt.Errorf("%w: negative credits per unit", ErrInvalidInput)
	}
	b := &Batch{
		ID:             p.ID,
		UserID:         p.UserID,
		UserName:       p.UserName,
		Name:           p.Name,
		Prompt:         p.Prompt,
		AudioName:      p.AudioName,
		AudioKey:       p.AudioKey,
		ImageCount:     len(p.Images),
		Status:         BatchCreated,
		Items:          make([]SubJob, 0, len(p.Images)),
		CreditsPerUnit: p.CreditsPerUnit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, img := range p.Images {
		b.Items = append(b.Items, SubJob{
			ID:          newID(),
			BatchID:     p.ID,
			SourceImage: img.Name,
			InputKey:    img.Key,
			Status:      SubJobPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return b, nil
}
