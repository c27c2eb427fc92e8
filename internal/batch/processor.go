// Package batch drives the sub-jobs of a batch through the remote video
// service: submission, polling, user cancel/retry and credit settlement.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
	"visionbatch/internal/media"
	"visionbatch/internal/providers/lightx2v"
)

// RemoteClient is the subset of the lightx2v client the processor drives.
type RemoteClient interface {
	Submit(ctx context.Context, req lightx2v.SubmitRequest) (string, error)
	Query(ctx context.Context, taskID string) (*lightx2v.TaskState, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	Resume(ctx context.Context, taskID string) (bool, error)
	ResultURL(ctx context.Context, taskID, name string) (string, error)
	WaitUntilTerminal(ctx context.Context, taskID string, interval, timeout time.Duration) (*lightx2v.TaskState, error)
}

// Options tune concurrency and timing. Zero values take the defaults.
type Options struct {
	SubmitConcurrency int
	SubmitStagger     time.Duration
	SubmitAttempts    int
	SubmitBackoff     time.Duration
	PollConcurrency   int
	PollInterval      time.Duration
	PollTimeout       time.Duration
	RetryConcurrency  int
	EstimatedDuration time.Duration
	MaxImages         int
	OutputName        string
	Logger            *infra.Logger
}

func (o Options) withDefaults() Options {
	if o.SubmitConcurrency <= 0 {
		o.SubmitConcurrency = 3
	}
	if o.SubmitStagger < 0 {
		o.SubmitStagger = 0
	}
	if o.SubmitAttempts <= 0 {
		o.SubmitAttempts = 3
	}
	if o.SubmitBackoff < 0 {
		o.SubmitBackoff = 0
	}
	if o.PollConcurrency <= 0 {
		o.PollConcurrency = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Hour
	}
	if o.RetryConcurrency <= 0 {
		o.RetryConcurrency = 3
	}
	if o.EstimatedDuration <= 0 {
		o.EstimatedDuration = 60 * time.Second
	}
	if o.MaxImages <= 0 {
		o.MaxImages = 50
	}
	if strings.TrimSpace(o.OutputName) == "" {
		o.OutputName = lightx2v.DefaultOutputName
	}
	return o
}

// DefaultOptions mirrors the service limits of the remote API: at most three
// active tasks per user and roughly one request every 50ms.
func DefaultOptions() Options {
	return Options{
		SubmitStagger: 60 * time.Millisecond,
		SubmitBackoff: time.Second,
	}.withDefaults()
}

// Processor owns every state change of a batch after creation.
type Processor struct {
	store  domain.BatchRepository
	ledger domain.CreditLedger
	blobs  domain.BlobStore
	remote RemoteClient
	opts   Options
	logger *infra.Logger
	now    func() time.Time
	newID  func() string

	settleLocks *keyedMutex
	wg          sync.WaitGroup
}

// NewProcessor wires the processor to its collaborators.
func NewProcessor(store domain.BatchRepository, ledger domain.CreditLedger, blobs domain.BlobStore, remote RemoteClient, opts Options) *Processor {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Processor{
		store:       store,
		ledger:      ledger,
		blobs:       blobs,
		remote:      remote,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		settleLocks: newKeyedMutex(),
	}
}

// Upload is one file received from a client.
type Upload struct {
	Name string
	Data []byte
}

// CreateBatchInput carries everything needed to start a batch.
type CreateBatchInput struct {
	UserID   string
	UserName string
	Name     string
	Prompt   string
	Audio    Upload
	Images   []Upload
}

// CreateBatch validates the uploads, prices the batch from the audio length,
// checks the balance, stores the media and persists the batch with one
// pending item per image. Nothing is sent to the remote service.
func (p *Processor) CreateBatch(ctx context.Context, in CreateBatchInput) (*domain.Batch, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	switch n := len(in.Images); {
	case n == 0:
		return nil, fmt.Errorf("%w: at least one image is required", domain.ErrInvalidInput)
	case n > p.opts.MaxImages:
		return nil, fmt.Errorf("%w: maximum %d images allowed", domain.ErrInvalidInput, p.opts.MaxImages)
	}
	audioType, err := media.Detect(in.Audio.Data, media.KindAudio)
	if err != nil {
		return nil, err
	}
	imageTypes := make([]media.Detected, len(in.Images))
	for i, img := range in.Images {
		if imageTypes[i], err = media.Detect(img.Data, media.KindImage); err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
	}

	duration, known := media.AudioDuration(in.Audio.Data)
	if !known {
		p.logger.Warn().Str("user_id", in.UserID).Dur("assumed", duration).Msg("processor: audio duration unknown")
	}
	perUnit := media.CreditsPerUnit(duration)
	required := perUnit * len(in.Images)

	user, err := p.ledger.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user.Credits < required {
		return nil, fmt.Errorf("%w: required %d (audio %.1fs, %d per video x %d videos), available %d",
			domain.ErrInsufficientCredits, required, duration.Seconds(), perUnit, len(in.Images), user.Credits)
	}

	now := p.now()
	batchID := p.newID()
	audioName := firstNonEmpty(strings.TrimSpace(in.Audio.Name), "audio"+audioType.Extension)
	audioKey, err := p.blobs.Save(ctx, path.Join("uploads", batchID, "audio"+audioType.Extension), in.Audio.Data)
	if err != nil {
		return nil, fmt.Errorf("processor: store audio: %w", err)
	}
	images := make([]domain.BatchImage, len(in.Images))
	for i, img := range in.Images {
		key := path.Join("uploads", batchID, fmt.Sprintf("image-%03d%s", i+1, imageTypes[i].Extension))
		if key, err = p.blobs.Save(ctx, key, img.Data); err != nil {
			return nil, fmt.Errorf("processor: store image %d: %w", i+1, err)
		}
		images[i] = domain.BatchImage{
			Name: firstNonEmpty(strings.TrimSpace(img.Name), fmt.Sprintf("image-%d%s", i+1, imageTypes[i].Extension)),
			Key:  key,
		}
	}

	userName := firstNonEmpty(in.UserName, user.Username)
	b, err := domain.NewBatch(domain.NewBatchParams{
		ID:             batchID,
		UserID:         in.UserID,
		UserName:       userName,
		Name:           firstNonEmpty(strings.TrimSpace(in.Name), fmt.Sprintf("Batch %s %s", userName, now.UTC().Format("2006-01-02 15:04:05"))),
		Prompt:         firstNonEmpty(strings.TrimSpace(in.Prompt), lightx2v.DefaultPrompt),
		AudioName:      audioName,
		AudioKey:       audioKey,
		Images:         images,
		CreditsPerUnit: perUnit,
	}, p.newID, now)
	if err != nil {
		return nil, err
	}
	if err := p.store.Create(ctx, b); err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("batch_id", b.ID).
		Str("user_id", b.UserID).
		Int("items", len(b.Items)).
		Int("credits_per_video", perUnit).
		Msg("processor: batch created")
	return b, nil
}

// Run submits every pending item and then polls the batch to completion.
func (p *Processor) Run(ctx context.Context, batchID string) error {
	if err := p.SubmitBatch(ctx, batchID); err != nil {
		return err
	}
	return p.ProcessBatch(ctx, batchID)
}

// Dispatch runs the batch in the background. Wait blocks until every
// dispatched run has returned.
func (p *Processor) Dispatch(ctx context.Context, batchID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Run(ctx, batchID); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Str("batch_id", batchID).Msg("processor: batch run failed")
		}
	}()
}

// Go runs fn in the background under the same wait group as Dispatch.
func (p *Processor) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Wait blocks until background work started by Dispatch or Go finishes.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// errSkip aborts an UpdateItem mutation without treating it as a failure.
var errSkip = errors.New("batch: item not eligible")

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// detached keeps request-scoped values but survives cancellation, for the
// final persist of a pass interrupted by shutdown.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
