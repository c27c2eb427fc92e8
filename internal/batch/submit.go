package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"visionbatch/internal/domain"
	"visionbatch/internal/providers/lightx2v"
)

// SubmitBatch submits every pending item that has never been sent, in
// creation order, staggered and bounded by SubmitConcurrency. An item whose
// retries are exhausted goes back to pending with the last error. The batch
// document is written once after every submission has returned.
func (p *Processor) SubmitBatch(ctx context.Context, batchID string) error {
	b, err := p.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	var queue []string
	for i := range b.Items {
		item := &b.Items[i]
		if item.Status == domain.SubJobPending && item.RemoteJobID == "" && item.ErrorMessage == "" {
			queue = append(queue, item.ID)
		}
	}
	if len(queue) == 0 {
		return nil
	}

	audio, audioErr := p.blobs.Load(ctx, b.AudioKey)
	if audioErr != nil {
		p.logger.Error().Err(audioErr).Str("batch_id", batchID).Str("key", b.AudioKey).Msg("processor: load audio failed")
	}

	p.logger.Info().Str("batch_id", batchID).Int("items", len(queue)).Msg("processor: submitting batch")
	limit := rate.Inf
	if p.opts.SubmitStagger > 0 {
		limit = rate.Every(p.opts.SubmitStagger)
	}
	limiter := rate.NewLimiter(limit, 1)
	sem := semaphore.NewWeighted(int64(p.opts.SubmitConcurrency))

	var g errgroup.Group
	for _, itemID := range queue {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if audioErr != nil {
				p.markSubmitFailed(ctx, batchID, itemID, fmt.Errorf("load audio: %w", audioErr))
				return nil
			}
			p.submitItem(ctx, batchID, itemID, b.Prompt, audio)
			return nil
		})
	}
	_ = g.Wait()

	if err := p.store.Persist(detached(ctx), batchID, domain.PersistAlways); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batchID).Msg("processor: persist after submit failed")
	}
	return ctx.Err()
}

// submitItem moves one item through submitting and records its remote id.
// It reports whether a remote id was obtained.
func (p *Processor) submitItem(ctx context.Context, batchID, itemID, prompt string, audio []byte) bool {
	var inputKey string
	_, err := p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
		if j.Status != domain.SubJobPending || j.RemoteJobID != "" {
			return errSkip
		}
		inputKey = j.InputKey
		j.ErrorMessage = ""
		return j.Transition(domain.SubJobSubmitting, p.now())
	}, domain.PersistNever)
	if err != nil {
		if !errors.Is(err, errSkip) {
			p.logger.Warn().Err(err).Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: mark submitting failed")
		}
		return false
	}

	image, err := p.blobs.Load(ctx, inputKey)
	if err != nil {
		p.markSubmitFailed(ctx, batchID, itemID, fmt.Errorf("load image: %w", err))
		return false
	}

	taskID, err := p.submitWithRetry(ctx, lightx2v.SubmitRequest{Prompt: prompt, Image: image, Audio: audio})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: Recover returns the item to pending on the next start.
			return false
		}
		p.markSubmitFailed(ctx, batchID, itemID, err)
		return false
	}

	cancelled := false
	_, err = p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
		if err := j.SetRemoteJobID(taskID); err != nil {
			return err
		}
		cancelled = j.Status == domain.SubJobCancelled
		j.UpdatedAt = p.now()
		return nil
	}, domain.PersistNever)
	if err != nil {
		p.logger.Error().Err(err).Str("batch_id", batchID).Str("item_id", itemID).Str("task_id", taskID).Msg("processor: record task id failed")
		return false
	}
	p.logger.Info().Str("batch_id", batchID).Str("item_id", itemID).Str("task_id", taskID).Msg("processor: item submitted")

	if cancelled {
		// Cancelled while the submit was in flight: keep it cancelled and stop the remote task too.
		if ok, err := p.remote.Cancel(ctx, taskID); err != nil || !ok {
			p.logger.Warn().Err(err).Str("task_id", taskID).Msg("processor: remote cancel after late submit not confirmed")
		}
		return false
	}
	return true
}

func (p *Processor) submitWithRetry(ctx context.Context, req lightx2v.SubmitRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.opts.SubmitAttempts; attempt++ {
		taskID, err := p.remote.Submit(ctx, req)
		if err == nil {
			return taskID, nil
		}
		lastErr = err
		p.logger.Warn().Err(err).Int("attempt", attempt).Msg("processor: submit attempt failed")
		if attempt == p.opts.SubmitAttempts {
			break
		}
		if err := sleepCtx(ctx, p.opts.SubmitBackoff*time.Duration(attempt)); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (p *Processor) markSubmitFailed(ctx context.Context, batchID, itemID string, cause error) {
	_, err := p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
		if j.Status != domain.SubJobSubmitting && j.Status != domain.SubJobPending {
			return errSkip
		}
		if err := j.Transition(domain.SubJobPending, p.now()); err != nil {
			return err
		}
		j.ErrorMessage = "Submit failed: " + cause.Error()
		return nil
	}, domain.PersistNever)
	if err != nil && !errors.Is(err, errSkip) {
		p.logger.Error().Err(err).Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: record submit failure failed")
		return
	}
	p.logger.Warn().Err(cause).Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: submit failed")
}

// ResubmitItem sends a pending item that never obtained a remote id, then
// polls it like ProcessBatch does.
func (p *Processor) ResubmitItem(ctx context.Context, batchID, itemID string) (bool, error) {
	b, err := p.store.Get(ctx, batchID)
	if err != nil {
		return false, err
	}
	item, ok := b.Item(itemID)
	if !ok {
		return false, domain.ErrNotFound
	}
	if item.Status != domain.SubJobPending || item.RemoteJobID != "" {
		return false, nil
	}
	audio, err := p.blobs.Load(ctx, b.AudioKey)
	if err != nil {
		p.markSubmitFailed(ctx, batchID, itemID, fmt.Errorf("load audio: %w", err))
		return false, nil
	}
	if !p.submitItem(ctx, batchID, itemID, b.Prompt, audio) {
		return false, nil
	}
	b, err = p.store.Get(ctx, batchID)
	if err != nil {
		return true, err
	}
	if item, ok := b.Item(itemID); ok && item.RemoteJobID != "" {
		p.pollItem(ctx, batchID, itemID, item.RemoteJobID)
	}
	p.finishPass(ctx, batchID)
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
