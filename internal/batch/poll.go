package batch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"visionbatch/internal/domain"
	"visionbatch/internal/providers/lightx2v"
)

// ProcessBatch polls every item holding a remote id until it is terminal,
// then recomputes the batch, persists it if finished and settles credits.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string) error {
	b, err := p.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	type target struct{ itemID, taskID string }
	var targets []target
	for i := range b.Items {
		item := &b.Items[i]
		if item.RemoteJobID == "" {
			continue
		}
		switch item.Status {
		case domain.SubJobPending, domain.SubJobSubmitting, domain.SubJobProcessing:
			targets = append(targets, target{item.ID, item.RemoteJobID})
		}
	}
	p.logger.Info().Str("batch_id", batchID).Int("items", len(targets)).Msg("processor: polling batch")

	sem := semaphore.NewWeighted(int64(p.opts.PollConcurrency))
	var g errgroup.Group
	for _, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			p.pollItem(ctx, batchID, t.itemID, t.taskID)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		if err := p.store.Persist(detached(ctx), batchID, domain.PersistAlways); err != nil {
			p.logger.Error().Err(err).Str("batch_id", batchID).Msg("processor: persist on shutdown failed")
		}
		return ctx.Err()
	}
	p.finishPass(ctx, batchID)
	p.logger.Info().Str("batch_id", batchID).Msg("processor: batch pass finished")
	return nil
}

// finishPass recomputes the batch, writes it when every item is terminal
// and runs settlement.
func (p *Processor) finishPass(ctx context.Context, batchID string) {
	if _, err := p.store.Update(ctx, batchID, func(*domain.Batch) error { return nil }, domain.PersistIfTerminal); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batchID).Msg("processor: recompute batch failed")
	}
	p.settle(ctx, batchID)
}

func (p *Processor) settle(ctx context.Context, batchID string) {
	if err := p.ChargeCompletedBatch(ctx, batchID); err != nil {
		p.logger.Warn().Err(err).Str("batch_id", batchID).Msg("processor: settlement deferred")
	}
}

// pollItem marks the item processing and waits for the remote task. The
// outcome is dropped when the item was cancelled or restarted meanwhile.
func (p *Processor) pollItem(ctx context.Context, batchID, itemID, taskID string) {
	attempt, err := p.startProcessing(ctx, batchID, itemID, func(j *domain.SubJob) bool {
		switch j.Status {
		case domain.SubJobPending, domain.SubJobSubmitting, domain.SubJobProcessing:
			return true
		}
		return false
	}, domain.PersistNever)
	if err != nil {
		if !errors.Is(err, errSkip) {
			p.logger.Warn().Err(err).Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: mark processing failed")
		}
		return
	}
	state, err := p.remote.WaitUntilTerminal(ctx, taskID, p.opts.PollInterval, p.opts.PollTimeout)
	if ctx.Err() != nil {
		return
	}
	p.applyOutcome(ctx, batchID, itemID, attempt, state, err)
}

// startProcessing moves an eligible item into processing and returns the
// attempt number that later outcomes must match.
func (p *Processor) startProcessing(ctx context.Context, batchID, itemID string, eligible func(*domain.SubJob) bool, mode domain.PersistMode) (int, error) {
	var attempt int
	_, err := p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
		if !eligible(j) {
			return errSkip
		}
		if err := j.Transition(domain.SubJobProcessing, p.now()); err != nil {
			return err
		}
		j.EstimatedDurationSeconds = int(p.opts.EstimatedDuration.Seconds())
		attempt = j.Attempt
		return nil
	}, mode)
	return attempt, err
}

// applyOutcome records a wait result. It reports the status written, or ""
// when the result was discarded.
func (p *Processor) applyOutcome(ctx context.Context, batchID, itemID string, attempt int, state *lightx2v.TaskState, waitErr error) domain.SubJobStatus {
	var written domain.SubJobStatus
	_, err := p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
		if j.Status != domain.SubJobProcessing || j.Attempt != attempt {
			return errSkip
		}
		now := p.now()
		switch {
		case waitErr != nil:
			if err := j.Transition(domain.SubJobFailed, now); err != nil {
				return err
			}
			j.ErrorMessage = p.waitFailureMessage(waitErr)
		case state.Status == lightx2v.StatusSucceed:
			if err := j.Transition(domain.SubJobCompleted, now); err != nil {
				return err
			}
		case state.Status == lightx2v.StatusCancelled:
			if err := j.Transition(domain.SubJobCancelled, now); err != nil {
				return err
			}
			j.ErrorMessage = "Cancelled"
		default:
			if err := j.Transition(domain.SubJobFailed, now); err != nil {
				return err
			}
			j.ErrorMessage = "Task status: " + state.Status
		}
		written = j.Status
		return nil
	}, domain.PersistIfTerminal)
	if err != nil {
		if errors.Is(err, errSkip) {
			p.logger.Info().Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: stale poll result discarded")
		} else {
			p.logger.Error().Err(err).Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: record poll result failed")
		}
		return ""
	}
	p.logger.Info().Str("batch_id", batchID).Str("item_id", itemID).Str("status", string(written)).Msg("processor: item finished")
	return written
}

func (p *Processor) waitFailureMessage(err error) string {
	if errors.Is(err, lightx2v.ErrTimeout) {
		return fmt.Sprintf("Timed out after %s", p.opts.PollTimeout)
	}
	return err.Error()
}

// CancelItem cancels a non-terminal item. The remote cancel is best effort;
// the local state is cancelled regardless. It returns false for an item
// that already finished.
func (p *Processor) CancelItem(ctx context.Context, batchID, itemID string) (bool, error) {
	b, err := p.store.Get(ctx, batchID)
	if err != nil {
		return false, err
	}
	item, ok := b.Item(itemID)
	if !ok {
		return false, domain.ErrNotFound
	}
	if item.Status.IsTerminal() {
		return false, nil
	}
	if item.RemoteJobID != "" {
		confirmed, err := p.remote.Cancel(ctx, item.RemoteJobID)
		if err != nil || !confirmed {
			p.logger.Warn().Err(err).Str("task_id", item.RemoteJobID).Msg("processor: remote cancel not confirmed")
		}
	}
	_, err = p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
		if j.Status.IsTerminal() {
			return errSkip
		}
		if err := j.Transition(domain.SubJobCancelled, p.now()); err != nil {
			return err
		}
		j.ErrorMessage = "Cancelled by user"
		return nil
	}, domain.PersistIfTerminal)
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.logger.Info().Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: item cancelled")
	p.settle(ctx, batchID)
	return true, nil
}

// ResumeItem retries a failed item through the remote resume call.
func (p *Processor) ResumeItem(ctx context.Context, batchID, itemID string) (bool, error) {
	return p.retry(ctx, batchID, itemID, domain.SubJobFailed)
}

// ReprocessItem retries a cancelled item. The remote service keeps cancelled
// tasks, so this is a resume rather than a new submission.
func (p *Processor) ReprocessItem(ctx context.Context, batchID, itemID string) (bool, error) {
	return p.retry(ctx, batchID, itemID, domain.SubJobCancelled)
}

func (p *Processor) retry(ctx context.Context, batchID, itemID string, from domain.SubJobStatus) (bool, error) {
	b, err := p.store.Get(ctx, batchID)
	if err != nil {
		return false, err
	}
	item, ok := b.Item(itemID)
	if !ok {
		return false, domain.ErrNotFound
	}
	if item.Status != from {
		return false, nil
	}
	taskID := item.RemoteJobID
	if taskID == "" {
		if from == domain.SubJobCancelled {
			p.logger.Warn().Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: cancelled item has no task id")
			return false, nil
		}
		_, err := p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
			if j.Status != domain.SubJobFailed {
				return errSkip
			}
			j.ErrorMessage = "Missing task id for resume"
			j.UpdatedAt = p.now()
			return nil
		}, domain.PersistAlways)
		if err != nil && !errors.Is(err, errSkip) {
			return false, err
		}
		p.settle(ctx, batchID)
		return false, nil
	}

	attempt, err := p.startProcessing(ctx, batchID, itemID, func(j *domain.SubJob) bool {
		return j.Status == from
	}, domain.PersistAlways)
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := p.remote.Resume(ctx, taskID); err != nil {
		done := p.reconcileRefusedResume(ctx, batchID, itemID, taskID, attempt, from, err)
		p.settle(ctx, batchID)
		return done, nil
	}

	state, waitErr := p.remote.WaitUntilTerminal(ctx, taskID, p.opts.PollInterval, p.opts.PollTimeout)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	written := p.applyOutcome(ctx, batchID, itemID, attempt, state, waitErr)
	p.settle(ctx, batchID)
	return written == domain.SubJobCompleted, nil
}

// reconcileRefusedResume handles a resume the service refused. A task that
// in fact already succeeded is completed once its result can be fetched,
// and failed when it cannot. Anything else returns the item to the status
// it was retried from with the refusal as its message.
func (p *Processor) reconcileRefusedResume(ctx context.Context, batchID, itemID, taskID string, attempt int, from domain.SubJobStatus, resumeErr error) bool {
	state, qerr := p.remote.Query(ctx, taskID)
	if qerr == nil && state.Status == lightx2v.StatusSucceed {
		if _, err := p.remote.ResultURL(ctx, taskID, p.opts.OutputName); err != nil {
			p.logger.Warn().Err(err).Str("task_id", taskID).Msg("processor: result url unavailable for reconciled task")
			p.applyOutcome(ctx, batchID, itemID, attempt, state, fmt.Errorf("result unavailable: %w", err))
			return false
		}
		p.logger.Info().Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: resume refused but task already succeeded")
		return p.applyOutcome(ctx, batchID, itemID, attempt, state, nil) == domain.SubJobCompleted
	}
	if qerr != nil {
		p.logger.Warn().Err(qerr).Str("task_id", taskID).Msg("processor: status check after refused resume failed")
	}

	msg := resumeErr.Error()
	var refused *lightx2v.ResumeRefusedError
	if !errors.As(resumeErr, &refused) {
		msg = "Resume failed: " + msg
	}
	_, err := p.store.UpdateItem(ctx, batchID, itemID, func(j *domain.SubJob) error {
		if j.Status != domain.SubJobProcessing || j.Attempt != attempt {
			return errSkip
		}
		to := domain.SubJobFailed
		if from == domain.SubJobCancelled {
			to = domain.SubJobCancelled
		}
		if err := j.Transition(to, p.now()); err != nil {
			return err
		}
		j.ErrorMessage = msg
		return nil
	}, domain.PersistAlways)
	if err != nil && !errors.Is(err, errSkip) {
		p.logger.Error().Err(err).Str("batch_id", batchID).Str("item_id", itemID).Msg("processor: record refused resume failed")
	}
	return false
}

// ResumeFailedItems retries every failed and cancelled item under
// RetryConcurrency and returns how many were retried.
func (p *Processor) ResumeFailedItems(ctx context.Context, batchID string) (int, error) {
	b, err := p.store.Get(ctx, batchID)
	if err != nil {
		return 0, err
	}
	type target struct {
		itemID string
		status domain.SubJobStatus
	}
	var targets []target
	for _, status := range []domain.SubJobStatus{domain.SubJobFailed, domain.SubJobCancelled} {
		for i := range b.Items {
			if b.Items[i].Status == status {
				targets = append(targets, target{b.Items[i].ID, status})
			}
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(p.opts.RetryConcurrency))
	var g errgroup.Group
	for _, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			var err error
			if t.status == domain.SubJobFailed {
				_, err = p.ResumeItem(ctx, batchID, t.itemID)
			} else {
				_, err = p.ReprocessItem(ctx, batchID, t.itemID)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn().Err(err).Str("batch_id", batchID).Str("item_id", t.itemID).Msg("processor: retry failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(targets), ctx.Err()
}
