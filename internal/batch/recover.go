package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
)

// Recover re-drives batches left unfinished by a previous process. Items
// caught mid-submit without a remote id go back to pending and are
// submitted again; items holding a remote id are polled again. Finished
// batches with unsettled credits are settled. It returns how many batches
// were dispatched.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	batches, err := p.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("processor: list batches: %w", err)
	}
	dispatched := 0
	for _, b := range batches {
		if b.AllTerminal() {
			if !b.CreditsSettled {
				p.settle(ctx, b.ID)
			}
			continue
		}
		if len(b.Items) == 0 {
			continue
		}
		interrupted := 0
		for i := range b.Items {
			item := &b.Items[i]
			if item.Status != domain.SubJobSubmitting || item.RemoteJobID != "" {
				continue
			}
			_, err := p.store.UpdateItem(ctx, b.ID, item.ID, func(j *domain.SubJob) error {
				if j.Status != domain.SubJobSubmitting || j.RemoteJobID != "" {
					return errSkip
				}
				if err := j.Transition(domain.SubJobPending, p.now()); err != nil {
					return err
				}
				j.ErrorMessage = ""
				return nil
			}, domain.PersistNever)
			if err != nil && !errors.Is(err, errSkip) {
				p.logger.Warn().Err(err).Str("batch_id", b.ID).Str("item_id", item.ID).Msg("processor: reset interrupted submit failed")
				continue
			}
			interrupted++
		}
		p.logger.Info().Str("batch_id", b.ID).Int("interrupted_submits", interrupted).Msg("processor: recovering batch")
		p.Dispatch(ctx, b.ID)
		dispatched++
	}
	return dispatched, nil
}

// Sweeper periodically settles finished batches whose credits are still
// outstanding, covering settlement attempts that failed earlier.
type Sweeper struct {
	cron      *cron.Cron
	processor *Processor
	logger    *infra.Logger
	timeout   time.Duration
}

// NewSweeper schedules SettleOutstanding with a cron spec such as "@every 1m".
func NewSweeper(ctx context.Context, p *Processor, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		processor: p,
		logger:    p.logger,
		timeout:   5 * time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("processor: schedule sweeper %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) sweep(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	n, err := s.processor.SettleOutstanding(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("sweeper: settlement pass interrupted")
		return
	}
	if n > 0 {
		s.logger.Info().Int("batches", n).Msg("sweeper: settlement pass finished")
	}
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("sweeper: started")
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("sweeper: stopped")
}
