package batch

import (
	"context"
	"fmt"
	"sync"

	"visionbatch/internal/domain"
)

// UnitReference is the ledger reference for the n-th charged unit of a
// batch. It is stable, so a replayed deduction is recognised by the ledger.
func UnitReference(batchID string, n int) string {
	return fmt.Sprintf("batch:%s:unit:%d", batchID, n)
}

// ChargeCompletedBatch charges every completed item that has not been paid
// for yet. Runs for the same batch are serialized. The outstanding units are
// deducted in one ledger call, so a pass is applied whole or not at all.
func (p *Processor) ChargeCompletedBatch(ctx context.Context, batchID string) error {
	unlock := p.settleLocks.Lock(batchID)
	defer unlock()

	b, err := p.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	perUnit := b.CreditsPerUnit
	charged := b.ChargedUnits()
	completed := b.CompletedCount()

	newly := 0
	var passErr error
	if perUnit > 0 && completed > charged {
		refs := make([]string, 0, completed-charged)
		for n := charged + 1; n <= completed; n++ {
			refs = append(refs, UnitReference(batchID, n))
		}
		ok, err := p.ledger.DeductUnits(ctx, b.UserID, perUnit, refs)
		switch {
		case err != nil:
			passErr = fmt.Errorf("processor: deduct %d units: %w", len(refs), err)
		case !ok:
			passErr = fmt.Errorf("processor: deduct %d units: %w", len(refs), domain.ErrInsufficientCredits)
		default:
			newly = len(refs)
		}
	}

	settled := func(x *domain.Batch) bool {
		if !x.AllTerminal() {
			return false
		}
		if x.CreditsPerUnit <= 0 {
			return true
		}
		return x.ChargedUnits() == x.CompletedCount()
	}
	if newly == 0 && b.CreditsSettled == settled(b) {
		return passErr
	}

	updated, err := p.store.Update(ctx, batchID, func(x *domain.Batch) error {
		if perUnit > 0 {
			x.CreditsUsed = (charged + newly) * perUnit
		}
		x.CreditsSettled = settled(x)
		return nil
	}, domain.PersistAlways)
	if err != nil {
		return fmt.Errorf("processor: record settlement: %w", err)
	}
	if newly > 0 {
		p.logger.Info().
			Str("batch_id", batchID).
			Str("user_id", b.UserID).
			Int("units", newly).
			Int("credits_used", updated.CreditsUsed).
			Bool("settled", updated.CreditsSettled).
			Msg("processor: credits charged")
	}
	return passErr
}

// SettleOutstanding settles every finished batch whose credits are not
// settled yet and returns how many were attempted.
func (p *Processor) SettleOutstanding(ctx context.Context) (int, error) {
	batches, err := p.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if !b.AllTerminal() || b.CreditsSettled {
			continue
		}
		n++
		p.settle(ctx, b.ID)
	}
	return n, nil
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
