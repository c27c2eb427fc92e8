package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
)

// BatchPrefix is the blob prefix under which batch documents live.
const BatchPrefix = "batches"

// BatchKey returns the blob key of a batch document.
func BatchKey(batchID string) string {
	return path.Join(BatchPrefix, batchID+".json")
}

// BatchStore implements domain.BatchRepository as an in-memory index backed
// by one JSON document per batch in blob storage. Mutations are serialized
// and every write carries the batch version, so an older snapshot never
// overwrites a newer one.
type BatchStore struct {
	blobs  domain.BlobStore
	logger *infra.Logger
	now    func() time.Time

	mu      sync.RWMutex
	batches map[string]*domain.Batch

	writeMu sync.Mutex
	written map[string]int64
}

// NewBatchStore creates an empty store. Call Load to populate it.
func NewBatchStore(blobs domain.BlobStore, logger *infra.Logger) *BatchStore {
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &BatchStore{
		blobs:   blobs,
		logger:  logger,
		now:     time.Now,
		batches: make(map[string]*domain.Batch),
		written: make(map[string]int64),
	}
}

// Load reads every persisted batch into memory. Documents that fail to
// decode are logged and skipped.
func (s *BatchStore) Load(ctx context.Context) (int, error) {
	keys, err := s.blobs.List(ctx, BatchPrefix)
	if err != nil {
		return 0, fmt.Errorf("repo: list batches: %w", err)
	}
	loaded := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := s.blobs.Load(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("repo: load batch failed")
			continue
		}
		var b domain.Batch
		if err := json.Unmarshal(data, &b); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("repo: decode batch failed")
			continue
		}
		if n := b.SkippedItems(); n > 0 {
			s.logger.Warn().Str("batch_id", b.ID).Int("skipped", n).Msg("repo: dropped undecodable items")
		}
		s.mu.Lock()
		s.batches[b.ID] = &b
		s.mu.Unlock()
		s.writeMu.Lock()
		s.written[b.ID] = b.Version
		s.writeMu.Unlock()
		loaded++
	}
	s.logger.Info().Int("count", loaded).Msg("repo: batches loaded")
	return loaded, nil
}

// Create registers a batch and persists it before returning.
func (s *BatchStore) Create(ctx context.Context, b *domain.Batch) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("%w: batch id is required", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	if _, exists := s.batches[b.ID]; exists {
		s.mu.Unlock()
		return domain.ErrDuplicateOperation
	}
	stored := b.Clone()
	stored.Version = 1
	s.batches[b.ID] = stored
	data, err := json.Marshal(stored)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repo: encode batch: %w", err)
	}
	if err := s.write(ctx, stored.ID, stored.Version, data); err != nil {
		s.mu.Lock()
		delete(s.batches, b.ID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Get returns a snapshot of the batch.
func (s *BatchStore) Get(ctx context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b.Clone(), nil
}

// List returns snapshots of every batch, newest first.
func (s *BatchStore) List(ctx context.Context) ([]*domain.Batch, error) {
	return s.filter(func(*domain.Batch) bool { return true }), nil
}

// ListByUser returns the user's batches, newest first.
func (s *BatchStore) ListByUser(ctx context.Context, userID string) ([]*domain.Batch, error) {
	return s.filter(func(b *domain.Batch) bool { return b.UserID == userID }), nil
}

func (s *BatchStore) filter(keep func(*domain.Batch) bool) []*domain.Batch {
	s.mu.RLock()
	out := make([]*domain.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UpdateItem applies mutate to one item, recomputes the batch status and
// persists according to mode. When mutate fails nothing changes and its
// error is returned unwrapped.
func (s *BatchStore) UpdateItem(ctx context.Context, batchID, itemID string, mutate func(*domain.SubJob) error, mode domain.PersistMode) (*domain.Batch, error) {
	return s.Update(ctx, batchID, func(b *domain.Batch) error {
		item, ok := b.Item(itemID)
		if !ok {
			return domain.ErrNotFound
		}
		return mutate(item)
	}, mode)
}

// Update applies mutate to a copy of the batch and swaps it in on success.
func (s *BatchStore) Update(ctx context.Context, batchID string, mutate func(*domain.Batch) error, mode domain.PersistMode) (*domain.Batch, error) {
	s.mu.Lock()
	current, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.RecomputeStatus(s.now())
	if !next.AllTerminal() {
		next.CreditsSettled = false
	}
	next.Version = current.Version + 1
	s.batches[batchID] = next
	snapshot := next.Clone()
	var data []byte
	var err error
	if shouldPersist(next, mode) {
		data, err = json.Marshal(next)
	}
	s.mu.Unlock()

	if err != nil {
		return snapshot, fmt.Errorf("repo: encode batch: %w", err)
	}
	if data != nil {
		if err := s.write(ctx, batchID, snapshot.Version, data); err != nil {
			return snapshot, err
		}
	}
	return snapshot, nil
}

// Persist writes the current in-memory state according to mode.
func (s *BatchStore) Persist(ctx context.Context, batchID string, mode domain.PersistMode) error {
	s.mu.RLock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.RUnlock()
		return domain.ErrNotFound
	}
	if !shouldPersist(b, mode) {
		s.mu.RUnlock()
		return nil
	}
	version := b.Version
	data, err := json.Marshal(b)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("repo: encode batch: %w", err)
	}
	return s.write(ctx, batchID, version, data)
}

// Flush writes every batch whose in-memory version has not reached blob
// storage yet. It returns how many documents were written.
func (s *BatchStore) Flush(ctx context.Context) (int, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.batches))
	s.writeMu.Lock()
	for id, b := range s.batches {
		if last, ok := s.written[id]; !ok || last < b.Version {
			ids = append(ids, id)
		}
	}
	s.writeMu.Unlock()
	s.mu.RUnlock()

	flushed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}
		if err := s.Persist(ctx, id, domain.PersistAlways); err != nil {
			return flushed, fmt.Errorf("repo: flush %s: %w", id, err)
		}
		flushed++
	}
	return flushed, nil
}

func shouldPersist(b *domain.Batch, mode domain.PersistMode) bool {
	switch mode {
	case domain.PersistAlways:
		return true
	case domain.PersistIfTerminal:
		return b.AllTerminal()
	default:
		return false
	}
}

// write stores data unless a newer version already reached the blob store.
func (s *BatchStore) write(ctx context.Context, batchID string, version int64, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if last, ok := s.written[batchID]; ok && last >= version {
		return nil
	}
	if _, err := s.blobs.Save(ctx, BatchKey(batchID), data); err != nil {
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("repo: persist batch failed")
		return fmt.Errorf("repo: persist batch %s: %w", batchID, err)
	}
	s.written[batchID] = version
	return nil
}

var _ domain.BatchRepository = (*BatchStore)(nil)
