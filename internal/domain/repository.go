package domain

import "context"

// PersistMode controls whether a store mutation is written to blob storage.
type PersistMode int

const (
	// PersistNever keeps the change in memory only.
	PersistNever PersistMode = iota
	// PersistIfTerminal writes only when every item is terminal.
	PersistIfTerminal
	// PersistAlways writes unconditionally.
	PersistAlways
)

// BatchRepository is the shared index of batches. Every mutation recomputes
// the aggregate status before it becomes visible.
type BatchRepository interface {
	Create(ctx context.Context, batch *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	List(ctx context.Context) ([]*Batch, error)
	ListByUser(ctx context.Context, userID string) ([]*Batch, error)
	UpdateItem(ctx context.Context, batchID, itemID string, mutate func(*SubJob) error, mode PersistMode) (*Batch, error)
	Update(ctx context.Context, batchID string, mutate func(*Batch) error, mode PersistMode) (*Batch, error)
	Persist(ctx context.Context, batchID string, mode PersistMode) error
}

// CreditLedger is the external account balance.
type CreditLedger interface {
	// DeductCredits atomically debits amount. Replaying a reference that was
	// already applied reports success without charging again. It returns false
	// when the balance is insufficient or the user does not exist.
	DeductCredits(ctx context.Context, userID string, amount int, reference string) (bool, error)
	// DeductUnits debits perUnit for each reference not yet applied. The
	// new references are charged together or not at all.
	DeductUnits(ctx context.Context, userID string, perUnit int, references []string) (bool, error)
	GetUser(ctx context.Context, userID string) (*User, error)
}

// UserRepository extends the ledger with account administration.
type UserRepository interface {
	CreditLedger
	SetCredits(ctx context.Context, userID string, credits int) (*User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
}

// BlobStore persists raw bytes by key.
type BlobStore interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
	Load(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
