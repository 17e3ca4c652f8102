package market

import "context"

// ListOptions filters request listings.
type ListOptions struct {
	Statuses []Status
	Buyer    string
	Seller   string
	TaskType string
	Limit    int
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Buyer != "" && record.Buyer != opts.Buyer {
		return false
	}
	if opts.Seller != "" && record.Seller != opts.Seller {
		return false
	}
	if opts.TaskType != "" && record.TaskType != opts.TaskType {
		return false
	}
	return true
}

// Store persists the local projection of market state: request records, the
// commitment secrets that must never leave the machine, settled earnings,
// the identity registration, and poll cursors. Single-writer access to the
// backing storage is assumed.
type Store interface {
	UpsertRequest(ctx context.Context, record *Record) error
	GetRequest(ctx context.Context, id uint64) (*Record, error)
	ListRequests(ctx context.Context, opts ListOptions) ([]*Record, error)

	PutSecret(ctx context.Context, id uint64, secretHex string) error
	GetSecret(ctx context.Context, id uint64) (string, error)
	DeleteSecret(ctx context.Context, id uint64) error

	// AppendEarning is idempotent on (request id, role) so replayed
	// settlement events cannot double-count.
	AppendEarning(ctx context.Context, earning Earning) error
	ListEarnings(ctx context.Context) ([]Earning, error)

	GetRegistration(ctx context.Context) (*Registration, error)
	PutRegistration(ctx context.Context, registration *Registration) error

	GetCursor(ctx context.Context, name string) (string, error)
	PutCursor(ctx context.Context, name, value string) error

	Close() error
}
