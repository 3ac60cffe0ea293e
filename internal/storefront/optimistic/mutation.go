package optimistic

import (
	"context"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/google/uuid"
)

// Mutation is the handle of one issued cart change.
type Mutation struct {
	id   string
	kind Kind
	key  domain.LineKey
	done chan struct{}
	err  error
}

func newMutation(kind Kind, key domain.LineKey) *Mutation {
	return &Mutation{
		id:   uuid.NewString(),
		kind: kind,
		key:  key,
		done: make(chan struct{}),
	}
}

func (m *Mutation) ID() string { return m.id }

func (m *Mutation) Kind() Kind { return m.kind }

func (m *Mutation) Key() domain.LineKey { return m.key }

// Done is closed once the store has answered.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Err is nil while the mutation is in flight or after it committed, and a
// *RollbackError after it was rolled back.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
