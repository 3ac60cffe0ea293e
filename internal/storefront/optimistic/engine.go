package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrMutationsPending = errors.New("cart has mutations in flight")

// Store is the backing cart a mutation is committed to.
type Store interface {
	ReadAll(ctx context.Context) ([]domain.CartLine, error)
	Add(ctx context.Context, product domain.Product, quantity int, color, size string) (domain.CartLine, error)
	UpdateQuantity(ctx context.Context, line domain.CartLine, quantity int) (domain.CartLine, error)
	Remove(ctx context.Context, line domain.CartLine) error
}

type Kind int

const (
	KindAdd Kind = iota
	KindUpdate
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindUpdate:
		return "update"
	case KindRemove:
		return "remove"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Snapshot is what subscribers see after every change.
type Snapshot struct {
	Lines   []domain.CartLine
	Pending int
}

// RollbackError reports a mutation the store refused. Before is the cart as
// it looked when the mutation was issued.
type RollbackError struct {
	MutationID string
	Kind       Kind
	Key        domain.LineKey
	Before     []domain.CartLine
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s %s rolled back: %v", e.Kind, e.Key, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

type op struct {
	*Mutation
	product   domain.Product
	quantity  int
	line      domain.CartLine
	before    []domain.CartLine
	committed bool
	result    domain.CartLine
}

// Engine applies cart mutations to its view before the store confirms them.
//
// The view is the confirmed base with every unresolved or not yet compacted
// mutation applied in issue order. A failed mutation is dropped from the log,
// which reverts exactly its own change. Store calls for the same line key are
// issued one after another in issue order; different keys run concurrently.
type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	base  []domain.CartLine
	ops   []*op
	tails map[domain.LineKey]chan struct{}

	notifyMu  sync.Mutex
	subs      []func(Snapshot)
	rollbacks []func(*RollbackError)
}

func New(store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
		tails:  make(map[domain.LineKey]chan struct{}),
	}
}

// Subscribe registers fn to receive a snapshot after every change.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.subs = append(e.subs, fn)
}

// OnRollback registers fn to be told about every rolled-back mutation.
func (e *Engine) OnRollback(fn func(*RollbackError)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.rollbacks = append(e.rollbacks, fn)
}

// Load replaces the confirmed cart with the store's contents.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	pending := len(e.ops)
	e.mu.Unlock()
	if pending > 0 {
		return ErrMutationsPending
	}

	lines, err := e.store.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}

	e.mu.Lock()
	if len(e.ops) > 0 {
		e.mu.Unlock()
		return ErrMutationsPending
	}
	e.base = domain.CloneLines(lines)
	e.mu.Unlock()

	e.notify()
	return nil
}

func (e *Engine) Lines() []domain.CartLine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked(len(e.ops))
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Lines: e.viewLocked(len(e.ops)), Pending: e.pendingLocked()}
}

// Pending counts mutations the store has not answered yet.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocked()
}

func (e *Engine) Add(ctx context.Context, product domain.Product, quantity int, color, size string) (*Mutation, error) {
	if quantity < 1 {
		return nil, domain.ErrInvalidQuantity
	}
	if err := product.ValidateSelection(color, size); err != nil {
		return nil, err
	}

	key := domain.ResolveKey(product.ID, color, size)
	o := &op{
		Mutation: newMutation(KindAdd, key),
		product:  product,
		quantity: quantity,
		line:     domain.NewLine("pending-"+uuid.NewString(), product, color, size, quantity, e.now().UTC()),
	}
	return e.issue(ctx, o, false)
}

// UpdateQuantity overwrites the quantity of line. Use Remove to drop a line;
// quantities below 1 are rejected.
func (e *Engine) UpdateQuantity(ctx context.Context, line domain.CartLine, quantity int) (*Mutation, error) {
	if quantity < 1 {
		return nil, domain.ErrInvalidQuantity
	}
	o := &op{
		Mutation: newMutation(KindUpdate, line.Key()),
		quantity: quantity,
	}
	return e.issue(ctx, o, true)
}

func (e *Engine) Remove(ctx context.Context, line domain.CartLine) (*Mutation, error) {
	o := &op{Mutation: newMutation(KindRemove, line.Key())}
	return e.issue(ctx, o, true)
}

// Wait blocks until every mutation issued so far is resolved.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	waiting := make([]chan struct{}, 0, len(e.ops))
	for _, o := range e.ops {
		waiting = append(waiting, o.done)
	}
	e.mu.Unlock()

	for _, ch := range waiting {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) issue(ctx context.Context, o *op, mustExist bool) (*Mutation, error) {
	e.mu.Lock()
	view := e.viewLocked(len(e.ops))
	if mustExist && indexOf(view, o.key) < 0 {
		e.mu.Unlock()
		return nil, domain.ErrLineNotFound
	}
	o.before = view
	e.ops = append(e.ops, o)
	prev := e.tails[o.key]
	e.tails[o.key] = o.done
	e.mu.Unlock()

	e.logger.Debug("mutation applied",
		zap.String("mutation_id", o.id),
		zap.Stringer("kind", o.kind),
		zap.Stringer("key", o.key))
	e.notify()

	go e.run(ctx, o, prev)
	return o.Mutation, nil
}

func (e *Engine) run(ctx context.Context, o *op, prev <-chan struct{}) {
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			e.resolve(o, domain.CartLine{}, ctx.Err())
			return
		}
	}

	var (
		result domain.CartLine
		err    error
	)
	switch o.kind {
	case KindAdd:
		result, err = e.store.Add(ctx, o.product, o.quantity, o.key.Color, o.key.Size)
	case KindUpdate:
		ref, ok := e.lineBefore(o)
		if !ok {
			err = domain.ErrLineNotFound
			break
		}
		result, err = e.store.UpdateQuantity(ctx, ref, o.quantity)
	case KindRemove:
		ref, ok := e.lineBefore(o)
		if !ok {
			err = domain.ErrLineNotFound
			break
		}
		err = e.store.Remove(ctx, ref)
	}
	e.resolve(o, result, err)
}

// lineBefore returns the line o targets as it looks with every earlier
// mutation applied.
func (e *Engine) lineBefore(o *op) (domain.CartLine, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for n < len(e.ops) && e.ops[n] != o {
		n++
	}
	view := e.viewLocked(n)
	i := indexOf(view, o.key)
	if i < 0 {
		return domain.CartLine{}, false
	}
	return view[i], true
}

func (e *Engine) resolve(o *op, result domain.CartLine, err error) {
	var rollback *RollbackError

	e.mu.Lock()
	if err != nil {
		for i := range e.ops {
			if e.ops[i] == o {
				e.ops = append(e.ops[:i], e.ops[i+1:]...)
				break
			}
		}
		rollback = &RollbackError{
			MutationID: o.id,
			Kind:       o.kind,
			Key:        o.key,
			Before:     o.before,
			Err:        err,
		}
		o.err = rollback
	} else {
		o.committed = true
		o.result = result
	}
	e.compactLocked()
	if e.tails[o.key] == o.done {
		delete(e.tails, o.key)
	}
	e.mu.Unlock()
	close(o.done)

	if rollback != nil {
		e.logger.Warn("mutation rolled back",
			zap.String("mutation_id", o.id),
			zap.Stringer("kind", o.kind),
			zap.Stringer("key", o.key),
			zap.Error(err))
	}
	e.notify()
	if rollback != nil {
		e.notifyRollback(rollback)
	}
}

// compactLocked folds the committed prefix of the log into the base. The
// server's quantity is adopted once nothing else on that key is outstanding.
func (e *Engine) compactLocked() {
	for len(e.ops) > 0 && e.ops[0].committed {
		o := e.ops[0]
		e.ops = e.ops[1:]
		e.base = apply(e.base, o)

		if o.kind == KindRemove || o.result.ID == "" || e.touchedLocked(o.key) {
			continue
		}
		if i := indexOf(e.base, o.key); i >= 0 {
			e.base[i].Quantity = o.result.Quantity
		}
	}
}

func (e *Engine) touchedLocked(key domain.LineKey) bool {
	for _, o := range e.ops {
		if o.key == key {
			return true
		}
	}
	return false
}

func (e *Engine) pendingLocked() int {
	n := 0
	for _, o := range e.ops {
		if !o.committed {
			n++
		}
	}
	return n
}

// viewLocked folds the first n ops of the log over the base.
func (e *Engine) viewLocked(n int) []domain.CartLine {
	lines := domain.CloneLines(e.base)
	if lines == nil {
		lines = []domain.CartLine{}
	}
	for _, o := range e.ops[:n] {
		lines = apply(lines, o)
	}
	return lines
}

func apply(lines []domain.CartLine, o *op) []domain.CartLine {
	i := indexOf(lines, o.key)
	switch o.kind {
	case KindAdd:
		if i >= 0 {
			lines[i].Quantity += o.quantity
		} else {
			lines = append(lines, o.line)
			i = len(lines) - 1
		}
	case KindUpdate:
		if i < 0 {
			return lines
		}
		lines[i].Quantity = o.quantity
	case KindRemove:
		if i >= 0 {
			lines = append(lines[:i], lines[i+1:]...)
		}
		return lines
	}

	if o.committed && o.result.ID != "" {
		adopt(&lines[i], o.result)
	}
	return lines
}

// adopt copies the store's identity and snapshot fields onto a view line.
func adopt(dst *domain.CartLine, src domain.CartLine) {
	dst.ID = src.ID
	dst.Title = src.Title
	dst.UnitPrice = src.UnitPrice
	dst.Currency = src.Currency
	dst.ImageURL = src.ImageURL
	if !src.AddedAt.IsZero() {
		dst.AddedAt = src.AddedAt
	}
}

func indexOf(lines []domain.CartLine, key domain.LineKey) int {
	for i := range lines {
		if lines[i].Key() == key {
			return i
		}
	}
	return -1
}

// notify and notifyRollback call observers without holding any engine lock,
// so an observer may issue mutations of its own.
func (e *Engine) notify() {
	e.notifyMu.Lock()
	subs := e.subs[:len(e.subs):len(e.subs)]
	e.notifyMu.Unlock()
	if len(subs) == 0 {
		return
	}
	snap := e.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

func (e *Engine) notifyRollback(err *RollbackError) {
	e.notifyMu.Lock()
	rollbacks := e.rollbacks[:len(e.rollbacks):len(e.rollbacks)]
	e.notifyMu.Unlock()
	for _, fn := range rollbacks {
		fn(err)
	}
}
