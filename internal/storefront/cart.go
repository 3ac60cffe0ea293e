// Package storefront keeps the shopper's cart consistent across the guest
// cart on this device and the account cart on the cart service.
package storefront

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/pricing"
	"github.com/fjod/storefront-cart/internal/storefront/cartsync"
	"github.com/fjod/storefront-cart/internal/storefront/localcart"
	"github.com/fjod/storefront-cart/internal/storefront/optimistic"
	"github.com/fjod/storefront-cart/internal/storefront/remotecart"
	"github.com/fjod/storefront-cart/internal/storefront/session"
	"go.uber.org/zap"
)

// Store is implemented by both the guest and the account cart.
type Store = optimistic.Store

var (
	_ Store = (*localcart.Store)(nil)
	_ Store = (*remotecart.Store)(nil)
)

// Cart routes mutations to the guest cart while the shopper is anonymous and
// to the account cart once signed in. Signing in from an anonymous session
// merges the guest cart into the account cart once per login.
type Cart struct {
	local   *localcart.Store
	remote  *remotecart.Client
	tracker *session.Tracker
	gate    *cartsync.Gate
	merger  *cartsync.Controller
	logger  *zap.Logger

	// mu is held for writing by identity changes and observer registration and
	// for reading while a mutation is issued. Readers go through active
	// without locking.
	mu        sync.RWMutex
	guest     *optimistic.Engine
	active    atomic.Pointer[optimistic.Engine]
	subs      []func(optimistic.Snapshot)
	rollbacks []func(*optimistic.RollbackError)
}

func New(ctx context.Context, local *localcart.Store, remote *remotecart.Client, logger *zap.Logger) (*Cart, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cart{
		local:   local,
		remote:  remote,
		tracker: session.NewTracker(),
		gate:    cartsync.NewGate(),
		logger:  logger,
	}
	c.merger = cartsync.NewController(local,
		func(email string) cartsync.RemoteCart { return remote.Store(email) },
		cartsync.WithLogger(logger))

	c.guest = c.newEngine(local)
	if err := c.guest.Load(ctx); err != nil {
		return nil, fmt.Errorf("load guest cart: %w", err)
	}
	c.active.Store(c.guest)
	return c, nil
}

func (c *Cart) newEngine(store Store) *optimistic.Engine {
	e := optimistic.New(store, c.logger)
	for _, fn := range c.subs {
		e.Subscribe(fn)
	}
	for _, fn := range c.rollbacks {
		e.OnRollback(fn)
	}
	return e
}

// Subscribe registers fn on the current and every future cart engine. fn is
// called synchronously from Add, UpdateQuantity and Remove and must not issue
// mutations itself; OnRollback callbacks may.
func (c *Cart) Subscribe(fn func(optimistic.Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	c.guest.Subscribe(fn)
	if active := c.active.Load(); active != c.guest {
		active.Subscribe(fn)
	}
}

func (c *Cart) OnRollback(fn func(*optimistic.RollbackError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks = append(c.rollbacks, fn)
	c.guest.OnRollback(fn)
	if active := c.active.Load(); active != c.guest {
		active.OnRollback(fn)
	}
}

func (c *Cart) Identity() session.Identity {
	return c.tracker.Current()
}

// SetIdentity switches the cart to id. A login merges the guest cart into
// the account cart before the account cart is loaded; a partial merge is
// logged and leaves the unmerged lines in the guest cart. The identity only
// changes once both carts are loaded, so a failed call can be retried.
func (c *Cart) SetIdentity(ctx context.Context, id session.Identity) (session.Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.active.Load().Wait(ctx); err != nil {
		return session.Transition{}, err
	}
	if c.active.Load() != c.guest {
		if err := c.guest.Wait(ctx); err != nil {
			return session.Transition{}, err
		}
	}

	tr := c.tracker.Peek(id)
	if tr.Kind == session.None {
		return tr, nil
	}

	next := c.guest
	if tr.To.IsAuthenticated() {
		if tr.Kind == session.Login {
			c.mergeGuest(ctx, tr)
		}
		next = c.newEngine(c.remote.Store(tr.To.Email))
	}

	if err := c.guest.Load(ctx); err != nil {
		c.gate.Forget(tr.EventID)
		return tr, fmt.Errorf("reload guest cart: %w", err)
	}
	if next != c.guest {
		if err := next.Load(ctx); err != nil {
			c.gate.Forget(tr.EventID)
			return tr, fmt.Errorf("load account cart: %w", err)
		}
	}

	c.active.Store(next)
	c.tracker.Commit(tr)
	return tr, nil
}

func (c *Cart) mergeGuest(ctx context.Context, tr session.Transition) {
	res, ran, err := c.gate.Run(ctx, tr.EventID, func(ctx context.Context) (cartsync.Result, error) {
		return c.merger.Merge(ctx, tr.To.Email)
	})
	if err != nil {
		c.logger.Error("guest cart merge failed", zap.Uint64("event_id", tr.EventID), zap.Error(err))
	} else if ran && len(res.Failed) > 0 {
		c.logger.Warn("guest lines left for a later sync", zap.Int("failed", len(res.Failed)))
	}
}

// Sync retries merging the guest cart into the signed-in account.
func (c *Cart) Sync(ctx context.Context) (cartsync.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.tracker.Current()
	if !id.IsAuthenticated() {
		return cartsync.Result{}, nil
	}
	active := c.active.Load()
	if err := active.Wait(ctx); err != nil {
		return cartsync.Result{}, err
	}
	res, err := c.merger.Merge(ctx, id.Email)
	if err != nil {
		return res, err
	}
	if err := active.Load(ctx); err != nil {
		return res, err
	}
	return res, c.guest.Load(ctx)
}

func (c *Cart) engine() *optimistic.Engine {
	return c.active.Load()
}

// Add, UpdateQuantity and Remove wait for an identity change in progress, so
// a mutation never lands in the guest cart while it is being merged.
func (c *Cart) Add(ctx context.Context, product domain.Product, quantity int, color, size string) (*optimistic.Mutation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine().Add(ctx, product, quantity, color, size)
}

func (c *Cart) UpdateQuantity(ctx context.Context, line domain.CartLine, quantity int) (*optimistic.Mutation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine().UpdateQuantity(ctx, line, quantity)
}

func (c *Cart) Remove(ctx context.Context, line domain.CartLine) (*optimistic.Mutation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine().Remove(ctx, line)
}

func (c *Cart) Lines() []domain.CartLine {
	return c.engine().Lines()
}

func (c *Cart) Subtotal() int64 {
	return pricing.CartSubtotal(c.Lines())
}

// FormattedSubtotal renders the subtotal in the cart's currency.
func (c *Cart) FormattedSubtotal() string {
	lines := c.Lines()
	return pricing.Format(pricing.CartSubtotal(lines), pricing.Currency(lines))
}

func (c *Cart) Wait(ctx context.Context) error {
	return c.engine().Wait(ctx)
}
