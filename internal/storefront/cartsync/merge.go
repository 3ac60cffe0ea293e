package cartsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fjod/storefront-cart/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// LocalCart is the guest cart being drained.
type LocalCart interface {
	ReadAll(ctx context.Context) ([]domain.CartLine, error)
	RemoveKeys(ctx context.Context, keys ...domain.LineKey) error
}

// RemoteCart receives guest lines. It must merge a line into an existing one
// with the same key.
type RemoteCart interface {
	AddLine(ctx context.Context, line domain.CartLine) (domain.CartLine, error)
}

type LineError struct {
	Line domain.CartLine
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("merge %s: %v", e.Line.Key(), e.Err)
}

func (e LineError) Unwrap() error {
	return e.Err
}

// Result lists what a merge moved. Failed lines are still in the guest cart.
type Result struct {
	Merged []domain.CartLine
	Failed []LineError
}

// Err joins the per-line failures, nil when every line merged.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i := range r.Failed {
		errs[i] = r.Failed[i]
	}
	return errors.Join(errs...)
}

type Controller struct {
	local       LocalCart
	remote      func(email string) RemoteCart
	concurrency int
	logger      *zap.Logger
}

type Option func(*Controller)

func WithConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewController(local LocalCart, remote func(email string) RemoteCart, opts ...Option) *Controller {
	c := &Controller{
		local:       local,
		remote:      remote,
		concurrency: defaultConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Merge adds every guest line to the account's cart and removes from the
// guest cart only the lines the account cart accepted. A line that fails is
// reported in the result and left for the next merge.
func (c *Controller) Merge(ctx context.Context, email string) (Result, error) {
	lines, err := c.local.ReadAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read guest cart: %w", err)
	}
	if len(lines) == 0 {
		return Result{}, nil
	}

	remote := c.remote(email)
	merged := make([]*domain.CartLine, len(lines))
	failed := make([]error, len(lines))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, line := range lines {
		g.Go(func() error {
			got, err := remote.AddLine(gctx, line)
			if err != nil {
				failed[i] = err
				return nil
			}
			merged[i] = &got
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	keys := make([]domain.LineKey, 0, len(lines))
	for i, line := range lines {
		if merged[i] != nil {
			res.Merged = append(res.Merged, *merged[i])
			keys = append(keys, line.Key())
			continue
		}
		res.Failed = append(res.Failed, LineError{Line: line, Err: failed[i]})
	}

	if err := c.local.RemoveKeys(ctx, keys...); err != nil {
		return res, fmt.Errorf("clear merged guest lines: %w", err)
	}

	log := c.logger.With(zap.String("email", email))
	if len(res.Failed) > 0 {
		log.Warn("guest cart partially merged",
			zap.Int("merged", len(res.Merged)),
			zap.Int("failed", len(res.Failed)),
			zap.Error(res.Err()))
	} else {
		log.Info("guest cart merged", zap.Int("lines", len(res.Merged)))
	}
	return res, nil
}

// Gate lets a merge run at most once per login event.
type Gate struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

func NewGate() *Gate {
	return &Gate{seen: make(map[uint64]struct{})}
}

// Run calls merge unless eventID was already handled. It reports whether
// merge ran.
func (g *Gate) Run(ctx context.Context, eventID uint64, merge func(ctx context.Context) (Result, error)) (Result, bool, error) {
	g.mu.Lock()
	if _, ok := g.seen[eventID]; ok {
		g.mu.Unlock()
		return Result{}, false, nil
	}
	g.seen[eventID] = struct{}{}
	g.mu.Unlock()

	res, err := merge(ctx)
	return res, true, err
}

// Forget lets eventID run again, for a login that could not be completed.
func (g *Gate) Forget(eventID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, eventID)
}
