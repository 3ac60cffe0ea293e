package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/storefront-cart/internal/repository"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrMissingEmail = errors.New("missing or invalid user email")

// CartClearer empties an account's cart and its cached copy.
type CartClearer interface {
	ClearCart(ctx context.Context, email string) error
}

// CheckoutCompletedEvent is the part of the checkout outbox payload the cart
// service reads.
type CheckoutCompletedEvent struct {
	CheckoutID string `json:"checkout_id"`
	UserEmail  string `json:"user_email"`
	Email      string `json:"email"`
}

func (e CheckoutCompletedEvent) account() string {
	if e.UserEmail != "" {
		return strings.ToLower(strings.TrimSpace(e.UserEmail))
	}
	return strings.ToLower(strings.TrimSpace(e.Email))
}

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Poller empties carts once their checkout completes.
type Poller struct {
	carts  CartClearer
	reader messageReader
	logger *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewPoller(carts CartClearer, logger *zap.Logger, topic, groupID string, brokers ...string) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{carts: carts, reader: reader, logger: logger, minBackoff: minBackoff, maxBackoff: maxBackoff}
}

// Run reads checkout events until ctx is done. Read failures back off
// exponentially up to maxBackoff; a successful read resets the delay.
func (p *Poller) Run(ctx context.Context) {
	delay := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return
		}
		m, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = p.nextBackoff(delay)
			p.logger.Warn("error reading message", zap.Duration("retry_in", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		if err := p.handleMessage(ctx, m.Value); err != nil {
			p.logger.Warn("checkout event not applied",
				zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (p *Poller) nextBackoff(cur time.Duration) time.Duration {
	if cur < p.minBackoff {
		return p.minBackoff
	}
	if cur *= 2; cur > p.maxBackoff {
		return p.maxBackoff
	}
	return cur
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.logger.Warn("error closing reader", zap.Error(err))
	}
}

func (p *Poller) handleMessage(ctx context.Context, value []byte) error {
	var event CheckoutCompletedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("error parsing message: %w", err)
	}
	email := event.account()
	if email == "" {
		return ErrMissingEmail
	}

	err := p.carts.ClearCart(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		return fmt.Errorf("failed to clear cart: %w", err)
	}

	p.logger.Info("cart emptied after checkout",
		zap.String("checkout_id", event.CheckoutID), zap.String("email", email))
	return nil
}
