// Command storefront drives the shopper's cart from a terminal: the guest
// cart lives in a local SQLite file and signing in with --email moves it to
// the account cart on the cart service.
//
//	storefront [flags] list
//	storefront [flags] add <product-id> <title> <price> [quantity]
//	storefront [flags] update <product-id> <quantity>
//	storefront [flags] remove <product-id>
//	storefront [flags] sync
//
// Every flag can also be set from the environment as STOREFRONT_<NAME>, for
// example STOREFRONT_SERVICE_URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/logger"
	"github.com/fjod/storefront-cart/internal/pricing"
	"github.com/fjod/storefront-cart/internal/storefront"
	"github.com/fjod/storefront-cart/internal/storefront/localcart"
	"github.com/fjod/storefront-cart/internal/storefront/optimistic"
	"github.com/fjod/storefront-cart/internal/storefront/remotecart"
	"github.com/fjod/storefront-cart/internal/storefront/session"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errUsage = errors.New("usage: storefront [flags] list|add|update|remove|sync")

type options struct {
	ServiceURL string
	DB         string
	Email      string
	Token      string
	Timeout    time.Duration
	LogLevel   string

	Currency string
	Color    string
	Size     string
	Image    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "storefront:", err)
		os.Exit(1)
	}
}

func parse(args []string) (options, []string, error) {
	fs := pflag.NewFlagSet("storefront", pflag.ContinueOnError)
	fs.String("service-url", "http://localhost:8080", "cart service base URL")
	fs.String("db", "storefront.db", "guest cart SQLite file")
	fs.String("email", "", "signed-in account; empty shops as a guest")
	fs.String("token", "", "bearer token for the cart service")
	fs.Duration("timeout", 10*time.Second, "cart service request timeout")
	fs.String("log-level", "warn", "log level")
	fs.String("currency", "USD", "currency for add")
	fs.String("color", "", "selected color")
	fs.String("size", "", "selected size")
	fs.String("image", "", "image URL for add")
	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return options{}, nil, err
	}

	return options{
		ServiceURL: v.GetString("service-url"),
		DB:         v.GetString("db"),
		Email:      v.GetString("email"),
		Token:      v.GetString("token"),
		Timeout:    v.GetDuration("timeout"),
		LogLevel:   v.GetString("log-level"),
		Currency:   v.GetString("currency"),
		Color:      v.GetString("color"),
		Size:       v.GetString("size"),
		Image:      v.GetString("image"),
	}, fs.Args(), nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, rest, err := parse(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errUsage
	}

	lg, err := logger.New(logger.Config{Level: opts.LogLevel, Format: "console", Output: "stderr"})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer lg.Sync()

	storage, err := localcart.NewSQLiteStorage(opts.DB)
	if err != nil {
		return err
	}
	defer storage.Close()

	token := opts.Token
	client := remotecart.NewClient(remotecart.Config{
		BaseURL: opts.ServiceURL,
		Timeout: opts.Timeout,
		Token:   func(context.Context) (string, error) { return token, nil },
		Logger:  lg.Named("remote"),
	})

	cart, err := storefront.New(ctx, localcart.New(storage, localcart.DefaultKey), client, lg)
	if err != nil {
		return err
	}
	cart.OnRollback(func(rb *optimistic.RollbackError) {
		lg.Warn("change was undone", zap.Stringer("key", rb.Key), zap.Error(rb.Err))
	})

	if opts.Email != "" {
		tr, err := cart.SetIdentity(ctx, session.Authenticated(opts.Email))
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		lg.Debug("identity", zap.Stringer("transition", tr.Kind), zap.String("email", tr.To.Email))
	}

	if err := dispatch(ctx, cart, opts, rest); err != nil {
		return err
	}
	if err := cart.Wait(ctx); err != nil {
		return err
	}
	return printCart(out, cart)
}

func dispatch(ctx context.Context, cart *storefront.Cart, opts options, args []string) error {
	switch args[0] {
	case "list":
		return nil
	case "add":
		if len(args) < 4 || len(args) > 5 {
			return fmt.Errorf("usage: storefront add <product-id> <title> <price> [quantity]")
		}
		price, err := domain.ParsePrice(args[3])
		if err != nil {
			return err
		}
		qty := 1
		if len(args) == 5 {
			if qty, err = strconv.Atoi(args[4]); err != nil {
				return fmt.Errorf("quantity: %w", err)
			}
		}
		product := domain.Product{
			ID:       args[1],
			Title:    args[2],
			Price:    price,
			Currency: opts.Currency,
			ImageURL: opts.Image,
		}
		if opts.Color != "" {
			product.Colors = []string{opts.Color}
		}
		if opts.Size != "" {
			product.Sizes = []string{opts.Size}
		}
		return settle(ctx)(cart.Add(ctx, product, qty, opts.Color, opts.Size))
	case "update":
		if len(args) != 3 {
			return fmt.Errorf("usage: storefront update <product-id> <quantity>")
		}
		qty, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("quantity: %w", err)
		}
		line, err := find(cart, domain.ResolveKey(args[1], opts.Color, opts.Size))
		if err != nil {
			return err
		}
		return settle(ctx)(cart.UpdateQuantity(ctx, line, qty))
	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: storefront remove <product-id>")
		}
		line, err := find(cart, domain.ResolveKey(args[1], opts.Color, opts.Size))
		if err != nil {
			return err
		}
		return settle(ctx)(cart.Remove(ctx, line))
	case "sync":
		res, err := cart.Sync(ctx)
		if err != nil {
			return err
		}
		return res.Err()
	}
	return errUsage
}

// settle waits for a mutation the cart accepted.
func settle(ctx context.Context) func(*optimistic.Mutation, error) error {
	return func(m *optimistic.Mutation, err error) error {
		if err != nil {
			return err
		}
		return m.Wait(ctx)
	}
}

func find(cart *storefront.Cart, key domain.LineKey) (domain.CartLine, error) {
	for _, l := range cart.Lines() {
		if l.Key() == key {
			return l, nil
		}
	}
	return domain.CartLine{}, fmt.Errorf("%w: %s", domain.ErrLineNotFound, key)
}

func printCart(out io.Writer, cart *storefront.Cart) error {
	lines := cart.Lines()
	if _, err := fmt.Fprintf(out, "cart (%s)\n", cart.Identity()); err != nil {
		return err
	}
	for _, l := range lines {
		variant := strings.Trim(strings.Join([]string{l.SelectedColor, l.SelectedSize}, "/"), "/")
		if variant != "" {
			variant = " [" + variant + "]"
		}
		if _, err := fmt.Fprintf(out, "  %s %s%s x%d  %s\n", l.ProductID, l.Title, variant, l.Quantity,
			pricing.Format(pricing.LineTotal(l), l.Currency)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "subtotal %s\n", cart.FormattedSubtotal())
	return err
}
