package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoOptions tunes the cart store's client. Zero values take the driver
// defaults below.
type MongoOptions struct {
	URI                    string
	Database               string
	AppName                string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

const (
	defaultMaxPoolSize            = 100
	defaultMinPoolSize            = 10
	defaultConnectTimeout         = 10 * time.Second
	defaultServerSelectionTimeout = 5 * time.Second
)

func (o MongoOptions) clientOptions() *options.ClientOptions {
	maxPool, minPool := o.MaxPoolSize, o.MinPoolSize
	if maxPool == 0 {
		maxPool = defaultMaxPoolSize
	}
	if minPool == 0 {
		minPool = defaultMinPoolSize
	}
	if minPool > maxPool {
		minPool = maxPool
	}
	connect := o.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	selection := o.ServerSelectionTimeout
	if selection <= 0 {
		selection = defaultServerSelectionTimeout
	}

	opts := options.Client().
		ApplyURI(o.URI).
		SetConnectTimeout(connect).
		SetServerSelectionTimeout(selection).
		SetMaxPoolSize(maxPool).
		SetMinPoolSize(minPool)
	if o.AppName != "" {
		opts.SetAppName(o.AppName)
	}
	return opts
}

// ConnectMongoDB connects and pings before handing back the cart database.
func ConnectMongoDB(ctx context.Context, o MongoOptions) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, o.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(o.Database), nil
}
