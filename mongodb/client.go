// Package mongodb is the durable storage adapter, backed by MongoDB.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

// Connect establishes the MongoDB connection, verifies it with a ping and
// returns the database handle. The client is instrumented with otelmongo so
// every command shows up in traces.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	log.Info().Str("database", dbName).Msg("connecting to mongodb")

	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetMonitor(otelmongo.NewMonitor())

	cli, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping mongodb primary: %w", err)
	}

	return cli, cli.Database(dbName), nil
}

// Ping verifies the connection, for health checks.
func Ping(ctx context.Context, cli *mongo.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return cli.Ping(pingCtx, readpref.Primary())
}

// Close disconnects the client. Errors are logged, not returned: at shutdown
// there is nothing left to do about them.
func Close(ctx context.Context, cli *mongo.Client) {
	if cli == nil {
		return
	}
	log.Info().Msg("closing mongodb connection")
	if err := cli.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("error closing mongodb connection")
	}
}
