package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	ClientsCollection       = "oauth_clients"        // client registrations
	CodesCollection         = "oauth_auth_codes"     // authorization codes, keyed by digest
	AccessTokensCollection  = "oauth_access_tokens"  // opaque access token records
	RefreshTokensCollection = "oauth_refresh_tokens" // refresh token rotation chains
	ConsentsCollection      = "oauth_consents"       // per-user per-client scope grants
	DenylistCollection      = "oauth_jwt_denylist"   // revoked JWT jtis
)

// EnsureIndexes creates the indexes the adapter relies on. TTL indexes make
// Mongo expire codes, tokens and denylist entries on its own; the unique
// indexes back the uniqueness the repository contract promises.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	ttl := options.Index().SetExpireAfterSeconds(0)

	specs := map[string][]mongo.IndexModel{
		ClientsCollection: {
			{Keys: bson.D{{Key: "client_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CodesCollection: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl},
			{Keys: bson.D{{Key: "client_id", Value: 1}}},
		},
		AccessTokensCollection: {
			{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "client_id", Value: 1}}},
		},
		RefreshTokensCollection: {
			{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "chain_id", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "client_id", Value: 1}}},
		},
		ConsentsCollection: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "client_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		DenylistCollection: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl},
		},
	}

	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}

	return nil
}
