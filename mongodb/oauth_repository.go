package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aegis-dev/aegis/domain"
)

// OAuthRepository implements domain.OAuthRepository on MongoDB. The
// conditional updates (ConsumeAuthCode, RotateRefreshToken) use
// FindOneAndUpdate with a state-constrained filter, which Mongo executes
// atomically per document: of two racing calls exactly one matches.
type OAuthRepository struct {
	clients       *mongo.Collection
	codes         *mongo.Collection
	accessTokens  *mongo.Collection
	refreshTokens *mongo.Collection
	consents      *mongo.Collection
	denylist      *mongo.Collection
}

// NewOAuthRepository creates the repository over the given database.
func NewOAuthRepository(db *mongo.Database) *OAuthRepository {
	return &OAuthRepository{
		clients:       db.Collection(ClientsCollection),
		codes:         db.Collection(CodesCollection),
		accessTokens:  db.Collection(AccessTokensCollection),
		refreshTokens: db.Collection(RefreshTokensCollection),
		consents:      db.Collection(ConsentsCollection),
		denylist:      db.Collection(DenylistCollection),
	}
}

var _ domain.OAuthRepository = (*OAuthRepository)(nil)

// --- Clients ---

func (r *OAuthRepository) CreateClient(ctx context.Context, client *domain.Client) error {
	if _, err := r.clients.InsertOne(ctx, client); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create client: %w", err)
	}

	return nil
}

func (r *OAuthRepository) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	var client domain.Client
	err := r.clients.FindOne(ctx, bson.M{"client_id": clientID}).Decode(&client)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	return &client, nil
}

func (r *OAuthRepository) UpdateClient(ctx context.Context, client *domain.Client) error {
	result, err := r.clients.ReplaceOne(ctx, bson.M{"client_id": client.ID}, client)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// DeleteClient removes the registration and cascades everything the client
// accumulated: codes, tokens and consents.
func (r *OAuthRepository) DeleteClient(ctx context.Context, clientID string) error {
	result, err := r.clients.DeleteOne(ctx, bson.M{"client_id": clientID})
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}

	byClient := bson.M{"client_id": clientID}
	for _, coll := range []*mongo.Collection{r.codes, r.accessTokens, r.refreshTokens, r.consents} {
		if _, err := coll.DeleteMany(ctx, byClient); err != nil {
			return fmt.Errorf("failed to cascade client deletion: %w", err)
		}
	}

	return nil
}

// --- Authorization codes ---

func (r *OAuthRepository) SaveAuthCode(ctx context.Context, code *domain.AuthCode) error {
	if _, err := r.codes.InsertOne(ctx, code); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	return nil
}

func (r *OAuthRepository) GetAuthCode(ctx context.Context, codeHash string) (*domain.AuthCode, error) {
	var code domain.AuthCode
	err := r.codes.FindOne(ctx, bson.M{"_id": codeHash}).Decode(&code)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	return &code, nil
}

// ConsumeAuthCode flips the consumed flag with a filter that only matches the
// unconsumed document, so concurrent submissions of the same code cannot both
// win.
func (r *OAuthRepository) ConsumeAuthCode(ctx context.Context, codeHash string) (*domain.AuthCode, error) {
	filter := bson.M{"_id": codeHash, "consumed": false}
	update := bson.M{"$set": bson.M{"consumed": true}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var code domain.AuthCode
	err := r.codes.FindOneAndUpdate(ctx, filter, update, opts).Decode(&code)
	if err == nil {
		return &code, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// No match: either the code never existed or someone already consumed it.
	if _, getErr := r.GetAuthCode(ctx, codeHash); getErr == nil {
		return nil, domain.ErrAlreadyConsumed
	}

	return nil, domain.ErrNotFound
}

func (r *OAuthRepository) DeleteExpiredAuthCodes(ctx context.Context, now time.Time) error {
	if _, err := r.codes.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}}); err != nil {
		return fmt.Errorf("failed to delete expired authorization codes: %w", err)
	}

	return nil
}

// --- Access tokens ---

func (r *OAuthRepository) StoreAccessToken(ctx context.Context, token *domain.AccessToken) error {
	if _, err := r.accessTokens.InsertOne(ctx, token); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to store access token: %w", err)
	}

	return nil
}

func (r *OAuthRepository) GetAccessToken(ctx context.Context, tokenHash string) (*domain.AccessToken, error) {
	var token domain.AccessToken
	err := r.accessTokens.FindOne(ctx, bson.M{"token_hash": tokenHash}).Decode(&token)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	return &token, nil
}

func (r *OAuthRepository) RevokeAccessToken(ctx context.Context, tokenHash string) error {
	result, err := r.accessTokens.UpdateOne(ctx,
		bson.M{"token_hash": tokenHash},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// --- Refresh tokens ---

func (r *OAuthRepository) StoreRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	if _, err := r.refreshTokens.InsertOne(ctx, token); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (r *OAuthRepository) GetRefreshToken(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	var token domain.RefreshToken
	err := r.refreshTokens.FindOne(ctx, bson.M{"token_hash": tokenHash}).Decode(&token)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	return &token, nil
}

// RotateRefreshToken marks the token rotated iff it is still the chain head.
// The filter constrains on rotated and revoked, so a replayed token falls
// through to ErrNotChainHead.
func (r *OAuthRepository) RotateRefreshToken(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	filter := bson.M{"token_hash": tokenHash, "rotated": false, "revoked": false}
	update := bson.M{"$set": bson.M{"rotated": true}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var token domain.RefreshToken
	err := r.refreshTokens.FindOneAndUpdate(ctx, filter, update, opts).Decode(&token)
	if err == nil {
		return &token, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	if _, getErr := r.GetRefreshToken(ctx, tokenHash); getErr == nil {
		return nil, domain.ErrNotChainHead
	}

	return nil, domain.ErrNotFound
}

func (r *OAuthRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	result, err := r.refreshTokens.UpdateOne(ctx,
		bson.M{"token_hash": tokenHash},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func (r *OAuthRepository) RevokeRefreshTokenChain(ctx context.Context, chainID string) error {
	_, err := r.refreshTokens.UpdateMany(ctx,
		bson.M{"chain_id": chainID},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token chain: %w", err)
	}

	return nil
}

func (r *OAuthRepository) RevokeUserTokens(ctx context.Context, userID string) error {
	filter := bson.M{"user_id": userID}
	update := bson.M{"$set": bson.M{"revoked": true}}

	if _, err := r.accessTokens.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to revoke user access tokens: %w", err)
	}
	if _, err := r.refreshTokens.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}

	return nil
}

// --- JWT denylist ---

func (r *OAuthRepository) DenylistJWT(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.denylist.UpdateOne(ctx,
		bson.M{"_id": jti},
		bson.M{"$set": bson.M{"expires_at": expiresAt}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to denylist jwt: %w", err)
	}

	return nil
}

func (r *OAuthRepository) IsJWTDenylisted(ctx context.Context, jti string) (bool, error) {
	filter := bson.M{"_id": jti, "expires_at": bson.M{"$gt": time.Now()}}
	err := r.denylist.FindOne(ctx, filter).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check jwt denylist: %w", err)
	}

	return true, nil
}

// --- Consents ---

func (r *OAuthRepository) GetConsent(ctx context.Context, userID, clientID string) (*domain.Consent, error) {
	var consent domain.Consent
	err := r.consents.FindOne(ctx, bson.M{"user_id": userID, "client_id": clientID}).Decode(&consent)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}

	return &consent, nil
}

func (r *OAuthRepository) SaveConsent(ctx context.Context, consent *domain.Consent) error {
	filter := bson.M{"user_id": consent.UserID, "client_id": consent.ClientID}
	_, err := r.consents.ReplaceOne(ctx, filter, consent, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}

	return nil
}

func (r *OAuthRepository) DeleteConsent(ctx context.Context, userID, clientID string) error {
	if _, err := r.consents.DeleteOne(ctx, bson.M{"user_id": userID, "client_id": clientID}); err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}

	return nil
}
