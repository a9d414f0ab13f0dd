package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

const tokenCollection = "access_tokens"

// TokenRepository stores one access token document per credential key
type TokenRepository struct {
	collection *mongo.Collection
	key        string
}

// NewTokenRepository creates a new MongoDB token repository. key identifies
// the credentials the token was issued for, so several deployments can share
// one database.
func NewTokenRepository(db *mongo.Database, key string) (repositories.TokenRepository, error) {
	if key == "" {
		return nil, errors.New("token key cannot be empty")
	}
	return &TokenRepository{
		collection: db.Collection(tokenCollection),
		key:        key,
	}, nil
}

// Load implements repositories.TokenRepository
func (r *TokenRepository) Load(ctx context.Context) (*entities.AccessToken, error) {
	var token entities.AccessToken
	err := r.collection.FindOne(ctx, bson.M{"_id": r.key}).Decode(&token)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No token stored yet
		}
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	return &token, nil
}

// Save implements repositories.TokenRepository
func (r *TokenRepository) Save(ctx context.Context, token *entities.AccessToken) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}
	if err := token.Validate(); err != nil {
		return err
	}

	doc := bson.M{
		"_id":        r.key,
		"token_id":   token.ID,
		"expires_at": token.ExpiresAt,
		"created_at": token.CreatedAt,
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": r.key}, doc, opts); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}
