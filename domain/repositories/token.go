package repositories

import (
	"context"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
)

// TokenProvider returns a currently valid gateway access token
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
}

// TokenRepository persists the last issued access token so it survives restarts
type TokenRepository interface {
	// Load returns nil without error when no token has been stored yet
	Load(ctx context.Context) (*entities.AccessToken, error)
	Save(ctx context.Context, token *entities.AccessToken) error
}
