package token

import (
	"context"
	"sync"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

// MemoryTokenRepository keeps the last issued token in process memory
type MemoryTokenRepository struct {
	mu    sync.RWMutex
	token *entities.AccessToken
}

// Ensure MemoryTokenRepository implements the TokenRepository interface
var _ repositories.TokenRepository = (*MemoryTokenRepository)(nil)

// NewMemoryTokenRepository creates an empty in-memory repository
func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{}
}

// Load returns a copy of the stored token, or nil if none was saved
func (r *MemoryTokenRepository) Load(ctx context.Context) (*entities.AccessToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.token == nil {
		return nil, nil
	}
	token := *r.token
	return &token, nil
}

// Save replaces the stored token
func (r *MemoryTokenRepository) Save(ctx context.Context, token *entities.AccessToken) error {
	if err := token.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *token
	r.token = &stored
	return nil
}
