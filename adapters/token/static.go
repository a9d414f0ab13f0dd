package token

import (
	"context"
	"errors"

	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

// StaticTokenProvider always returns the same preissued access token
type StaticTokenProvider struct {
	token string
}

// Ensure StaticTokenProvider implements the TokenProvider interface
var _ repositories.TokenProvider = (*StaticTokenProvider)(nil)

// NewStaticTokenProvider creates a provider for a token issued out of band
func NewStaticTokenProvider(token string) (*StaticTokenProvider, error) {
	if token == "" {
		return nil, errors.New("access token is required")
	}
	return &StaticTokenProvider{token: token}, nil
}

// GetToken returns the configured token
func (p *StaticTokenProvider) GetToken(ctx context.Context) (string, error) {
	return p.token, nil
}
