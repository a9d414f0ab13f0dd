package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/adapters/cosyvoice"
	"github.com/satriahrh/cosyvoice/server/adapters/mongo"
	"github.com/satriahrh/cosyvoice/server/adapters/token"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
	"github.com/satriahrh/cosyvoice/server/internal/config"
)

const (
	refreshInterval = time.Minute
	refreshLead     = 10 * time.Minute
)

// credentials is the wired token source of a process
type credentials struct {
	provider repositories.TokenProvider
	// refresher is nil when a static token is used
	refresher *token.RefreshService
	mongo     *mongo.Client
}

// Close releases the token store connection, if any
func (c *credentials) Close(ctx context.Context) {
	if c.mongo != nil {
		c.mongo.Close(ctx)
	}
}

// newCredentials picks the CreateToken service when access keys are set,
// persisting tokens in MongoDB when MONGODB_URI is set, and falls back to
// the static ALIYUN_NLS_ACCESS_TOKEN otherwise.
func newCredentials(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*credentials, error) {
	if !cfg.HasCredentials() {
		return nil, errors.New("either ALIYUN_NLS_ACCESS_TOKEN or ALIYUN_AK_ID/ALIYUN_AK_SECRET is required")
	}

	if !cfg.UsesTokenService() {
		provider, err := token.NewStaticTokenProvider(cfg.AccessToken)
		if err != nil {
			return nil, err
		}
		logger.Info("Using static access token")
		return &credentials{provider: provider}, nil
	}

	creds := &credentials{}
	var repo repositories.TokenRepository
	if cfg.MongoURI != "" {
		client, err := mongo.NewClient(ctx, mongo.ClientConfig{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
		}, logger)
		if err != nil {
			return nil, err
		}
		repo, err = client.TokenRepository(cfg.AccessKeyID)
		if err != nil {
			client.Close(ctx)
			return nil, err
		}
		creds.mongo = client
	}

	service, err := token.NewAliyunTokenService(token.AliyunConfig{
		AccessKeyID:     cfg.AccessKeyID,
		AccessKeySecret: cfg.AccessKeySecret,
		Endpoint:        cfg.MetaEndpoint,
		RegionID:        cfg.RegionID,
	}, repo, logger)
	if err != nil {
		creds.Close(ctx)
		return nil, err
	}

	logger.Info("Using CreateToken service",
		zap.String("endpoint", cfg.MetaEndpoint),
		zap.Bool("persistent", repo != nil))

	creds.provider = service
	creds.refresher = token.NewRefreshService(service, refreshInterval, refreshLead, logger)
	return creds, nil
}

// newSynthesizer builds the session factory from the configuration
func newSynthesizer(cfg *config.Config, tokens repositories.TokenProvider, logger *zap.Logger) (*cosyvoice.Synthesizer, error) {
	return cosyvoice.NewSynthesizer(cosyvoice.ClientConfig{
		Endpoint:  cfg.Endpoint,
		AppKey:    cfg.AppKey,
		Synthesis: cfg.Synthesis,
	}, tokens, logger)
}
