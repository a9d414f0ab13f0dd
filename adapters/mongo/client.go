package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

const (
	defaultDatabase       = "cosyvoice"
	defaultConnectTimeout = 10 * time.Second
	appName               = "cosyvoice-server"
)

// ClientConfig holds configuration for the token store connection
// Required fields:
// - URI: MongoDB connection string
// Optional fields with defaults:
// - Database: database holding the token collection (default: "cosyvoice")
// - ConnectTimeout: bound for connecting and the initial ping (default: 10s)
type ClientConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Client is a MongoDB connection used as the credential store
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewClient connects to MongoDB and verifies the connection with a ping
func NewClient(ctx context.Context, config ClientConfig, logger *zap.Logger) (*Client, error) {
	if config.URI == "" {
		return nil, errors.New("mongodb uri is required")
	}
	if config.Database == "" {
		config.Database = defaultDatabase
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}

	clientOptions := options.Client().
		ApplyURI(config.URI).
		SetAppName(appName).
		SetMaxPoolSize(2).
		SetServerSelectionTimeout(config.ConnectTimeout).
		SetConnectTimeout(config.ConnectTimeout)

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to token store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("token store is unreachable: %w", err)
	}

	// hosts only, the URI may carry credentials
	logger.Info("Connected to token store",
		zap.String("hosts", strings.Join(clientOptions.Hosts, ",")),
		zap.String("database", config.Database))

	return &Client{
		client: client,
		db:     client.Database(config.Database),
		logger: logger,
	}, nil
}

// Database returns the token store database
func (c *Client) Database() *mongo.Database {
	return c.db
}

// TokenRepository returns the repository persisting the token issued for key
func (c *Client) TokenRepository(key string) (repositories.TokenRepository, error) {
	return NewTokenRepository(c.db, key)
}

// Close disconnects from the token store
func (c *Client) Close(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		c.logger.Warn("Failed to disconnect from token store", zap.Error(err))
		return err
	}
	return nil
}
