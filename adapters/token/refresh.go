package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

// Renewer is a token source that can be asked to renew ahead of expiry
type Renewer interface {
	repositories.TokenProvider
	Token() *entities.AccessToken
	Renew(ctx context.Context) (*entities.AccessToken, error)
}

// RefreshService renews the access token in the background so that
// synthesis requests never wait on CreateToken
type RefreshService struct {
	renewer  Renewer
	interval time.Duration
	lead     time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRefreshService creates a new refresh service. Every interval it renews
// the token if it expires within lead.
func NewRefreshService(renewer Renewer, interval, lead time.Duration, logger *zap.Logger) *RefreshService {
	return &RefreshService{
		renewer:  renewer,
		interval: interval,
		lead:     lead,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the background refresh process
func (s *RefreshService) Start() {
	go s.refreshLoop()
	s.logger.Info("Token refresh service started",
		zap.Duration("interval", s.interval),
		zap.Duration("lead", s.lead))
}

// Stop gracefully stops the refresh service
func (s *RefreshService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.logger.Info("Token refresh service stopped")
	})
}

// Run refreshes until ctx is done
func (s *RefreshService) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *RefreshService) refreshLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// warm the cache so the first request does not pay for CreateToken
	s.runRefresh()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runRefresh()
		}
	}
}

// runRefresh renews the token if it is missing or about to expire
func (s *RefreshService) runRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	current := s.renewer.Token()
	if current == nil {
		// nothing cached yet, a persisted token may still be usable
		if _, err := s.renewer.GetToken(ctx); err != nil {
			s.logger.Error("Failed to load access token", zap.Error(err))
			return
		}
		current = s.renewer.Token()
	}
	if !current.IsExpired(s.now(), s.lead) {
		return
	}

	token, err := s.renewer.Renew(ctx)
	if err != nil {
		s.logger.Error("Failed to refresh access token", zap.Error(err))
		return
	}

	s.logger.Info("Access token refreshed", zap.Time("expiresAt", token.ExpiresAt))
}
