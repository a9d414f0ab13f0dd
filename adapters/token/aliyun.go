package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

const (
	DefaultMetaEndpoint = "http://nls-meta.cn-shanghai.aliyuncs.com"
	DefaultRegionID     = "cn-shanghai"

	apiVersion           = "2019-02-28"
	createTokenAction    = "CreateToken"
	signatureMethod      = "HMAC-SHA1"
	signatureVersion     = "1.0"
	timestampLayout      = "2006-01-02T15:04:05Z"
	defaultRefreshMargin = time.Minute
	requestTimeout       = 10 * time.Second
)

// AliyunConfig holds configuration for the AliyunTokenService
// Required fields:
// - AccessKeyID / AccessKeySecret: RAM credentials allowed to call CreateToken
// Optional fields with defaults:
// - Endpoint: NLS meta endpoint (default: "http://nls-meta.cn-shanghai.aliyuncs.com")
// - RegionID: region of the meta endpoint (default: "cn-shanghai")
// - RefreshMargin: how long before expiry a token is renewed (default: 1m)
type AliyunConfig struct {
	AccessKeyID     string
	AccessKeySecret string
	Endpoint        string
	RegionID        string
	RefreshMargin   time.Duration
	HTTPClient      *http.Client
}

// ValidateAliyunConfig validates the AliyunConfig
func ValidateAliyunConfig(config AliyunConfig) error {
	if config.AccessKeyID == "" || config.AccessKeySecret == "" {
		return errors.New("aliyun access key id and secret are required")
	}
	if config.RefreshMargin < 0 {
		return fmt.Errorf("refresh margin must not be negative, got %s", config.RefreshMargin)
	}
	return nil
}

// AliyunTokenService issues gateway tokens through the NLS meta CreateToken
// API. The last token is cached and persisted; at most one renewal is in
// flight at any time.
type AliyunTokenService struct {
	config AliyunConfig
	client *http.Client
	repo   repositories.TokenRepository
	group  singleflight.Group
	logger *zap.Logger

	mu    sync.RWMutex
	token *entities.AccessToken

	now      func() time.Time
	newNonce func() string
}

// Ensure AliyunTokenService implements the TokenProvider interface
var _ repositories.TokenProvider = (*AliyunTokenService)(nil)

// createTokenResponse is the body returned by CreateToken
type createTokenResponse struct {
	RequestID string `json:"RequestId"`
	ErrMsg    string `json:"ErrMsg"`
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	Token     *struct {
		ID         string `json:"Id"`
		ExpireTime int64  `json:"ExpireTime"`
		UserID     string `json:"UserId"`
	} `json:"Token"`
}

// NewAliyunTokenService creates a new token service. repo may be nil, in
// which case tokens live only in memory.
func NewAliyunTokenService(config AliyunConfig, repo repositories.TokenRepository, logger *zap.Logger) (*AliyunTokenService, error) {
	if err := ValidateAliyunConfig(config); err != nil {
		return nil, err
	}

	if config.Endpoint == "" {
		config.Endpoint = DefaultMetaEndpoint
	}
	if config.RegionID == "" {
		config.RegionID = DefaultRegionID
	}
	if config.RefreshMargin == 0 {
		config.RefreshMargin = defaultRefreshMargin
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	if repo == nil {
		repo = NewMemoryTokenRepository()
	}

	return &AliyunTokenService{
		config:   config,
		client:   client,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		newNonce: uuid.NewString,
	}, nil
}

// GetToken returns a cached token that is valid for at least the refresh
// margin, renewing it first if necessary
func (s *AliyunTokenService) GetToken(ctx context.Context) (string, error) {
	if token := s.Token(); !token.IsExpired(s.now(), s.config.RefreshMargin) {
		return token.ID, nil
	}

	result := s.group.DoChan(createTokenAction, func() (any, error) {
		if token := s.Token(); !token.IsExpired(s.now(), s.config.RefreshMargin) {
			return token, nil
		}
		if token := s.loadStored(ctx); token != nil {
			return token, nil
		}
		return s.renew(ctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-result:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(*entities.AccessToken).ID, nil
	}
}

// Token returns the cached token, or nil if none has been issued yet
func (s *AliyunTokenService) Token() *entities.AccessToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Renew issues a new token regardless of the cached one. A renewal that
// joins a GetToken flight which only reused the cached or stored token is
// retried, so the result is always issued after Renew was called.
func (s *AliyunTokenService) Renew(ctx context.Context) (*entities.AccessToken, error) {
	start := s.now()
	for {
		result := s.group.DoChan(createTokenAction, func() (any, error) {
			return s.renew(ctx)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-result:
			if r.Err != nil {
				return nil, r.Err
			}
			token := r.Val.(*entities.AccessToken)
			if !token.CreatedAt.Before(start) {
				return token, nil
			}
			s.logger.Debug("Renewal joined a lookup flight, renewing again", zap.Time("createdAt", token.CreatedAt))
		}
	}
}

// loadStored adopts a persisted token if it is still usable
func (s *AliyunTokenService) loadStored(ctx context.Context) *entities.AccessToken {
	stored, err := s.repo.Load(ctx)
	if err != nil {
		s.logger.Warn("Failed to load stored access token", zap.Error(err))
		return nil
	}
	if stored.IsExpired(s.now(), s.config.RefreshMargin) {
		return nil
	}

	s.mu.Lock()
	s.token = stored
	s.mu.Unlock()

	s.logger.Info("Loaded stored access token", zap.Time("expiresAt", stored.ExpiresAt))
	return stored
}

func (s *AliyunTokenService) renew(ctx context.Context) (*entities.AccessToken, error) {
	// shared by every caller of the flight, so it must outlive the first caller's ctx
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
	defer cancel()

	token, err := s.createToken(ctx)
	if err != nil {
		s.logger.Error("Failed to create access token", zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if err := s.repo.Save(ctx, token); err != nil {
		s.logger.Warn("Failed to persist access token", zap.Error(err))
	}

	s.logger.Info("Issued new access token", zap.Time("expiresAt", token.ExpiresAt))
	return token, nil
}

func (s *AliyunTokenService) createToken(ctx context.Context) (*entities.AccessToken, error) {
	now := s.now()
	query := s.signedQuery(now)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.config.Endpoint, "/")+"/?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result createTokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CreateToken returned error %d: %s %s", resp.StatusCode, result.Code, result.Message)
	}
	if result.Token == nil || result.Token.ID == "" {
		return nil, fmt.Errorf("CreateToken returned no token: %s", result.ErrMsg)
	}

	token := &entities.AccessToken{
		ID:        result.Token.ID,
		ExpiresAt: time.Unix(result.Token.ExpireTime, 0),
		CreatedAt: now,
	}
	if err := token.Validate(); err != nil {
		return nil, err
	}
	return token, nil
}

// signedQuery builds the CreateToken query string with its RPC signature
func (s *AliyunTokenService) signedQuery(now time.Time) string {
	params := map[string]string{
		"AccessKeyId":      s.config.AccessKeyID,
		"Action":           createTokenAction,
		"Format":           "JSON",
		"RegionId":         s.config.RegionID,
		"SignatureMethod":  signatureMethod,
		"SignatureNonce":   s.newNonce(),
		"SignatureVersion": signatureVersion,
		"Timestamp":        now.UTC().Format(timestampLayout),
		"Version":          apiVersion,
	}

	canonical := canonicalize(params)
	params["Signature"] = sign(http.MethodGet, canonical, s.config.AccessKeySecret)

	return canonicalize(params)
}

func canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params[k]))
	}
	return strings.Join(pairs, "&")
}

func sign(method, canonical, secret string) string {
	stringToSign := method + "&" + percentEncode("/") + "&" + percentEncode(canonical)

	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode is RFC 3986 encoding as the RPC signature expects it
func percentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "*", "%2A")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}
