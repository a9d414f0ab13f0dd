package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/adapters/cosyvoice"
	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/internal/audio"
	"github.com/satriahrh/cosyvoice/server/internal/auth"
	"github.com/satriahrh/cosyvoice/server/usecase"
)

// Handler serves the synthesis routes
type Handler struct {
	speech        *usecase.SpeechService
	defaults      entities.SynthesisConfig
	authenticator *auth.Authenticator
	logger        *zap.Logger
}

// NewHandler creates a new handler. A nil authenticator leaves the
// synthesis routes open.
func NewHandler(speech *usecase.SpeechService, defaults entities.SynthesisConfig, authenticator *auth.Authenticator, logger *zap.Logger) *Handler {
	return &Handler{
		speech:        speech,
		defaults:      defaults.WithDefaults(),
		authenticator: authenticator,
		logger:        logger,
	}
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, h *Handler) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "cosyvoice-server",
		})
	})

	e.GET("/api/stream", h.streamFromQuery, h.requireToken)

	// API v1 routes
	v1 := e.Group("/api/v1", h.requireToken)
	v1.POST("/speech", h.streamFromBody)
}

// requireToken validates the bearer token when an authenticator is configured
func (h *Handler) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.authenticator == nil {
			return next(c)
		}

		var token string
		authHeader := c.Request().Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" {
			h.logger.Warn("Synthesis request rejected: missing token")
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "JWT token is required in Authorization header",
			})
		}

		claims, err := h.authenticator.ValidateToken(token)
		if err != nil {
			h.logger.Warn("Synthesis request rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired JWT token",
			})
		}

		if claims.Role != auth.RoleClient {
			h.logger.Warn("Synthesis request rejected: invalid role", zap.String("role", claims.Role))
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "invalid_role",
				Message: "Only client tokens may request synthesis",
			})
		}

		c.Set("clientID", claims.ClientID)
		return next(c)
	}
}

func (h *Handler) streamFromQuery(c echo.Context) error {
	req, err := parseQuery(c.QueryParams())
	if err != nil {
		return h.badRequest(c, err.Error(), err)
	}
	return h.stream(c, req)
}

// parseQuery reads a SpeechRequest from query parameters; text may repeat
func parseQuery(query url.Values) (SpeechRequest, error) {
	req := SpeechRequest{
		Text:   query["text"],
		Format: query.Get("format"),
		Voice:  query.Get("voice"),
	}

	if raw := query.Get("markdown"); raw != "" {
		markdown, err := strconv.ParseBool(raw)
		if err != nil {
			return req, fmt.Errorf("invalid markdown %q", raw)
		}
		req.Markdown = markdown
	}

	ints := []struct {
		key    string
		target **int
	}{
		{"sample_rate", &req.SampleRate},
		{"volume", &req.Volume},
		{"speech_rate", &req.SpeechRate},
		{"pitch_rate", &req.PitchRate},
	}
	for _, v := range ints {
		raw := query.Get(v.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("invalid %s %q", v.key, raw)
		}
		*v.target = &n
	}

	return req, nil
}

func (h *Handler) streamFromBody(c echo.Context) error {
	var req SpeechRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, "Invalid request format", err)
	}
	return h.stream(c, req)
}

// synthesisConfig overlays the request onto the server defaults
func (h *Handler) synthesisConfig(req SpeechRequest) entities.SynthesisConfig {
	config := h.defaults
	if req.Format != "" {
		config.Format = entities.AudioFormat(strings.ToLower(req.Format))
	}
	if req.Voice != "" {
		config.Voice = req.Voice
	}
	if req.SampleRate != nil {
		config.SampleRate = *req.SampleRate
	}
	if req.Volume != nil {
		config.Volume = *req.Volume
	}
	if req.SpeechRate != nil {
		config.SpeechRate = *req.SpeechRate
	}
	if req.PitchRate != nil {
		config.PitchRate = *req.PitchRate
	}
	return config
}

// stream runs one synthesis and copies the audio to the response as it arrives
func (h *Handler) stream(c echo.Context, req SpeechRequest) error {
	config := h.synthesisConfig(req)
	if err := config.Validate(); err != nil {
		return h.badRequest(c, err.Error(), err)
	}

	ctx := c.Request().Context()
	speech, err := h.speech.Synthesize(ctx, usecase.SpeechRequest{
		Segments: req.Text,
		Markdown: req.Markdown,
		Config:   config,
	})
	if err != nil {
		return h.synthesisError(c, err)
	}
	defer speech.Abort()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, speech.Audio.ContentType())
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Content-Type-Options", "nosniff")
	res.WriteHeader(http.StatusOK)

	aligner := audio.NewSampleAligner(res, config.FrameSize())
	total := 0

	for {
		chunk, err := speech.Audio.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				h.logger.Info("Client went away during synthesis", zap.Int("bytes", total))
			} else {
				// status is already sent, the stream just ends early
				h.logger.Error("Synthesis stream ended with error", zap.Int("bytes", total), zap.Error(err))
			}
			break
		}

		if _, err := aligner.Write(chunk); err != nil {
			h.logger.Warn("Failed to write audio to client", zap.Error(err))
			break
		}
		res.Flush()
		total += len(chunk)
	}

	if dropped := aligner.Flush(); dropped > 0 {
		h.logger.Warn("Dropped incomplete trailing sample", zap.Int("bytes", dropped))
	}

	h.logger.Info("Synthesis stream finished",
		zap.Int("bytes", total),
		zap.Int("sentences", speech.Sentences))
	return nil
}

func (h *Handler) badRequest(c echo.Context, message string, err error) error {
	h.logger.Warn("Invalid synthesis request", zap.Error(err))
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: message,
	})
}

// synthesisError maps a failure before streaming started to a status code
func (h *Handler) synthesisError(c echo.Context, err error) error {
	var (
		connErr     *cosyvoice.ConnectionError
		taskErr     *cosyvoice.TaskFailedError
		protocolErr *cosyvoice.ProtocolError
	)

	switch {
	case errors.Is(err, usecase.ErrEmptyText), errors.Is(err, entities.ErrInvalidConfig):
		return h.badRequest(c, err.Error(), err)

	case errors.Is(err, cosyvoice.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, ErrorResponse{
			Error:   "upstream_timeout",
			Message: "Synthesis service did not respond in time",
		})

	case errors.As(err, &taskErr):
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "synthesis_failed",
			Message: taskErr.Message,
		})

	case errors.As(err, &connErr), errors.As(err, &protocolErr):
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "upstream_unavailable",
			Message: "Failed to reach synthesis service",
		})
	}

	h.logger.Error("Unexpected synthesis failure", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Synthesis failed",
	})
}
