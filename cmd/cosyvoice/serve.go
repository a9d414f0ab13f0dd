package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/cosyvoice/server/internal/api"
	"github.com/satriahrh/cosyvoice/server/internal/auth"
	"github.com/satriahrh/cosyvoice/server/usecase"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP streaming server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := newCredentials(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer creds.Close(context.Background())

	synthesizer, err := newSynthesizer(cfg, creds.provider, logger)
	if err != nil {
		return err
	}

	var authenticator *auth.Authenticator
	if cfg.JWTSecret != "" {
		if authenticator, err = auth.NewAuthenticator(cfg.JWTSecret); err != nil {
			return err
		}
	} else {
		logger.Warn("JWT_SECRET is not set, synthesis routes are open")
	}

	speechService := usecase.NewSpeechService(synthesizer, logger)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.NewHandler(speechService, synthesizer.DefaultConfig(), authenticator, logger))

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if creds.refresher != nil {
		group.Go(func() error {
			return creds.refresher.Run(ctx)
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// let background sessions stop and close cleanly
		if err := speechService.Wait(shutdownCtx); err != nil {
			logger.Warn("Synthesis sessions still running at shutdown", zap.Error(err))
		}
		return nil
	})

	logger.Info("Server started", zap.String("port", cfg.Port))

	if err := group.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Server exited")
	return nil
}
