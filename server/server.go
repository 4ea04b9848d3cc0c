// Package server wires the HTTP surface: the websocket chat endpoint,
// health and metrics, and the LLM/profile services behind the
// orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kt3v/EtherialSoul-Server/ai/llm"
	"github.com/kt3v/EtherialSoul-Server/internal/profile"
	"github.com/kt3v/EtherialSoul-Server/internal/ratelimit"
	"github.com/kt3v/EtherialSoul-Server/internal/version"
	"github.com/kt3v/EtherialSoul-Server/plugin/natal"
	"github.com/kt3v/EtherialSoul-Server/server/chat"
	"github.com/kt3v/EtherialSoul-Server/server/ws"
)

type Server struct {
	Profile *profile.Profile

	echoServer   *echo.Echo
	orchestrator *chat.Orchestrator
	llmService   *llm.Service // nil when AI is disabled
}

func NewServer(ctx context.Context, instanceProfile *profile.Profile) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	var llmService *llm.Service
	var llmClient chat.LLMClient
	if instanceProfile.IsAIEnabled() {
		svc, err := llm.NewService(&llm.Config{
			Provider:    instanceProfile.ALLMProvider,
			Model:       instanceProfile.ALLMModel,
			APIKey:      instanceProfile.ALLMAPIKey,
			BaseURL:     instanceProfile.ALLMBaseURL,
			Timeout:     instanceProfile.ALLMTimeout,
			MaxRetries:  instanceProfile.ALLMMaxRetries,
			RetryBaseMS: instanceProfile.ALLMRetryBase,
		})
		if err != nil {
			slog.Warn("Failed to initialize LLM service, AI features disabled",
				"provider", instanceProfile.ALLMProvider,
				"error", err,
			)
		} else {
			llmService = svc
			llmClient = svc
			slog.Info("LLM service initialized",
				"provider", instanceProfile.ALLMProvider,
				"model", instanceProfile.ALLMModel,
			)
		}
	} else {
		slog.Warn("AI features disabled: no LLM API key configured")
	}

	var profiles chat.ProfileProvider
	if p := natal.NewProvider(instanceProfile.NatalAPIURL, instanceProfile.NatalAPIKey); p != nil {
		profiles = p
		slog.Info("Natal chart provider initialized", "url", instanceProfile.NatalAPIURL)
	}

	orchestrator := chat.NewOrchestrator(
		chat.NewStore(),
		chat.NewTimerService(),
		llmClient,
		profiles,
		chat.DefaultConfig(),
	)

	limiter := ratelimit.New(instanceProfile.RateLimitPerSecond, instanceProfile.RateLimitBurst)
	wsHandler := ws.NewHandler(orchestrator, limiter, instanceProfile.JWTSecret)

	s := &Server{
		Profile:      instanceProfile,
		echoServer:   e,
		orchestrator: orchestrator,
		llmService:   llmService,
	}

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", wsHandler.HandleWS)

	return s, nil
}

// Start begins serving in the background. Warmup of the LLM connection is
// best-effort and never delays startup.
func (s *Server) Start(ctx context.Context) error {
	if s.llmService != nil {
		go func() {
			warmupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			s.llmService.Warmup(warmupCtx)
		}()
	}

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	slog.Info("etherialsoul stopped properly")
}

// Orchestrator exposes the chat orchestrator (tests and diagnostics).
func (s *Server) Orchestrator() *chat.Orchestrator {
	return s.orchestrator
}

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UnixMilli(),
		"version":     version.String(),
		"aiEnabled":   s.orchestrator.AIEnabled(),
		"activeUsers": s.orchestrator.ActiveUsers(),
	})
}
