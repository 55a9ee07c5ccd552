package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/api"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/ari"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/call"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/config"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/email"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/metrics"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/openairt"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	started := time.Now()
	slog.Info("starting voice bridge",
		"ari_url", cfg.ARIURL,
		"ari_app", cfg.ARIApp,
		"realtime_model", cfg.RealtimeModel,
		"rtp_port_start", cfg.RTPPortStart,
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
	)

	pool, err := rtp.NewPool(cfg.RTPPortStart, cfg.MaxConcurrentCalls)
	if err != nil {
		slog.Error("failed to create rtp port pool", "error", err)
		os.Exit(1)
	}

	registry := call.NewRegistry(cfg.MaxConcurrentCalls)

	ariClient := ari.NewClient(ari.Config{
		URL:      cfg.ARIURL,
		Username: cfg.ARIUsername,
		Password: cfg.ARIPassword,
		App:      cfg.ARIApp,
	}, logger)

	// Mailer only when transcript email is on; the orchestrator treats a
	// nil mailer as disabled.
	var mailer call.Mailer
	if cfg.EmailEnabled {
		mailer = email.NewSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.EmailFrom,
			To:       cfg.EmailTo,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			TLS:      cfg.SMTPTLSMode(),
			Subject:  cfg.EmailSubjectTemplate,
			Body:     cfg.EmailBodyTemplate,
		}, logger)
	}

	rtCfg := openairt.Config{
		URL:                   cfg.RealtimeURL,
		Model:                 cfg.RealtimeModel,
		APIKey:                cfg.OpenAIAPIKey,
		Voice:                 cfg.Voice,
		SystemPrompt:          cfg.SystemPrompt,
		InitialMessage:        cfg.InitialMessage,
		TranscriptionModel:    cfg.TranscriptionModel,
		TranscriptionLanguage: cfg.TranscriptionLanguage,
		VADType:               cfg.VADType,
		VADThreshold:          cfg.VADThreshold,
		VADPrefixPaddingMs:    cfg.VADPrefixPaddingMs,
		VADSilenceDurationMs:  cfg.VADSilenceDurationMs,
		SilencePaddingMs:      cfg.SilencePaddingMs,
		TerminatePhrases:      openairt.ParsePhraseList(cfg.TerminatePhrases),
		RedirectPhrases:       openairt.ParsePhraseList(cfg.RedirectionPhrases),
	}

	// The factory closes over orch so sessions can report phrase triggers
	// back to the lifecycle owner.
	var orch *call.Orchestrator
	factory := func(c *call.Call) call.AISession {
		return openairt.NewSession(c.ID, rtCfg, c.Sender, c.Transcript, orch, registry.Registered, logger)
	}

	orch = call.NewOrchestrator(ariClient, pool, registry, mailer, factory, call.Config{
		RecordingsDir:           cfg.RecordingsDir,
		CallDurationLimit:       cfg.CallDurationLimit(),
		CleanupGrace:            cfg.CleanupGrace(),
		TerminateFallback:       cfg.TerminateFallback(),
		TerminateWatchdog:       time.Duration(cfg.TerminationWatchdogMs) * time.Millisecond,
		RedirectionQueue:        cfg.RedirectionQueue,
		RedirectionQueueContext: cfg.RedirectionQueueContext,
		EmailEnabled:            cfg.EmailEnabled,
	}, logger)

	// Application context for the event stream.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	go ariClient.Run(appCtx, orch)

	// Optional health and metrics endpoint.
	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.HealthPort > 0 {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(metrics.NewCollector(registry, pool, rtp.ProcessTotals(), ariClient, started))

		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HealthPort),
			Handler:      api.NewServer(&pbxStatus{client: ariClient}, promReg, started),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			slog.Info("health server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("health server error", "error", err)
	}

	// Graceful shutdown: stop consuming events, tear live calls down,
	// then stop the health server.
	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := orch.Shutdown(ctx); err != nil {
		slog.Error("call teardown incomplete at shutdown", "error", err)
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}
	}

	slog.Info("voice bridge stopped")
}

// pbxStatus adapts the ARI client to the health endpoint's status
// provider interface.
type pbxStatus struct {
	client *ari.Client
}

func (p *pbxStatus) PBXConnected() bool { return p.client.Connected() }
