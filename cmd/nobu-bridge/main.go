package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/nobu-bridge/internal/archive"
	"github.com/ent0n29/nobu-bridge/internal/brain"
	"github.com/ent0n29/nobu-bridge/internal/bridge"
	"github.com/ent0n29/nobu-bridge/internal/config"
	"github.com/ent0n29/nobu-bridge/internal/httpapi"
	"github.com/ent0n29/nobu-bridge/internal/observability"
	"github.com/ent0n29/nobu-bridge/internal/session"
	"github.com/ent0n29/nobu-bridge/internal/voice"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archiveStore, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}
	defer archiveStore.Close()

	transcriber, synthesizer := selectVoiceEngines(ctx, cfg)
	responder := selectResponder(ctx, cfg)

	sessions := session.NewStore(cfg.SessionIdleTTL, cfg.ConversationWindow)
	sessions.SetEvictHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("evicted").Inc()
		metrics.ActiveSessions.Set(float64(sessions.Count()))
	})

	orchestrator := bridge.New(
		sessions,
		transcriber,
		responder,
		synthesizer,
		archiveStore,
		metrics,
		bridge.Config{
			WelcomeText:       cfg.WelcomeText,
			TranscribeTimeout: cfg.TranscribeTimeout,
			RespondTimeout:    cfg.RespondTimeout,
			SynthesizeTimeout: cfg.SynthesizeTimeout,
		},
	)

	api := httpapi.New(cfg, sessions, orchestrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 30*time.Second)

	go func() {
		log.Printf("nobu bridge listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// selectVoiceEngines resolves NOBU_VOICE_PROVIDER. In auto mode a broken local
// install falls back to the mock engines instead of refusing to start, so a
// dev machine without whisper/piper models still gets a working bridge.
func selectVoiceEngines(ctx context.Context, cfg config.Config) (voice.Transcriber, voice.Synthesizer) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	localCfg := voice.LocalConfig{
		WhisperCLI:       cfg.WhisperCLI,
		WhisperModelPath: cfg.WhisperModelPath,
		WhisperLanguage:  cfg.WhisperLanguage,
		WhisperThreads:   cfg.WhisperThreads,
		PiperCLI:         cfg.PiperCLI,
		PiperModelPath:   cfg.PiperModelPath,
		SampleRate:       cfg.SampleRate,
	}

	tryLocal := func(fatal bool) (voice.Transcriber, voice.Synthesizer, bool) {
		t := voice.NewLocalTranscriber(localCfg)
		if err := t.Load(ctx); err != nil {
			if fatal {
				log.Fatalf("local transcriber init failed: %v", err)
			}
			log.Printf("local transcriber unavailable: %v", err)
			return nil, nil, false
		}
		s := voice.NewLocalSynthesizer(localCfg)
		if err := s.Load(ctx); err != nil {
			if fatal {
				log.Fatalf("local synthesizer init failed: %v", err)
			}
			log.Printf("local synthesizer unavailable: %v", err)
			return nil, nil, false
		}
		log.Printf("voice engines: local (whisper.cpp + piper)")
		return t, s, true
	}

	useMock := func(reason string) (voice.Transcriber, voice.Synthesizer) {
		t := voice.NewMockTranscriber()
		s := voice.NewMockSynthesizer()
		_ = t.Load(ctx)
		_ = s.Load(ctx)
		log.Printf("voice engines: mock%s", reason)
		return t, s
	}

	switch mode {
	case "local":
		t, s, _ := tryLocal(true)
		return t, s
	case "mock":
		return useMock("")
	case "auto":
		if t, s, ok := tryLocal(false); ok {
			return t, s
		}
		return useMock(" (local voice unavailable)")
	default:
		log.Fatalf("invalid NOBU_VOICE_PROVIDER: %q (expected auto|local|mock)", cfg.VoiceProvider)
		return nil, nil
	}
}

// selectResponder resolves NOBU_BRAIN_MODE. Auto picks the HTTP brain when a
// URL is configured and the mock brain otherwise.
func selectResponder(ctx context.Context, cfg config.Config) brain.Responder {
	mode := strings.ToLower(strings.TrimSpace(cfg.BrainMode))
	if mode == "" {
		mode = "auto"
	}

	useHTTP := func() brain.Responder {
		r := brain.NewHTTPResponder(cfg.BrainHTTPURL)
		if err := r.Load(ctx); err != nil {
			log.Fatalf("http brain init failed: %v", err)
		}
		log.Printf("brain: http (%s)", cfg.BrainHTTPURL)
		return r
	}

	useMock := func() brain.Responder {
		r := brain.NewMockResponder()
		_ = r.Load(ctx)
		log.Printf("brain: mock")
		return r
	}

	switch mode {
	case "http":
		return useHTTP()
	case "mock":
		return useMock()
	case "auto":
		if strings.TrimSpace(cfg.BrainHTTPURL) != "" {
			return useHTTP()
		}
		return useMock()
	default:
		log.Fatalf("invalid NOBU_BRAIN_MODE: %q (expected auto|http|mock)", cfg.BrainMode)
		return nil
	}
}
