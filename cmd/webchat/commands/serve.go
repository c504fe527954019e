package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/haivivi/webchat/pkg/modcache"
	geminiprovider "github.com/haivivi/webchat/pkg/provider/gemini"
	openaiprovider "github.com/haivivi/webchat/pkg/provider/openai"
	"github.com/haivivi/webchat/pkg/relay"
	"github.com/haivivi/webchat/pkg/transport/ws"
)

var (
	flagConfig string
	flagAddr   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat relay server",
	Long: `Run the chat relay server.

Widget clients connect over WebSocket at /ws. Moderation always uses the
OpenAI backend; completions come from the configured provider.

Example:
  webchat serve --config webchat.yaml
  webchat serve --addr :9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&flagConfig, "config", "f", "", "Config file (YAML)")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
	logger := relay.SlogLogger(slog.Default())

	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Listen = flagAddr
	}
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("openai api key is required (config or OPENAI_API_KEY)")
	}

	idleTimeout, err := parseDuration(cfg.IdleTimeout, relay.DefaultIdleTimeout)
	if err != nil {
		return fmt.Errorf("idle_timeout: %w", err)
	}
	modTTL, err := parseDuration(cfg.Moderation.TTL, 0)
	if err != nil {
		return fmt.Errorf("moderation.ttl: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oai := openaiprovider.New(openaiprovider.Config{
		APIKey:             cfg.OpenAI.APIKey,
		BaseURL:            cfg.OpenAI.BaseURL,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		RealtimeURL:        cfg.OpenAI.RealtimeURL,
		RealtimeModel:      cfg.OpenAI.RealtimeModel,
	})

	providers := relay.Providers{
		Completion:    oai,
		Transcription: oai,
		Realtime:      oai,
	}
	switch cfg.Provider {
	case "", "openai":
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return fmt.Errorf("gemini api key is required (config or GEMINI_API_KEY)")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.Gemini.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return fmt.Errorf("gemini client: %w", err)
		}
		providers.Completion = geminiprovider.New(client)
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	cache := modcache.New(oai, modcache.Options{
		TTL:        modTTL,
		MaxEntries: cfg.Moderation.MaxEntries,
		Logger:     slog.Default(),
	})

	r := relay.New(providers, cache, relay.Config{
		DefaultModel: cfg.Model,
		IdleTimeout:  idleTimeout,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(r, logger, nil))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("webchat: listening", "addr", cfg.Listen, "provider", cfg.Provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("webchat: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
