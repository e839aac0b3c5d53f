package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/luna/internal/api"
	"github.com/RichardoC/luna/internal/db"
	"github.com/RichardoC/luna/internal/llm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat function endpoint and the history API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default :8100)")
	cobra.CheckErr(viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen")))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
		return err
	}
	defer database.Close()

	prompt, err := cfg.SystemPrompt()
	if err != nil {
		return err
	}
	if cfg.GatewayToken == "" {
		// The chat endpoint still answers, with a 500 per request.
		logger.Warn("gateway token is not configured")
	}
	relay := llm.New(llm.Config{
		BaseURL:      cfg.GatewayBaseURL,
		Token:        cfg.GatewayToken,
		Model:        cfg.Model,
		SystemPrompt: prompt,
	}, logger)

	handler := api.NewHandler(database, relay, logger,
		api.WithPublishableKey(cfg.PublishableKey),
		api.WithRateLimit(cfg.RateLimitPerMinute),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
