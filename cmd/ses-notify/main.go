// Package main is the entry point for the ses-notify service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/ses-notify/internal/config"
	"github.com/shineum/ses-notify/internal/httpapi"
	"github.com/shineum/ses-notify/internal/notifier"
	"github.com/shineum/ses-notify/internal/sandbox"
	"github.com/shineum/ses-notify/internal/smtp"
	"github.com/shineum/ses-notify/internal/templates"
	"github.com/shineum/ses-notify/internal/tlsconf"
	"github.com/shineum/ses-notify/internal/transport"
	sestransport "github.com/shineum/ses-notify/internal/transport/ses"
	"github.com/shineum/ses-notify/internal/transport/stdout"
)

// httpShutdownTimeout bounds graceful shutdown of the HTTP listener.
const httpShutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ses-notify failed", "error", err)
		os.Exit(1)
	}

	logger.Info("ses-notify stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		loaded, err := cfg.AWS.Load(ctx)
		if err != nil {
			return err
		}
		awsCfg = loaded
	}

	tr, err := selectTransport(cfg, awsCfg, logger)
	if err != nil {
		return err
	}

	opts := notifier.Options{
		Sender:    cfg.Sender,
		Transport: tr,
		Logger:    logger,
	}
	if provider := selectTemplateProvider(cfg, awsCfg); provider != nil {
		opts.Templates = templates.New(ctx, provider, templates.WithLogger(logger))
	}
	if cfg.Sandbox.Enabled {
		opts.Sandbox = sandbox.New(
			&sandbox.Config{VerifyOnEachSend: cfg.Sandbox.VerifyOnEachSend},
			sandbox.NewSESVerifier(awsCfg),
			logger,
		)
	}

	svc, err := notifier.New(opts)
	if err != nil {
		return err
	}

	logger.Info("starting ses-notify",
		"transport", tr.Name(),
		"templates", cfg.Templates.Source,
		"sandbox", cfg.Sandbox.Enabled,
		"http", cfg.HTTP.Enabled,
		"smtp", cfg.SMTP.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           httpapi.New(svc, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("HTTP server listening", "addr", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.SMTP.Enabled {
		smtpCfg := smtp.ServerConfig{
			ListenAddr:     cfg.SMTP.Listen,
			Hostname:       cfg.SMTP.Hostname,
			Submitter:      svc,
			AuthUsername:   cfg.SMTP.Username,
			AuthPassword:   cfg.SMTP.Password,
			MaxMessageSize: cfg.SMTP.MaxMessageSize,
			Logger:         logger,
		}
		if cfg.TLS.Enabled {
			tlsConfig, err := tlsconf.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
			if err != nil {
				return fmt.Errorf("failed to setup TLS: %w", err)
			}
			smtpCfg.TLSConfig = tlsConfig
		}

		server := smtp.New(smtpCfg)
		g.Go(func() error {
			if err := server.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("smtp server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger installs a JSON slog handler at the given level as the
// default logger and returns it.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// selectTransport builds the configured delivery backend.
func selectTransport(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case config.TransportSES:
		maxRetries := cfg.Transport.MaxRetries
		if maxRetries == 0 {
			maxRetries = -1
		}
		logger.Info("using AWS SES transport",
			"region", awsCfg.Region,
			"default_from", cfg.Sender.From,
			"configuration_set", cfg.Transport.ConfigurationSet,
		)
		return sestransport.New(awsCfg, sestransport.Config{
			DefaultFrom:      cfg.Sender.From,
			ConfigurationSet: cfg.Transport.ConfigurationSet,
			MaxRetries:       maxRetries,
			Logger:           logger,
		}), nil
	case config.TransportStdout:
		logger.Info("using stdout transport")
		return stdout.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Type)
	}
}

// selectTemplateProvider returns nil when templating is disabled.
func selectTemplateProvider(cfg *config.Config, awsCfg aws.Config) templates.Provider {
	switch cfg.Templates.Source {
	case config.TemplatesLocal:
		return templates.NewLocalProvider(cfg.Templates.Directory)
	case config.TemplatesS3:
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			// Custom endpoints such as MinIO serve buckets by path.
			o.UsePathStyle = cfg.AWS.Endpoint != ""
		})
		return templates.NewS3Provider(client, templates.S3ProviderConfig{
			Bucket: cfg.Templates.Bucket,
			Prefix: cfg.Templates.Prefix,
		})
	default:
		return nil
	}
}
