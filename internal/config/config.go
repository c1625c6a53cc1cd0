// Package config loads the service configuration: built-in defaults, then
// an optional YAML file, then environment variables, then validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/shineum/ses-notify/internal/email"
)

// defaultMaxMessageSize is 10 MB, the SES v2 raw message limit.
const defaultMaxMessageSize = 10 * 1024 * 1024

// Template sources.
const (
	TemplatesNone  = ""
	TemplatesLocal = "local"
	TemplatesS3    = "s3"
)

// Transport types.
const (
	TransportSES    = "ses"
	TransportStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Logging   LoggingConfig      `yaml:"logging"`
	HTTP      HTTPConfig         `yaml:"http"`
	SMTP      SMTPConfig         `yaml:"smtp"`
	TLS       TLSConfig          `yaml:"tls"`
	AWS       AWSConfig          `yaml:"aws"`
	Sender    email.SenderConfig `yaml:"sender"`
	Templates TemplatesConfig    `yaml:"templates"`
	Sandbox   SandboxConfig      `yaml:"sandbox"`
	Transport TransportConfig    `yaml:"transport"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
}

// HTTPConfig holds the submission API listener.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"HTTP_ENABLED"`
	Listen  string `yaml:"listen" envconfig:"HTTP_LISTEN" validate:"required_if=Enabled true"`
}

// SMTPConfig holds the SMTP relay listener.
type SMTPConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"SMTP_ENABLED"`
	Listen         string `yaml:"listen" envconfig:"SMTP_LISTEN" validate:"required_if=Enabled true"`
	Hostname       string `yaml:"hostname" envconfig:"SMTP_HOSTNAME"`
	Username       string `yaml:"username" envconfig:"SMTP_USERNAME"`
	Password       string `yaml:"password" envconfig:"SMTP_PASSWORD"`
	MaxMessageSize int    `yaml:"max_message_size" envconfig:"SMTP_MAX_MESSAGE_SIZE" validate:"gt=0"`
}

// TLSConfig holds TLS certificate file paths for STARTTLS. With both
// empty and TLS enabled a self-signed certificate is generated.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" envconfig:"TLS_CERT_FILE" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" envconfig:"TLS_KEY_FILE" validate:"required_with=CertFile"`
}

// AWSConfig holds the credentials and endpoint shared by the SES and S3
// clients. Empty keys fall back to the default credential chain.
type AWSConfig struct {
	Region          string `yaml:"region" envconfig:"AWS_REGION"`
	AccessKeyID     string `yaml:"access_key_id" envconfig:"AWS_ACCESS_KEY_ID" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `yaml:"secret_access_key" envconfig:"AWS_SECRET_ACCESS_KEY" validate:"required_with=AccessKeyID"`
	SessionToken    string `yaml:"session_token" envconfig:"AWS_SESSION_TOKEN"`
	// Endpoint overrides the service endpoint, e.g. for LocalStack or MinIO.
	Endpoint string `yaml:"endpoint" envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// TemplatesConfig selects where the template catalog is loaded from.
type TemplatesConfig struct {
	Source    string `yaml:"source" envconfig:"TEMPLATES_SOURCE" validate:"omitempty,oneof=local s3"`
	Directory string `yaml:"directory" envconfig:"TEMPLATES_DIR" validate:"required_if=Source local"`
	Bucket    string `yaml:"bucket" envconfig:"TEMPLATES_BUCKET" validate:"required_if=Source s3"`
	Prefix    string `yaml:"prefix" envconfig:"TEMPLATES_PREFIX"`
}

// SandboxConfig enables the recipient verification gate.
type SandboxConfig struct {
	Enabled          bool `yaml:"enabled" envconfig:"SANDBOX_ENABLED"`
	VerifyOnEachSend bool `yaml:"verify_on_each_send" envconfig:"SANDBOX_VERIFY_ON_EACH_SEND"`
}

// TransportConfig selects the delivery backend.
type TransportConfig struct {
	Type             string `yaml:"type" envconfig:"TRANSPORT" validate:"oneof=ses stdout"`
	ConfigurationSet string `yaml:"configuration_set" envconfig:"SES_CONFIGURATION_SET"`
	MaxRetries       int    `yaml:"max_retries" envconfig:"SES_MAX_RETRIES" validate:"gte=0"`
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads a YAML file over the defaults, then applies
// environment variables. The file must exist.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		HTTP:    HTTPConfig{Enabled: true, Listen: ":8080"},
		SMTP: SMTPConfig{
			Listen:         ":2525",
			Hostname:       "localhost",
			MaxMessageSize: defaultMaxMessageSize,
		},
		Transport: TransportConfig{Type: TransportSES, MaxRetries: 3},
	}
}

// finish applies the environment overlay, normalizes and validates.
// Unset variables keep their current value.
func (c *Config) finish() error {
	if err := envconfig.Process("", c); err != nil {
		return fmt.Errorf("failed to process environment configuration: %w", err)
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Templates.Source = strings.ToLower(c.Templates.Source)
	c.Transport.Type = strings.ToLower(c.Transport.Type)

	return c.Validate()
}

// Validate checks field constraints and cross-section rules.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if !c.HTTP.Enabled && !c.SMTP.Enabled {
		return errors.New("configuration validation failed: at least one of http or smtp must be enabled")
	}
	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.Transport.Type == TransportSES || c.Sandbox.Enabled || c.Templates.Source == TemplatesS3
}

// Load resolves an aws.Config: region and static credentials when set,
// the SDK default chain otherwise, and the endpoint override.
func (a AWSConfig) Load(ctx context.Context) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if a.Region != "" {
		opts = append(opts, awsconfig.WithRegion(a.Region))
	}
	if a.AccessKeyID != "" && a.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.AccessKeyID, a.SecretAccessKey, a.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if a.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(a.Endpoint)
	}
	return cfg, nil
}
