package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gregtusar/fundarb/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Venues  []VenueConfig `mapstructure:"venues"`
	Trading TradingConfig `mapstructure:"trading"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Rates   RatesConfig   `mapstructure:"rates"`
	Logging LoggingConfig `mapstructure:"logging"`
	GCP     GCPConfig     `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type VenueConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`

	// AuthType is "hmac" or "jwt".
	AuthType   string `mapstructure:"auth_type"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`

	// JWT authentication
	APIKeyName    string `mapstructure:"api_key_name"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`

	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// SettlementInterval pins this venue's funding cadence, overriding
	// whatever the venue reports.
	SettlementInterval time.Duration `mapstructure:"settlement_interval"`

	// Feed is this venue's execution event stream.
	Feed VenueFeedConfig `mapstructure:"feed"`
}

type VenueFeedConfig struct {
	// Mode is "websocket" or "kafka"; empty disables the feed for this
	// venue (events must arrive through the shared kafka feed).
	Mode           string `mapstructure:"mode"`
	URL            string `mapstructure:"url"`
	ReconnectDelay int    `mapstructure:"reconnect_delay"`
	MaxReconnects  int    `mapstructure:"max_reconnects"`
}

type TradingConfig struct {
	// MinSpreadThreshold is the periodic spread a feasible opportunity
	// must strictly exceed; it should cover round-trip fees.
	MinSpreadThreshold float64       `mapstructure:"min_spread_threshold"`
	SubmitTimeout      time.Duration `mapstructure:"submit_timeout"`
	CancelTimeout      time.Duration `mapstructure:"cancel_timeout"`
}

type LedgerConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type FeedConfig struct {
	// SharedSecret authenticates inbound execution events. Empty
	// disables verification, acceptable only for paper trading.
	SharedSecret string `mapstructure:"shared_secret"`
	// Kafka carries execution events bridged through a broker.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// IngestWorkers is the number of concurrent ingestion loops.
	IngestWorkers int `mapstructure:"ingest_workers"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type RatesConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type GCPConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	UseSecrets bool   `mapstructure:"use_secrets"`
	// CredentialsFile optionally points at a service-account key file.
	CredentialsFile string `mapstructure:"credentials_file"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fundarb")
	}

	v.SetEnvPrefix("FUNDARB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("trading.min_spread_threshold", 0.0002)
	v.SetDefault("trading.submit_timeout", "10s")
	v.SetDefault("trading.cancel_timeout", "10s")

	v.SetDefault("ledger.driver", "memory")

	v.SetDefault("feed.ingest_workers", 2)
	v.SetDefault("feed.kafka.enabled", false)
	v.SetDefault("feed.kafka.topic", "venue-execution-events")
	v.SetDefault("feed.kafka.group_id", "fundarb-recon")

	v.SetDefault("rates.poll_interval", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
}

func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("FUNDARB_LEDGER_DSN"); dsn != "" {
		config.Ledger.DSN = dsn
	}
	if secret := os.Getenv("FUNDARB_FEED_SECRET"); secret != "" {
		config.Feed.SharedSecret = secret
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}

	// Per-venue credentials: FUNDARB_<VENUE>_API_KEY etc.
	for i := range config.Venues {
		prefix := "FUNDARB_" + envName(config.Venues[i].Name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			config.Venues[i].APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			config.Venues[i].APISecret = secret
		}
		if passphrase := os.Getenv(prefix + "_PASSPHRASE"); passphrase != "" {
			config.Venues[i].Passphrase = passphrase
		}
		if keyName := os.Getenv(prefix + "_API_KEY_NAME"); keyName != "" {
			config.Venues[i].APIKeyName = keyName
		}
		if pem := os.Getenv(prefix + "_PRIVATE_KEY"); pem != "" {
			config.Venues[i].PrivateKeyPEM = pem
		}
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	for i := range config.Venues {
		names := secrets.VenueSecretNames(config.Venues[i].Name)
		if config.Venues[i].APIKey == "" {
			config.Venues[i].APIKey = secretManager.GetSecretWithDefault(ctx, names.APIKey, "")
		}
		if config.Venues[i].APISecret == "" {
			config.Venues[i].APISecret = secretManager.GetSecretWithDefault(ctx, names.APISecret, "")
		}
		if config.Venues[i].Passphrase == "" {
			config.Venues[i].Passphrase = secretManager.GetSecretWithDefault(ctx, names.Passphrase, "")
		}
		if config.Venues[i].APIKeyName == "" {
			config.Venues[i].APIKeyName = secretManager.GetSecretWithDefault(ctx, names.APIKeyName, "")
		}
		if config.Venues[i].PrivateKeyPEM == "" {
			config.Venues[i].PrivateKeyPEM = secretManager.GetSecretWithDefault(ctx, names.PrivateKey, "")
		}
	}
	if config.Feed.SharedSecret == "" {
		config.Feed.SharedSecret = secretManager.GetSecretWithDefault(ctx, secrets.FeedSecretName, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

func validate(config *Config) error {
	if len(config.Venues) > 0 && len(config.Venues) < 2 {
		return fmt.Errorf("at least two venues are required for pair execution, got %d", len(config.Venues))
	}
	seen := make(map[string]bool)
	for _, vc := range config.Venues {
		if vc.Name == "" {
			return fmt.Errorf("venue with empty name")
		}
		if seen[vc.Name] {
			return fmt.Errorf("duplicate venue %q", vc.Name)
		}
		seen[vc.Name] = true
	}
	if config.Ledger.Driver == "postgres" && config.Ledger.DSN == "" {
		return fmt.Errorf("postgres ledger requires a dsn")
	}
	return nil
}

func envName(venue string) string {
	out := make([]rune, 0, len(venue))
	for _, r := range venue {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
