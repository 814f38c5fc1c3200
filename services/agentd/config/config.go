package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradeagent/aggregator"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for agentd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	DatabasePath  string          `yaml:"database" toml:"database"`
	DatabaseURL   string          `yaml:"database_url" toml:"database_url"`
	DryRun        bool            `yaml:"dry_run" toml:"dry_run"`
	DedupeWindow  Duration        `yaml:"dedupe_window" toml:"dedupe_window"`
	Log           LogConfig       `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Solana        SolanaConfig    `yaml:"solana" toml:"solana"`
	Jupiter       JupiterConfig   `yaml:"jupiter" toml:"jupiter"`
	DexScreener   DexConfig       `yaml:"dexscreener" toml:"dexscreener"`
	Pricing       PricingConfig   `yaml:"pricing" toml:"pricing"`
	Risk          RiskConfig      `yaml:"risk" toml:"risk"`
	Wallet        WalletConfig    `yaml:"wallet" toml:"wallet"`
	Notify        NotifyConfig    `yaml:"notify" toml:"notify"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP exporters. An empty endpoint disables export.
// Headers uses the OTEL "key=value,key2=value2" form.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	Headers     string `yaml:"headers" toml:"headers"`
	Environment string `yaml:"environment" toml:"environment"`
}

// SolanaConfig points at the cluster.
type SolanaConfig struct {
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	WebsocketURL   string   `yaml:"websocket_url" toml:"websocket_url"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
}

// JupiterConfig tunes the swap aggregator client.
type JupiterConfig struct {
	BaseURL     string  `yaml:"base_url" toml:"base_url"`
	SlippageBps int     `yaml:"slippage_bps" toml:"slippage_bps"`
	PriorityFee string  `yaml:"priority_fee" toml:"priority_fee"`
	RateLimit   float64 `yaml:"rate_limit" toml:"rate_limit"`
}

// DexConfig tunes the market data client.
type DexConfig struct {
	BaseURL   string  `yaml:"base_url" toml:"base_url"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
}

// PricingConfig controls cache lifetimes.
type PricingConfig struct {
	PriceTTL    Duration `yaml:"price_ttl" toml:"price_ttl"`
	NegativeTTL Duration `yaml:"negative_ttl" toml:"negative_ttl"`
}

// RiskConfig carries the gate limits in SOL.
type RiskConfig struct {
	MaxDailyLossSol float64 `yaml:"max_daily_loss_sol" toml:"max_daily_loss_sol"`
	MaxPositionSol  float64 `yaml:"max_position_sol" toml:"max_position_sol"`
}

// WalletConfig lists signing key sources. Secrets take precedence over the keystore.
type WalletConfig struct {
	Secrets            []string `yaml:"secrets" toml:"secrets"`
	Keystore           string   `yaml:"keystore" toml:"keystore"`
	KeystorePassphrase string   `yaml:"keystore_passphrase" toml:"keystore_passphrase"`
}

// NotifyConfig enables notification channels.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook" toml:"webhook"`
	Discord  DiscordConfig  `yaml:"discord" toml:"discord"`
	Kafka    KafkaConfig    `yaml:"kafka" toml:"kafka"`
}

// TelegramConfig configures the Bot API channel.
type TelegramConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	ChatID   string `yaml:"chat_id" toml:"chat_id"`
}

// Enabled reports whether the channel has credentials.
func (t TelegramConfig) Enabled() bool { return t.BotToken != "" && t.ChatID != "" }

// WebhookConfig configures the generic webhook channel.
type WebhookConfig struct {
	URL         string   `yaml:"url" toml:"url"`
	Secret      string   `yaml:"secret" toml:"secret"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	MinBackoff  Duration `yaml:"min_backoff" toml:"min_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff" toml:"max_backoff"`
}

// DiscordConfig configures the Discord embed channel.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`
}

// KafkaConfig configures the execution event stream.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// AuthConfig configures JWT verification for the /v1 API.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Audience  string `yaml:"audience" toml:"audience"`
}

// LoadOption configures Load.
type LoadOption func(*loader)

type loader struct {
	envFiles []string
	lookup   func(string) (string, bool)
}

// WithEnvFiles overrides the dotenv files consulted. Missing files are skipped.
func WithEnvFiles(paths ...string) LoadOption {
	return func(l *loader) { l.envFiles = paths }
}

// WithLookup overrides the environment lookup.
func WithLookup(lookup func(string) (string, bool)) LoadOption {
	return func(l *loader) {
		if lookup != nil {
			l.lookup = lookup
		}
	}
}

// Load reads configuration from path, then overlays .env and environment
// variables. A missing file is tolerated; validation decides whether the
// environment supplied enough.
func Load(path string, opts ...LoadOption) (Config, error) {
	l := &loader{envFiles: []string{".env"}, lookup: os.LookupEnv}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	cfg := Config{}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if err := decodeFile(trimmed, &cfg); err != nil {
			return cfg, err
		}
	}
	dotenv := map[string]string{}
	for _, file := range l.envFiles {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return cfg, fmt.Errorf("read env file %s: %w", file, err)
		}
		for k, v := range values {
			if _, exists := dotenv[k]; !exists {
				dotenv[k] = v
			}
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := l.lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("RPC_URL", &cfg.Solana.RPCURL)
	str("WEBSOCKET_URL", &cfg.Solana.WebsocketURL)
	str("JUPITER_BASE_URL", &cfg.Jupiter.BaseURL)
	str("DEXSCREENER_BASE_URL", &cfg.DexScreener.BaseURL)
	str("PRIORITY_FEE_LAMPORTS", &cfg.Jupiter.PriorityFee)
	str("LISTEN_ADDRESS", &cfg.ListenAddress)
	str("DATABASE_PATH", &cfg.DatabasePath)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("OTEL_EXPORTER_OTLP_HEADERS", &cfg.Telemetry.Headers)
	str("AGENT_ENV", &cfg.Telemetry.Environment)
	str("WALLET_KEYSTORE", &cfg.Wallet.Keystore)
	str("WALLET_KEYSTORE_PASSPHRASE", &cfg.Wallet.KeystorePassphrase)
	str("TELEGRAM_BOT_TOKEN", &cfg.Notify.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &cfg.Notify.Telegram.ChatID)
	str("WEBHOOK_NOTIFY_URL", &cfg.Notify.Webhook.URL)
	str("WEBHOOK_NOTIFY_SECRET", &cfg.Notify.Webhook.Secret)
	str("DISCORD_WEBHOOK_URL", &cfg.Notify.Discord.WebhookURL)
	str("KAFKA_TOPIC", &cfg.Notify.Kafka.Topic)
	str("AGENT_JWT_SECRET", &cfg.Auth.JWTSecret)

	if v, ok := lookup("KAFKA_BROKERS"); ok {
		if brokers := splitList(v); len(brokers) > 0 {
			cfg.Notify.Kafka.Brokers = brokers
		}
	}

	if v, ok := lookup("SLIPPAGE_BPS"); ok && strings.TrimSpace(v) != "" {
		bps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("SLIPPAGE_BPS: %w", err)
		}
		if bps > 0 {
			cfg.Jupiter.SlippageBps = int(bps)
		}
	}
	for key, dst := range map[string]*float64{
		"MAX_DAILY_LOSS_SOL": &cfg.Risk.MaxDailyLossSol,
		"MAX_POSITION_SOL":   &cfg.Risk.MaxPositionSol,
	} {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = parsed
		}
	}
	if v, ok := lookup("DRY_RUN"); ok {
		cfg.DryRun = parseBool(v)
	}

	// SOLANA_WALLETS wins; the single-key variables are fallbacks.
	if v, ok := lookup("SOLANA_WALLETS"); ok {
		if secrets := splitList(v); len(secrets) > 0 {
			cfg.Wallet.Secrets = secrets
			return nil
		}
	}
	if len(cfg.Wallet.Secrets) == 0 {
		for _, key := range []string{"SOL_PRIVATE_KEY", "WALLET_PRIVATE_KEY"} {
			if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
				cfg.Wallet.Secrets = append(cfg.Wallet.Secrets, strings.TrimSpace(v))
			}
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/agent.sqlite"
	}
	if cfg.DedupeWindow.Duration == 0 {
		cfg.DedupeWindow.Duration = 30 * time.Second
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = "dev"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "logs/agent.log"
	}
	if cfg.Solana.RequestTimeout.Duration == 0 {
		cfg.Solana.RequestTimeout.Duration = 15 * time.Second
	}
	if cfg.Solana.ConfirmTimeout.Duration == 0 {
		cfg.Solana.ConfirmTimeout.Duration = 60 * time.Second
	}
	if cfg.Jupiter.BaseURL == "" {
		cfg.Jupiter.BaseURL = aggregator.DefaultBaseURL
	}
	if cfg.Jupiter.SlippageBps <= 0 {
		cfg.Jupiter.SlippageBps = aggregator.DefaultSlippageBps
	}
	if cfg.Jupiter.PriorityFee == "" {
		cfg.Jupiter.PriorityFee = "auto"
	}
	if cfg.DexScreener.BaseURL == "" {
		cfg.DexScreener.BaseURL = "https://api.dexscreener.com"
	}
	if cfg.Pricing.PriceTTL.Duration == 0 {
		cfg.Pricing.PriceTTL.Duration = 15 * time.Second
	}
	if cfg.Pricing.NegativeTTL.Duration == 0 {
		cfg.Pricing.NegativeTTL.Duration = 60 * time.Second
	}
	if cfg.Risk.MaxDailyLossSol == 0 {
		cfg.Risk.MaxDailyLossSol = 5
	}
	if cfg.Risk.MaxPositionSol == 0 {
		cfg.Risk.MaxPositionSol = 0.5
	}
	if len(cfg.Notify.Kafka.Brokers) > 0 && cfg.Notify.Kafka.Topic == "" {
		cfg.Notify.Kafka.Topic = "agent.executions"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Solana.RPCURL) == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if cfg.Risk.MaxDailyLossSol <= 0 {
		return fmt.Errorf("risk.max_daily_loss_sol must be positive")
	}
	if cfg.Risk.MaxPositionSol <= 0 {
		return fmt.Errorf("risk.max_position_sol must be positive")
	}
	if cfg.Jupiter.SlippageBps > 10_000 {
		return fmt.Errorf("jupiter.slippage_bps must not exceed 10000")
	}
	if _, err := aggregator.ParsePriorityFee(cfg.Jupiter.PriorityFee); err != nil {
		return err
	}
	if cfg.Notify.Telegram.BotToken != "" && cfg.Notify.Telegram.ChatID == "" {
		return fmt.Errorf("TELEGRAM_CHAT_ID must be set with TELEGRAM_BOT_TOKEN")
	}
	return nil
}

// HasWallet reports whether a signing key source is configured.
func (c Config) HasWallet() bool {
	return len(c.Wallet.Secrets) > 0 || strings.TrimSpace(c.Wallet.Keystore) != ""
}

// PriorityFee returns the parsed priority fee policy.
func (c Config) PriorityFee() aggregator.PriorityFee {
	fee, err := aggregator.ParsePriorityFee(c.Jupiter.PriorityFee)
	if err != nil {
		return aggregator.AutoPriorityFee()
	}
	return fee
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
