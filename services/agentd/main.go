package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"tradeagent/aggregator"
	"tradeagent/chain"
	"tradeagent/crypto"
	"tradeagent/execution"
	"tradeagent/notify"
	"tradeagent/observability"
	"tradeagent/observability/logging"
	telemetry "tradeagent/observability/otel"
	"tradeagent/pricing"
	"tradeagent/risk"
	"tradeagent/services/agentd/config"
	"tradeagent/services/agentd/server"
	"tradeagent/services/agentd/storage"
)

func main() {
	var (
		cfgPath       string
		promptWallet  bool
		writeKeystore string
	)
	flag.StringVar(&cfgPath, "config", "agent.yaml", "path to agent configuration file (.yaml or .toml)")
	flag.BoolVar(&promptWallet, "prompt-wallet", false, "read the wallet secret from the terminal instead of the environment")
	flag.StringVar(&writeKeystore, "write-keystore", "", "encrypt the loaded wallet into this keystore file and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("agentd: load config: %v", err)
	}
	logger := logging.Setup("agentd", cfg.Telemetry.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, promptWallet, writeKeystore); err != nil {
		logger.Error("agentd.exit", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, promptWallet bool, writeKeystore string) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "agentd",
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	wallet, err := loadWallet(cfg, promptWallet)
	if err != nil {
		return err
	}
	if writeKeystore != "" {
		if wallet == nil {
			return errors.New("no wallet to write")
		}
		passphrase, err := readSecret("Keystore passphrase: ")
		if err != nil {
			return err
		}
		if err := crypto.SaveToKeystore(writeKeystore, wallet, passphrase); err != nil {
			return err
		}
		logger.Info("wallet.keystore.written", slog.String("path", writeKeystore), slog.String("address", wallet.Address()))
		return nil
	}

	store, err := storage.Open(storage.Options{URL: cfg.DatabaseURL, Path: cfg.DatabasePath})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	gate := risk.NewGate(risk.Limits{
		MaxDailyLoss: decimal.NewFromFloat(cfg.Risk.MaxDailyLossSol),
		MaxPosition:  decimal.NewFromFloat(cfg.Risk.MaxPositionSol),
	}, risk.WithMetrics(observability.Risk()))
	records, err := store.TradeRecords(ctx, time.Now().Add(-risk.Window))
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	gate.Replay(records)

	rpc, err := chain.Dial(ctx, cfg.Solana.RPCURL, chain.WithRequestTimeout(cfg.Solana.RequestTimeout.Duration))
	if err != nil {
		return err
	}
	defer rpc.Close()

	jupiter := aggregator.New(cfg.Jupiter.BaseURL, aggregator.WithRateLimit(cfg.Jupiter.RateLimit, 1))
	prices := pricing.NewService(
		pricing.NewDexScreener(cfg.DexScreener.BaseURL, pricing.WithDexRateLimit(cfg.DexScreener.RateLimit, 1)),
		pricing.WithQuoter(jupiter),
		pricing.WithDecimals(rpc),
		pricing.WithPriceTTL(cfg.Pricing.PriceTTL.Duration),
		pricing.WithNegativeTTL(cfg.Pricing.NegativeTTL.Duration),
		pricing.WithMetrics(observability.Pricing()),
	)

	dryRun := cfg.DryRun || wallet == nil
	if !cfg.DryRun && wallet == nil {
		logger.Warn("agentd.wallet.missing", slog.String("mode", "dry-run"))
	}
	var executor execution.Executor
	if dryRun {
		executor = execution.NewDryRun(execution.WithDryRunMetrics(observability.Execution()))
	} else {
		var confirmer chain.Confirmer = chain.NewPollingConfirmer(rpc, 0, cfg.Solana.ConfirmTimeout.Duration)
		if ws := strings.TrimSpace(cfg.Solana.WebsocketURL); ws != "" {
			confirmer = chain.NewSubscriptionConfirmer(ws, cfg.Solana.ConfirmTimeout.Duration, rpc)
		}
		live, err := execution.NewLive(jupiter, wallet, rpc, confirmer, chain.NewResolver(rpc),
			execution.LiveConfig{SlippageBps: cfg.Jupiter.SlippageBps, PriorityFee: cfg.PriorityFee()},
			execution.WithLiveMetrics(observability.Execution()))
		if err != nil {
			return err
		}
		executor = live
	}

	channels, closeChannels, err := notifyChannels(cfg, logger)
	if err != nil {
		return err
	}
	defer closeChannels()
	notifier := notify.NewManager(channels, notify.WithMetrics(observability.Notify()))

	pipeline := execution.NewPipeline(gate, execution.NewNotifying(executor, notifier, nil),
		execution.WithJournal(store),
		execution.WithDedupeWindow(cfg.DedupeWindow.Duration))

	var auth *server.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth, err = server.NewAuthenticator(server.AuthConfig{
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logging.Component(logger, "auth"))
		if err != nil {
			return err
		}
	}
	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress, DryRun: dryRun},
		server.Deps{Risk: gate, Prices: prices, Submitter: pipeline, History: store},
		auth, logging.Component(logger, "server"))
	if err != nil {
		return err
	}

	attrs := []any{
		slog.Bool("dryRun", dryRun),
		slog.String("rpc", logging.MaskURL(cfg.Solana.RPCURL)),
		slog.String("priorityFee", cfg.PriorityFee().String()),
		slog.Int("slippageBps", cfg.Jupiter.SlippageBps),
		slog.Any("channels", notifier.Channels()),
		slog.Int("replayed", len(records)),
		logging.MaskField("telegram_token", cfg.Notify.Telegram.BotToken),
		logging.MaskField("webhook_secret", cfg.Notify.Webhook.Secret),
		logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
	}
	if wallet != nil {
		attrs = append(attrs, slog.String("wallet", wallet.Address()))
	}
	logger.Info("agentd.started", attrs...)
	return srv.Run(ctx)
}

func loadWallet(cfg config.Config, prompt bool) (*crypto.Wallet, error) {
	if prompt {
		secret, err := readSecret("Wallet secret (base58 or JSON array): ")
		if err != nil {
			return nil, err
		}
		return crypto.ParseSecret(secret)
	}
	if len(cfg.Wallet.Secrets) > 0 {
		wallets, err := crypto.ParseSecrets(cfg.Wallet.Secrets)
		if err != nil {
			return nil, fmt.Errorf("parse wallet secrets: %w", err)
		}
		if len(wallets) > 0 {
			return wallets[0], nil
		}
	}
	if path := strings.TrimSpace(cfg.Wallet.Keystore); path != "" {
		passphrase := cfg.Wallet.KeystorePassphrase
		if passphrase == "" {
			var err error
			if passphrase, err = readSecret("Keystore passphrase: "); err != nil {
				return nil, err
			}
		}
		return crypto.LoadFromKeystore(path, passphrase)
	}
	return nil, nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("secret prompt requires an interactive terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func notifyChannels(cfg config.Config, logger *slog.Logger) ([]notify.Channel, func(), error) {
	channels := []notify.Channel{{Name: "console", Notifier: notify.NewConsole(logging.Component(logger, "notify.console"))}}
	closers := []func() error{}
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	n := cfg.Notify
	if n.Telegram.Enabled() {
		tg, err := notify.NewTelegram(n.Telegram.Endpoint, n.Telegram.BotToken, n.Telegram.ChatID, nil)
		if err != nil {
			return nil, closeAll, err
		}
		channels = append(channels, notify.Channel{Name: "telegram", Notifier: tg})
	}
	if n.Webhook.URL != "" {
		opts := []notify.WebhookOption{
			notify.WithRetryPolicy(n.Webhook.MaxAttempts, n.Webhook.MinBackoff.Duration, n.Webhook.MaxBackoff.Duration),
		}
		if n.Webhook.Secret != "" {
			opts = append(opts, notify.WithWebhookSecret([]byte(n.Webhook.Secret)))
		}
		wh, err := notify.NewWebhook(n.Webhook.URL, opts...)
		if err != nil {
			return nil, closeAll, err
		}
		channels = append(channels, notify.Channel{Name: "webhook", Notifier: wh})
	}
	if n.Discord.WebhookURL != "" {
		d, err := notify.NewDiscord(n.Discord.WebhookURL, nil)
		if err != nil {
			return nil, closeAll, err
		}
		channels = append(channels, notify.Channel{Name: "discord", Notifier: d})
	}
	if len(n.Kafka.Brokers) > 0 {
		writer, err := notify.NewKafkaWriter(n.Kafka.Brokers, n.Kafka.Topic)
		if err != nil {
			return nil, closeAll, err
		}
		k, err := notify.NewKafka(writer)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, k.Close)
		channels = append(channels, notify.Channel{Name: "kafka", Notifier: k})
	}
	return channels, closeAll, nil
}
