package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/PyZenMatt/lms-backend-sub001/internal/chain"
	"github.com/PyZenMatt/lms-backend-sub001/internal/ledger"
	"github.com/PyZenMatt/lms-backend-sub001/internal/notify"
	"github.com/PyZenMatt/lms-backend-sub001/internal/store/gormstore"
	"github.com/PyZenMatt/lms-backend-sub001/internal/withdraw"
	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

const (
	flagDatabaseURL  = "database-url"
	flagBridgeURL    = "bridge-url"
	flagBridgeAPIKey = "bridge-api-key"
	flagKafkaBrokers = "kafka-brokers"
	flagKafkaTopic   = "kafka-topic"
	flagLimit        = "limit"
	flagDryRun       = "dry-run"
	flagRequestID    = "id"
	flagUser         = "user"

	configKeyDatabaseURL  = "database_url"
	configKeyBridgeURL    = "bridge_url"
	configKeyBridgeAPIKey = "bridge_api_key"
	configKeyKafkaBrokers = "kafka_brokers"
	configKeyKafkaTopic   = "kafka_topic"

	defaultDatabaseURL = "sqlite:///tmp/teocoin.db"
	defaultBridgeURL   = "http://127.0.0.1:8545"
)

type runtimeConfig struct {
	DatabaseURL  string
	BridgeURL    string
	BridgeAPIKey string
	KafkaBrokers []string
	KafkaTopic   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "teocoind: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "teocoind",
		Short:         "TeoCoin ledger maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.PersistentFlags().String(flagBridgeURL, defaultBridgeURL, "Custodial bridge base URL")
	cmd.PersistentFlags().String(flagBridgeAPIKey, "", "Custodial bridge API key")
	cmd.PersistentFlags().StringSlice(flagKafkaBrokers, nil, "Kafka brokers for notifications (empty disables publishing)")
	cmd.PersistentFlags().String(flagKafkaTopic, "teocoin.notifications", "Kafka topic for notifications")

	cmd.AddCommand(newProcessWithdrawalsCommand(cfg))
	cmd.AddCommand(newReconcileCommand(cfg))

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:  "DATABASE_URL",
		configKeyBridgeURL:    "BRIDGE_URL",
		configKeyBridgeAPIKey: "BRIDGE_API_KEY",
		configKeyKafkaBrokers: "KAFKA_BROKERS",
		configKeyKafkaTopic:   "KAFKA_TOPIC",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagsByKey := map[string]string{
		configKeyDatabaseURL:  flagDatabaseURL,
		configKeyBridgeURL:    flagBridgeURL,
		configKeyBridgeAPIKey: flagBridgeAPIKey,
		configKeyKafkaBrokers: flagKafkaBrokers,
		configKeyKafkaTopic:   flagKafkaTopic,
	}
	for key, flagName := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.BridgeURL = viper.GetString(configKeyBridgeURL)
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = defaultBridgeURL
	}
	cfg.BridgeAPIKey = viper.GetString(configKeyBridgeAPIKey)
	cfg.KafkaBrokers = viper.GetStringSlice(configKeyKafkaBrokers)
	cfg.KafkaTopic = viper.GetString(configKeyKafkaTopic)
	return nil
}

func newProcessWithdrawalsCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-withdrawals",
		Short: "Drive pending withdrawal requests through the custodial bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			limit, err := cmd.Flags().GetInt(flagLimit)
			if err != nil {
				return err
			}
			dryRun, err := cmd.Flags().GetBool(flagDryRun)
			if err != nil {
				return err
			}
			requestID, err := cmd.Flags().GetString(flagRequestID)
			if err != nil {
				return err
			}
			return runProcessWithdrawals(ctx, cfg, limit, dryRun, requestID)
		},
	}
	cmd.Flags().Int(flagLimit, 50, "Maximum number of pending requests to process")
	cmd.Flags().Bool(flagDryRun, false, "List pending requests without processing them")
	cmd.Flags().String(flagRequestID, "", "Process a single request by id")
	return cmd
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay a user's ledger and compare it against the stored balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			user, err := cmd.Flags().GetString(flagUser)
			if err != nil {
				return err
			}
			return runReconcile(ctx, cfg, user)
		},
	}
	cmd.Flags().String(flagUser, "", "User id to reconcile")
	_ = cmd.MarkFlagRequired(flagUser)
	return cmd
}

func runProcessWithdrawals(ctx context.Context, cfg *runtimeConfig, limit int, dryRun bool, requestID string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	service, closeNotifier, err := buildWithdrawService(cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	if dryRun {
		pending, err := service.ListPending(ctx, limit)
		if err != nil {
			return err
		}
		for _, request := range pending {
			fmt.Printf("%s\t%s\t%s\t%s\n", request.ID, request.UserID.String(), request.Amount.String(), request.Address.String())
		}
		logger.Info("dry run complete", zap.Int("pending", len(pending)))
		return nil
	}

	report, err := service.Recover(ctx, limit)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	logger.Info("recovery sweep complete",
		zap.Int("finalized", report.Finalized),
		zap.Int("refunded", report.Refunded),
		zap.Int("reset", report.Reset),
		zap.Int("skipped", report.Skipped))

	var ids []string
	if requestID != "" {
		ids = []string{requestID}
	} else {
		pending, err := service.ListPending(ctx, limit)
		if err != nil {
			return err
		}
		for _, request := range pending {
			ids = append(ids, request.ID)
		}
	}

	failed := 0
	for _, id := range ids {
		request, err := service.Process(ctx, id)
		if err != nil {
			failed++
			logger.Error("withdrawal processing failed", zap.String("withdrawal_id", id), zap.Error(err))
			continue
		}
		logger.Info("withdrawal processed",
			zap.String("withdrawal_id", request.ID),
			zap.String("status", string(request.Status)),
			zap.String("tx_hash", request.TxHash))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d withdrawal requests failed", failed, len(ids))
	}
	return nil
}

func runReconcile(ctx context.Context, cfg *runtimeConfig, user string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	userID, err := teocoin.NewUserID(user)
	if err != nil {
		return err
	}
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() }, ledger.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	report, err := service.Reconcile(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("user=%s balanced=%t\n", report.UserID.String(), report.Balanced)
	fmt.Printf("stored   available=%s staked=%s pending=%s\n",
		report.Stored.Available.String(), report.Stored.Staked.String(), report.Stored.PendingWithdrawal.String())
	fmt.Printf("rebuilt  available=%s staked=%s pending=%s\n",
		report.Rebuilt.Available.String(), report.Rebuilt.Staked.String(), report.Rebuilt.PendingWithdrawal.String())
	if !report.Balanced {
		return errors.New("stored balance diverges from ledger replay")
	}
	return nil
}

func buildWithdrawService(cfg *runtimeConfig, store teocoin.Store, logger *zap.Logger) (*withdraw.Service, func(), error) {
	bridge, err := chain.New(chain.Config{
		BaseURL: cfg.BridgeURL,
		APIKey:  cfg.BridgeAPIKey,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("bridge init: %w", err)
	}

	var notifier teocoin.Notifier
	closeNotifier := func() {}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka notifier init: %w", err)
		}
		notifier = kafkaNotifier
		closeNotifier = func() { _ = kafkaNotifier.Close() }
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	service, err := withdraw.NewService(
		store,
		bridge,
		func() time.Time { return time.Now().UTC() },
		teocoin.DefaultConfig().Withdrawal,
		withdraw.WithLogger(logger),
		withdraw.WithNotifier(notifier),
	)
	if err != nil {
		closeNotifier()
		return nil, nil, fmt.Errorf("withdraw service init: %w", err)
	}
	return service, closeNotifier, nil
}

func openStore(ctx context.Context, dsn string) (*gormstore.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }

	store := gormstore.New(db.WithContext(ctx))
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return store, cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "teocoin.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
