package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rxtech-lab/argo-harvester/internal/api"
	"github.com/rxtech-lab/argo-harvester/internal/config"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/feed"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/runner"
	"github.com/rxtech-lab/argo-harvester/internal/version"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 10 * time.Second
	firstPriceTimeout = 30 * time.Second
)

// loadConfig reads the optional env file and then the configuration.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if envFile := cmd.String("env"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	return config.Load(cmd.String("config"))
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if addr := cmd.String("status-addr"); cmd.IsSet("status-addr") {
		cfg.StatusAddr = addr
	}

	logLevel := cfg.LogLevel
	if cmd.IsSet("log-level") {
		logLevel = cmd.String("log-level")
	}

	zlog, err := logger.NewLoggerWithLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	defer func() { _ = zlog.Sync() }()

	r, err := runner.New(cfg, zlog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *api.Server
	if cfg.StatusAddr != "" {
		server = api.NewServer(r, r.Collector().Handler(), zlog.Named("api"))
		if err := server.Start(cfg.StatusAddr); err != nil {
			return err
		}
	}

	zlog.Info("Starting harvester", zap.Strings("instances", r.Names()), zap.String("data_dir", cfg.DataDir))

	runErr := r.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			zlog.Warn("Status server did not stop cleanly", zap.Error(err))
		}
	}

	return runErr
}

func schemaAction(_ context.Context, cmd *cli.Command) error {
	var (
		schema string
		err    error
	)

	if provider := cmd.String("provider"); provider != "" {
		schema, err = exchange.GetProviderConfigSchema(provider)
	} else {
		schema, err = config.Schema()
	}

	if err != nil {
		return err
	}

	fmt.Println(schema)

	return nil
}

func reconcileAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	instance, err := cfg.Find(cmd.String("instance"))
	if err != nil {
		return err
	}

	zlog, err := logger.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	defer func() { _ = zlog.Sync() }()

	venueConfig, err := instance.ExchangeConfig()
	if err != nil {
		return err
	}

	ex, err := exchange.NewExchange(instance.Provider, venueConfig)
	if err != nil {
		return err
	}

	var price decimal.Decimal
	if flag := cmd.String("price"); flag != "" {
		price, err = decimal.NewFromString(flag)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", flag, err)
		}
	} else {
		price, err = runner.FirstPrice(ctx, feed.NewBinanceMarkPriceFeed(instance.Symbol, zlog), firstPriceTimeout)
		if err != nil {
			return err
		}
	}

	report, err := runner.DryRun(ctx, instance, ex, price, zlog)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(report)
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Path to the harvester `YAML` configuration",
		Required: true,
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "Optional .env file with exchange credentials",
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "harvester",
		Usage:   "Run volatility-harvesting stop-order grids on futures venues",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run every configured instance until interrupted",
				Flags: []cli.Flag{
					configFlag(),
					envFlag(),
					&cli.StringFlag{
						Name:  "status-addr",
						Usage: "Override the status API listen address, empty disables it",
						Value: config.DefaultStatusAddr,
					},
					&cli.StringFlag{
						Name:  "log-level",
						Usage: "Override the configured log level",
					},
				},
				Action: runAction,
			},
			{
				Name:  "schema",
				Usage: "Print the JSON schema of the configuration or of a provider section",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "provider",
						Aliases: []string{"p"},
						Usage:   fmt.Sprintf("Provider name, one of %v", exchange.GetSupportedProviders()),
					},
				},
				Action: schemaAction,
			},
			{
				Name:  "reconcile",
				Usage: "Print what reconciling an instance against its venue would change, without changing it",
				Flags: []cli.Flag{
					configFlag(),
					envFlag(),
					&cli.StringFlag{
						Name:     "instance",
						Aliases:  []string{"i"},
						Usage:    "Instance name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "price",
						Usage: "Price to plan at; the current mark price is used when empty",
					},
				},
				Action: reconcileAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
