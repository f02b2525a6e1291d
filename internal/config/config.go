// Package config loads the harvester configuration file.
//
// The file is YAML and describes the process (data folder, status address, log
// level, reconcile interval) and one or more instances. API credentials are
// never stored in the file; each Binance instance names the environment
// variables holding them.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/argo-harvester/internal/engine"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/exchange/paper"
	"github.com/rxtech-lab/argo-harvester/internal/retry"
	"github.com/rxtech-lab/argo-harvester/internal/version"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/rxtech-lab/argo-harvester/pkg/utils"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Default process settings.
const (
	DefaultDataDir            = "data"
	DefaultStatusAddr         = ":8080"
	DefaultLogLevel           = "info"
	DefaultReconcileInterval  = time.Minute
	DefaultJournalExportEvery = 50
	DefaultAPIKeyEnv          = "BINANCE_API_KEY"
	DefaultSecretKeyEnv       = "BINANCE_SECRET_KEY"
)

// Config is the content of the configuration file.
type Config struct {
	Requires           string        `yaml:"requires" json:"requires,omitempty" jsonschema:"title=Required version,description=Semver constraint on the harvester build e.g. >= 0.3"`
	DataDir            string        `yaml:"data_dir" json:"data_dir" jsonschema:"title=Data directory,description=Root folder of run folders,default=data"`
	StatusAddr         string        `yaml:"status_addr" json:"status_addr" jsonschema:"title=Status address,description=Listen address of the status API; empty disables it,default=:8080"`
	LogLevel           string        `yaml:"log_level" json:"log_level" jsonschema:"title=Log level,enum=debug,enum=info,enum=warn,enum=error,default=info" validate:"omitempty,oneof=debug info warn error"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval" json:"reconcile_interval" jsonschema:"title=Reconcile interval,description=Period of the background reconciliation,default=1m"`
	JournalExportEvery int           `yaml:"journal_export_every" json:"journal_export_every" jsonschema:"title=Journal export cadence,description=Events between two parquet exports of the journal; the journal is also exported on close,default=50" validate:"gte=0"`
	Instances          []Instance    `yaml:"instances" json:"instances" jsonschema:"title=Instances,description=Independent instances; two instances on two accounts form a dual wallet" validate:"required,min=1,dive"`
}

// Instance is one symbol on one account.
type Instance struct {
	Name     string                `yaml:"name" json:"name" jsonschema:"title=Name,description=Unique instance name" validate:"required"`
	Provider exchange.ProviderType `yaml:"provider" json:"provider" jsonschema:"title=Provider,enum=binance-futures-testnet,enum=binance-futures-live,enum=paper" validate:"required,oneof=binance-futures-testnet binance-futures-live paper"`
	Symbol   string                `yaml:"symbol" json:"symbol" jsonschema:"title=Symbol,description=Futures symbol e.g. BTCUSDT" validate:"required"`

	EntryPrice   decimal.Decimal `yaml:"entry_price" json:"entry_price" jsonschema:"title=Entry price,description=Price of unit 0"`
	UnitSize     decimal.Decimal `yaml:"unit_size" json:"unit_size" jsonschema:"title=Unit size,description=Price distance between two units"`
	WindowSize   int             `yaml:"window_size" json:"window_size" jsonschema:"title=Window size,default=4" validate:"gte=0"`
	InitialValue decimal.Decimal `yaml:"initial_value" json:"initial_value" jsonschema:"title=Initial value,description=Quote value of the position at start"`
	QuantityStep decimal.Decimal `yaml:"quantity_step" json:"quantity_step" jsonschema:"title=Quantity step,description=Order sizes are rounded down to this step"`

	ClientIDPrefix string          `yaml:"client_id_prefix" json:"client_id_prefix" jsonschema:"title=Client id prefix,default=hv" validate:"omitempty,max=12,alphanum"`
	DriftTolerance decimal.Decimal `yaml:"drift_tolerance" json:"drift_tolerance" jsonschema:"title=Drift tolerance,default=1.5"`
	GridTolerance  decimal.Decimal `yaml:"grid_tolerance" json:"grid_tolerance" jsonschema:"title=Grid tolerance,default=0.01"`
	OpTimeout      time.Duration   `yaml:"op_timeout" json:"op_timeout" jsonschema:"title=Operation timeout,default=30s"`
	FillGrace      time.Duration   `yaml:"fill_grace" json:"fill_grace" jsonschema:"title=Fill grace,description=How long a crossed stop may wait for its fill before it counts as drift,default=5s"`
	InboxSize      int             `yaml:"inbox_size" json:"inbox_size" jsonschema:"title=Inbox size,default=1024" validate:"gte=0"`
	HistoryLimit   int             `yaml:"history_limit" json:"history_limit" jsonschema:"title=History limit,description=Ledger versions kept per unit; 0 keeps all" validate:"gte=0"`
	Retry          retry.Policy    `yaml:"retry" json:"retry" jsonschema:"title=Retry policy"`

	Binance *Binance      `yaml:"binance,omitempty" json:"binance,omitempty" jsonschema:"title=Binance settings"`
	Paper   *paper.Config `yaml:"paper,omitempty" json:"paper,omitempty" jsonschema:"title=Paper venue settings"`
}

// Binance holds the venue settings of a Binance instance.
type Binance struct {
	APIKeyEnv         string `yaml:"api_key_env" json:"api_key_env" jsonschema:"title=API key variable,default=BINANCE_API_KEY"`
	SecretKeyEnv      string `yaml:"secret_key_env" json:"secret_key_env" jsonschema:"title=Secret key variable,default=BINANCE_SECRET_KEY"`
	BaseURL           string `yaml:"base_url" json:"base_url,omitempty" jsonschema:"title=Base URL"`
	QuoteAsset        string `yaml:"quote_asset" json:"quote_asset,omitempty" jsonschema:"title=Quote asset,default=USDT"`
	PricePrecision    int32  `yaml:"price_precision" json:"price_precision" jsonschema:"title=Price precision" validate:"gte=0,lte=12"`
	QuantityPrecision int32  `yaml:"quantity_precision" json:"quantity_precision" jsonschema:"title=Quantity precision" validate:"gte=0,lte=12"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config file %s", path)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Schema returns the JSON schema of the configuration file.
func Schema() (string, error) {
	return utils.GetSchemaFromConfig(Config{}) //nolint:exhaustruct
}

// ApplyDefaults fills unset process settings and instance venue settings.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}

	if c.JournalExportEvery == 0 {
		c.JournalExportEvery = DefaultJournalExportEvery
	}

	for i := range c.Instances {
		instance := &c.Instances[i]

		if instance.Retry.MaxAttempts == 0 {
			instance.Retry = retry.DefaultPolicy()
		}

		if instance.Paper != nil && instance.Paper.Symbol == "" {
			instance.Paper.Symbol = instance.Symbol
		}

		if instance.Binance == nil {
			continue
		}

		if instance.Binance.APIKeyEnv == "" {
			instance.Binance.APIKeyEnv = DefaultAPIKeyEnv
		}

		if instance.Binance.SecretKeyEnv == "" {
			instance.Binance.SecretKeyEnv = DefaultSecretKeyEnv
		}
	}
}

// Validate checks the whole file, including each instance's engine settings.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	if err := version.CheckRequirement(version.GetVersion(), c.Requires); err != nil {
		return err
	}

	if c.ReconcileInterval < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "reconcile interval must not be negative, got %s", c.ReconcileInterval)
	}

	seen := make(map[string]bool, len(c.Instances))

	for _, instance := range c.Instances {
		if seen[instance.Name] {
			return errors.Newf(errors.ErrCodeInvalidConfiguration, "duplicate instance name %q", instance.Name)
		}

		seen[instance.Name] = true

		if err := instance.validate(); err != nil {
			return err
		}
	}

	return nil
}

// Find returns the instance called name.
func (c *Config) Find(name string) (Instance, error) {
	for _, instance := range c.Instances {
		if instance.Name == name {
			return instance, nil
		}
	}

	return Instance{}, errors.Newf(errors.ErrCodeInstanceNotFound, "instance %q is not configured", name)
}

func (i Instance) validate() error {
	switch i.Provider {
	case exchange.ProviderPaper:
		if i.Paper == nil {
			return errors.Newf(errors.ErrCodeInvalidConfiguration, "instance %q: paper provider needs a paper section", i.Name)
		}
	case exchange.ProviderBinanceFuturesTestnet, exchange.ProviderBinanceFuturesLive:
		if i.Binance == nil {
			return errors.Newf(errors.ErrCodeInvalidConfiguration, "instance %q: %s provider needs a binance section", i.Name, i.Provider)
		}
	}

	engineConfig := i.EngineConfig()
	engineConfig.ApplyDefaults()

	if err := engineConfig.Validate(); err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "instance %q", i.Name)
	}

	return nil
}

// EngineConfig maps the instance onto the engine configuration. Unset values are
// defaulted by the engine.
func (i Instance) EngineConfig() engine.Config {
	return engine.Config{
		Instance:       i.Name,
		Symbol:         i.Symbol,
		EntryPrice:     i.EntryPrice,
		UnitSize:       i.UnitSize,
		WindowSize:     i.WindowSize,
		InitialValue:   i.InitialValue,
		QuantityStep:   i.QuantityStep,
		ClientIDPrefix: i.ClientIDPrefix,
		InboxSize:      i.InboxSize,
		OpTimeout:      i.OpTimeout,
		FillGrace:      i.FillGrace,
		Retry:          i.Retry,
		DriftTolerance: i.DriftTolerance,
		GridTolerance:  i.GridTolerance,
		HistoryLimit:   i.HistoryLimit,
	}
}

// ExchangeConfig returns the provider configuration NewExchange expects:
// *exchange.BinanceConfig with credentials read from the environment, or *paper.Config.
func (i Instance) ExchangeConfig() (any, error) {
	switch i.Provider {
	case exchange.ProviderPaper:
		if i.Paper == nil {
			return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "instance %q has no paper section", i.Name)
		}

		cfg := *i.Paper
		cfg.Symbol = i.Symbol

		return &cfg, nil
	case exchange.ProviderBinanceFuturesTestnet, exchange.ProviderBinanceFuturesLive:
		if i.Binance == nil {
			return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "instance %q has no binance section", i.Name)
		}

		apiKey := os.Getenv(i.Binance.APIKeyEnv)
		secretKey := os.Getenv(i.Binance.SecretKeyEnv)

		if apiKey == "" || secretKey == "" {
			return nil, errors.Newf(errors.ErrCodeInvalidConfiguration,
				"instance %q: credentials missing, set %s and %s", i.Name, i.Binance.APIKeyEnv, i.Binance.SecretKeyEnv)
		}

		return &exchange.BinanceConfig{
			ApiKey:            apiKey,
			SecretKey:         secretKey,
			BaseURL:           i.Binance.BaseURL,
			Symbol:            i.Symbol,
			QuoteAsset:        i.Binance.QuoteAsset,
			PricePrecision:    i.Binance.PricePrecision,
			QuantityPrecision: i.Binance.QuantityPrecision,
		}, nil
	default:
		return nil, errors.Newf(errors.ErrCodeUnsupportedVenue, "unsupported exchange provider: %s", i.Provider)
	}
}
