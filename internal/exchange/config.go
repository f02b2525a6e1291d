package exchange

import (
	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
)

// DefaultQuoteAsset is the margin asset of USDⓈ-M futures.
const DefaultQuoteAsset = "USDT"

// BinanceConfig contains configuration for the Binance USDⓈ-M futures venue.
type BinanceConfig struct {
	ApiKey            string `yaml:"-" json:"apiKey" jsonschema:"title=API Key,description=Binance API key" validate:"required"`
	SecretKey         string `yaml:"-" json:"secretKey" jsonschema:"title=Secret Key,description=Binance API secret key" validate:"required"`
	BaseURL           string `yaml:"base_url" json:"baseUrl,omitempty" jsonschema:"title=Base URL,description=Overrides the REST endpoint"`
	Symbol            string `yaml:"symbol" json:"symbol" jsonschema:"title=Symbol,description=Futures symbol e.g. BTCUSDT" validate:"required"`
	QuoteAsset        string `yaml:"quote_asset" json:"quoteAsset,omitempty" jsonschema:"title=Quote asset,description=Margin asset used as cash,default=USDT"`
	PricePrecision    int32  `yaml:"price_precision" json:"pricePrecision" jsonschema:"title=Price precision,description=Decimals of the trigger price" validate:"gte=0,lte=12"`
	QuantityPrecision int32  `yaml:"quantity_precision" json:"quantityPrecision" jsonschema:"title=Quantity precision,description=Decimals of the order quantity" validate:"gte=0,lte=12"`
}

// Validate validates the BinanceConfig struct.
func (c *BinanceConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid binance futures config", err)
	}

	return nil
}

func (c *BinanceConfig) applyDefaults() {
	if c.QuoteAsset == "" {
		c.QuoteAsset = DefaultQuoteAsset
	}
}
