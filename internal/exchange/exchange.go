// Package exchange defines the venue port used by the engine and its implementations.
package exchange

import (
	"context"

	"github.com/rxtech-lab/argo-harvester/internal/exchange/paper"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/rxtech-lab/argo-harvester/pkg/utils"
)

// Exchange is the venue as seen by one instance: a single symbol on a single account.
// Every call may fail; transient failures carry errors.ErrCodeTransientNetwork and
// rejections errors.ErrCodeOrderRejected.
type Exchange interface {
	// PlaceOrder submits a stop order and returns the venue order id.
	PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (string, error)
	// CancelOrder cancels an open order. Unknown orders return errors.ErrCodeOrderNotFound.
	CancelOrder(ctx context.Context, orderID string) error
	// GetOpenOrders lists the open stop orders. Price holds the trigger price and Unit is left zero.
	GetOpenOrders(ctx context.Context) ([]types.OrderRecord, error)
	// GetPosition returns the venue's position. RealizedPnL is not tracked by every venue.
	GetPosition(ctx context.Context) (types.PositionSnapshot, error)
	// SubscribeFills streams complete fills. The channel is closed when the stream drops.
	SubscribeFills(ctx context.Context) (<-chan types.Fill, error)
}

type ProviderType string

const (
	ProviderBinanceFuturesTestnet ProviderType = "binance-futures-testnet"
	ProviderBinanceFuturesLive    ProviderType = "binance-futures-live"
	ProviderPaper                 ProviderType = "paper"
)

type ProviderInfo struct {
	Name           string `json:"name"`
	DisplayName    string `json:"displayName"`
	Description    string `json:"description"`
	IsPaperTrading bool   `json:"isPaperTrading"`
}

var providerRegistry = map[ProviderType]ProviderInfo{
	ProviderBinanceFuturesTestnet: {
		Name:           string(ProviderBinanceFuturesTestnet),
		DisplayName:    "Binance Futures Testnet",
		Description:    "Binance USD-M futures testnet, stop orders against test funds",
		IsPaperTrading: true,
	},
	ProviderBinanceFuturesLive: {
		Name:           string(ProviderBinanceFuturesLive),
		DisplayName:    "Binance Futures Live",
		Description:    "Binance USD-M futures with real funds",
		IsPaperTrading: false,
	},
	ProviderPaper: {
		Name:           string(ProviderPaper),
		DisplayName:    "Paper",
		Description:    "In-memory venue that triggers stop orders from the price feed",
		IsPaperTrading: true,
	},
}

// GetSupportedProviders returns the names of every registered provider.
func GetSupportedProviders() []string {
	providers := make([]string, 0, len(providerRegistry))
	for providerType := range providerRegistry {
		providers = append(providers, string(providerType))
	}

	return providers
}

// GetProviderInfo returns metadata for a specific provider.
func GetProviderInfo(providerName string) (ProviderInfo, error) {
	info, exists := providerRegistry[ProviderType(providerName)]
	if !exists {
		return ProviderInfo{}, errors.Newf(errors.ErrCodeUnsupportedVenue, "unsupported exchange provider: %s", providerName)
	}

	return info, nil
}

// GetProviderConfigSchema returns the JSON schema for a provider's configuration.
func GetProviderConfigSchema(providerName string) (string, error) {
	switch ProviderType(providerName) {
	case ProviderBinanceFuturesTestnet, ProviderBinanceFuturesLive:
		return utils.GetSchemaFromConfig(BinanceConfig{})
	case ProviderPaper:
		return utils.GetSchemaFromConfig(paper.Config{})
	default:
		return "", errors.Newf(errors.ErrCodeUnsupportedVenue, "unsupported exchange provider: %s", providerName)
	}
}

// NewExchange creates the exchange for providerType. config must be a *BinanceConfig
// for the Binance providers and a *paper.Config for the paper venue.
func NewExchange(providerType ProviderType, config any) (Exchange, error) {
	switch providerType {
	case ProviderBinanceFuturesTestnet, ProviderBinanceFuturesLive:
		cfg, ok := config.(*BinanceConfig)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "invalid config type for %s provider", providerType)
		}

		venue, err := NewBinanceFutures(*cfg, providerType == ProviderBinanceFuturesTestnet)
		if err != nil {
			return nil, err
		}

		return venue, nil
	case ProviderPaper:
		cfg, ok := config.(*paper.Config)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "invalid config type for %s provider", providerType)
		}

		venue, err := paper.NewVenue(*cfg)
		if err != nil {
			return nil, err
		}

		return venue, nil
	default:
		return nil, errors.Newf(errors.ErrCodeUnsupportedVenue, "unsupported exchange provider: %s", providerType)
	}
}

var _ Exchange = (*paper.Venue)(nil)
