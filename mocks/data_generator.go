package mocks

import (
	"math"
	"math/rand"
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/shopspring/decimal"
)

// PriceGenerator generates mark price paths for engine scenario tests.
type PriceGenerator struct {
	rng *rand.Rand
}

// NewPriceGenerator creates a new PriceGenerator with the given seed.
// Use a fixed seed for reproducible results in tests.
func NewPriceGenerator(seed int64) *PriceGenerator {
	return &PriceGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// GeneratorConfig configures how price paths are generated.
type GeneratorConfig struct {
	// StartTime is the timestamp of the first tick
	StartTime time.Time
	// Interval is the duration between ticks
	Interval time.Duration
	// Count is the number of ticks to generate
	Count int
	// InitialPrice is the starting price
	InitialPrice float64
	// Volatility controls price movement per tick (0.01 = 1%)
	Volatility float64
	// Trend is the total drift over the path (-0.1 to 0.1 for bearish to bullish)
	Trend float64
	// Decimals is the price precision of generated ticks
	Decimals int32
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		StartTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval:     time.Second,
		Count:        1000,
		InitialPrice: 100.0,
		Volatility:   0.002, // 0.2% per tick
		Trend:        0.0,   // neutral
		Decimals:     2,
	}
}

// Generate creates a tick series following a geometric Brownian motion.
func (g *PriceGenerator) Generate(config GeneratorConfig) []types.PriceTick {
	ticks := make([]types.PriceTick, config.Count)
	currentPrice := config.InitialPrice
	currentTime := config.StartTime
	drift := 0.0

	if config.Count > 0 {
		drift = config.Trend / float64(config.Count) // Distribute trend across ticks
	}

	for i := 0; i < config.Count; i++ {
		// Box-Muller transform for a normal draw
		u1 := g.rng.Float64()
		u2 := g.rng.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

		next := currentPrice * (1 + config.Volatility*z + drift)
		if next <= 0 {
			next = currentPrice * 0.99 // Prevent negative prices
		}

		ticks[i] = types.PriceTick{
			Price:     decimal.NewFromFloat(next).Round(config.Decimals),
			Timestamp: currentTime,
		}

		currentPrice = next
		currentTime = currentTime.Add(config.Interval)
	}

	return ticks
}

// Path converts literal prices into ticks one interval apart. Handy for scripted scenarios.
func Path(start time.Time, interval time.Duration, prices ...string) []types.PriceTick {
	ticks := make([]types.PriceTick, len(prices))

	for i, price := range prices {
		ticks[i] = types.PriceTick{
			Price:     decimal.RequireFromString(price),
			Timestamp: start.Add(time.Duration(i) * interval),
		}
	}

	return ticks
}
