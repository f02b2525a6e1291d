package mocks

import (
	"testing"
	"time"
)

func TestPriceGenerator_Generate(t *testing.T) {
	gen := NewPriceGenerator(42) // Fixed seed for reproducibility
	config := DefaultConfig()
	config.Count = 100

	ticks := gen.Generate(config)

	if len(ticks) != 100 {
		t.Errorf("expected 100 ticks, got %d", len(ticks))
	}

	// Verify ticks are in chronological order
	for i := 1; i < len(ticks); i++ {
		if !ticks[i].Timestamp.After(ticks[i-1].Timestamp) {
			t.Errorf("ticks not in chronological order at index %d", i)
		}
	}

	// Verify prices are positive and rounded
	for i, tick := range ticks {
		if !tick.Price.IsPositive() {
			t.Errorf("non-positive price at index %d: %s", i, tick.Price)
		}

		if tick.Price.Exponent() < -config.Decimals {
			t.Errorf("price at index %d not rounded to %d decimals: %s", i, config.Decimals, tick.Price)
		}
	}
}

func TestPriceGenerator_Reproducibility(t *testing.T) {
	// Same seed should produce same results
	gen1 := NewPriceGenerator(42)
	gen2 := NewPriceGenerator(42)

	config := DefaultConfig()
	config.Count = 10

	ticks1 := gen1.Generate(config)
	ticks2 := gen2.Generate(config)

	for i := range ticks1 {
		if !ticks1[i].Price.Equal(ticks2[i].Price) {
			t.Errorf("ticks not reproducible at index %d: got %s and %s",
				i, ticks1[i].Price, ticks2[i].Price)
		}
	}
}

func TestPriceGenerator_Different_Seeds(t *testing.T) {
	gen1 := NewPriceGenerator(42)
	gen2 := NewPriceGenerator(123)

	config := DefaultConfig()
	config.Count = 10

	ticks1 := gen1.Generate(config)
	ticks2 := gen2.Generate(config)

	// Different seeds should produce different results
	sameCount := 0
	for i := range ticks1 {
		if ticks1[i].Price.Equal(ticks2[i].Price) {
			sameCount++
		}
	}

	if sameCount == len(ticks1) {
		t.Error("different seeds produced identical paths")
	}
}

func TestPath(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := Path(start, time.Second, "100", "101.5", "99")

	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}

	if ticks[1].Price.String() != "101.5" {
		t.Errorf("expected 101.5, got %s", ticks[1].Price)
	}

	if !ticks[2].Timestamp.Equal(start.Add(2 * time.Second)) {
		t.Errorf("unexpected timestamp %v", ticks[2].Timestamp)
	}
}
