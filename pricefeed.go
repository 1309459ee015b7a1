package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"
)

// ReferenceFeed supplies the real-market price the oracle reacts to.
type ReferenceFeed interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

type priceLister func(ctx context.Context, symbol string) ([]*binance.SymbolPrice, error)

// BinanceFeed reads spot ticker prices from Binance.
type BinanceFeed struct {
	list        priceLister
	maxAttempts int
	newBackoff  func() *backoff.Backoff
}

// NewBinanceFeed builds a feed on the public Binance API. Keys are optional
// for ticker reads and come from BINANCE_API_KEY / BINANCE_SECRET_KEY.
func NewBinanceFeed() *BinanceFeed {
	client := binance.NewClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"))
	return &BinanceFeed{
		list: func(ctx context.Context, symbol string) ([]*binance.SymbolPrice, error) {
			return client.NewListPricesService().Symbol(symbol).Do(ctx)
		},
		maxAttempts: 4,
		newBackoff:  setupBackoffRetry,
	}
}

// setupBackoffRetry creates a backoff with sensible defaults
func setupBackoffRetry() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// LastPrice returns the latest trade price for symbol, retrying transient
// failures with exponential backoff.
func (f *BinanceFeed) LastPrice(ctx context.Context, symbol string) (float64, error) {
	b := f.newBackoff()
	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		prices, err := f.list(ctx, symbol)
		if err == nil {
			return pickSymbolPrice(prices, symbol)
		}
		lastErr = err

		if attempt == f.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return 0, fmt.Errorf("fetch %s price after %d attempts: %w", symbol, f.maxAttempts, lastErr)
}

func pickSymbolPrice(prices []*binance.SymbolPrice, symbol string) (float64, error) {
	for _, p := range prices {
		if p == nil || p.Symbol != symbol {
			continue
		}
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s price %q: %w", symbol, p.Price, err)
		}
		if v <= 0 {
			return 0, fmt.Errorf("non-positive %s price %q", symbol, p.Price)
		}
		return v, nil
	}
	return 0, fmt.Errorf("symbol %s not in ticker response", symbol)
}
