package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastFeed(list priceLister, attempts int) *BinanceFeed {
	return &BinanceFeed{
		list:        list,
		maxAttempts: attempts,
		newBackoff: func() *backoff.Backoff {
			return &backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond}
		},
	}
}

func TestBinanceFeed_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	feed := fastFeed(func(ctx context.Context, symbol string) ([]*binance.SymbolPrice, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("timeout")
		}
		return []*binance.SymbolPrice{{Symbol: symbol, Price: "65000.50"}}, nil
	}, 4)

	price, err := feed.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 65000.5, price)
	assert.Equal(t, 3, calls)
}

func TestBinanceFeed_GivesUp(t *testing.T) {
	errDown := errors.New("service unavailable")
	calls := 0
	feed := fastFeed(func(ctx context.Context, symbol string) ([]*binance.SymbolPrice, error) {
		calls++
		return nil, errDown
	}, 3)

	_, err := feed.LastPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestBinanceFeed_StopsOnCancel(t *testing.T) {
	feed := fastFeed(func(ctx context.Context, symbol string) ([]*binance.SymbolPrice, error) {
		return nil, errors.New("timeout")
	}, 5)
	feed.newBackoff = func() *backoff.Backoff {
		return &backoff.Backoff{Min: time.Hour, Max: time.Hour}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := feed.LastPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPickSymbolPrice(t *testing.T) {
	tests := []struct {
		name    string
		prices  []*binance.SymbolPrice
		want    float64
		wantErr string
	}{
		{
			name:   "match among others",
			prices: []*binance.SymbolPrice{nil, {Symbol: "ETHUSDT", Price: "3000"}, {Symbol: "BTCUSDT", Price: "60000.1"}},
			want:   60000.1,
		},
		{name: "missing", prices: []*binance.SymbolPrice{{Symbol: "ETHUSDT", Price: "3000"}}, wantErr: "not in ticker response"},
		{name: "unparseable", prices: []*binance.SymbolPrice{{Symbol: "BTCUSDT", Price: "n/a"}}, wantErr: "failed to parse"},
		{name: "zero", prices: []*binance.SymbolPrice{{Symbol: "BTCUSDT", Price: "0"}}, wantErr: "non-positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickSymbolPrice(tt.prices, "BTCUSDT")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
