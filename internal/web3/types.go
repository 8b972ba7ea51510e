package web3

import (
	"context"

	"github.com/shopspring/decimal"
)

// Balance is the native balance of a wallet.
type Balance struct {
	Address  string
	Lamports uint64
	SOL      decimal.Decimal
}

// BalanceReader resolves the native balance of a wallet address.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (Balance, error)
}

// PriceFeed returns the USD price of SOL.
type PriceFeed interface {
	SOLPrice(ctx context.Context) (decimal.Decimal, error)
}
