package main

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSelfTransfer      = errors.New("cannot transfer to yourself")
	ErrBalanceLimit      = fmt.Errorf("%w: balance limit exceeded", ErrInvalidAmount)
)

// FaucetCooldownError reports how long until the next faucet claim.
type FaucetCooldownError struct {
	Remaining time.Duration
}

func (e *FaucetCooldownError) Error() string {
	return fmt.Sprintf("faucet cooling down for %s", e.Remaining)
}

// TradeSide is the direction of a trade from the user's point of view.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Ledger manages wallets and the journal for one bot.
type Ledger struct {
	db           *gorm.DB
	botID        uint
	clock        Clock
	startingCash Amount
}

func NewLedger(db *gorm.DB, botID uint, clock Clock, startingCash Amount) *Ledger {
	return &Ledger{db: db, botID: botID, clock: clock, startingCash: startingCash}
}

// Wallet returns the user's wallet, opening it with the starting cash
// balance on first use.
func (l *Ledger) Wallet(userID uint) (Wallet, error) {
	var w Wallet
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var err error
		w, err = l.walletTx(tx, userID)
		return err
	})
	return w, err
}

func (l *Ledger) walletTx(tx *gorm.DB, userID uint) (Wallet, error) {
	var w Wallet
	err := tx.Where("bot_id = ? AND user_id = ?", l.botID, userID).First(&w).Error
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Wallet{}, fmt.Errorf("failed to load wallet: %w", err)
	}

	w = Wallet{BotID: l.botID, UserID: userID, Cash: l.startingCash}
	if err := tx.Create(&w).Error; err != nil {
		return Wallet{}, fmt.Errorf("failed to open wallet: %w", err)
	}
	if l.startingCash > 0 {
		entry := LedgerEntry{
			BotID:        l.botID,
			WalletID:     w.ID,
			TxID:         uuid.NewString(),
			Kind:         EntryOpen,
			Asset:        AssetCash,
			Delta:        l.startingCash,
			BalanceAfter: l.startingCash,
			Memo:         "opening balance",
			Timestamp:    l.clock.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return Wallet{}, fmt.Errorf("failed to journal opening balance: %w", err)
		}
	}
	return w, nil
}

// apply changes one balance by delta and journals it. Debits that would take
// the balance below zero fail with ErrInsufficientFunds, credits that would
// take it past MaxAmount fail with ErrBalanceLimit.
func (l *Ledger) apply(tx *gorm.DB, walletID uint, asset Asset, delta Amount, entry LedgerEntry) (Amount, error) {
	col := asset.column()
	q := tx.Model(&Wallet{}).Where("id = ?", walletID)
	switch {
	case delta < 0:
		q = q.Where(col+" >= ?", -delta)
	case delta > 0:
		q = q.Where(col+" <= ?", MaxAmount-delta)
	}
	res := q.Update(col, gorm.Expr(col+" + ?", delta))
	if res.Error != nil {
		return 0, fmt.Errorf("failed to update %s balance: %w", asset, res.Error)
	}
	if res.RowsAffected == 0 {
		if delta > 0 {
			return 0, ErrBalanceLimit
		}
		return 0, ErrInsufficientFunds
	}

	var w Wallet
	if err := tx.First(&w, walletID).Error; err != nil {
		return 0, fmt.Errorf("failed to reload wallet: %w", err)
	}

	entry.BotID = l.botID
	entry.WalletID = walletID
	entry.Asset = asset
	entry.Delta = delta
	entry.BalanceAfter = w.balance(asset)
	entry.Timestamp = l.clock.Now()
	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("failed to journal %s: %w", entry.Kind, err)
	}
	return entry.BalanceAfter, nil
}

// Faucet credits amount USC if the cooldown since the last claim has passed.
func (l *Ledger) Faucet(userID uint, amount Amount, cooldown time.Duration) (Amount, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance Amount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		w, err := l.walletTx(tx, userID)
		if err != nil {
			return err
		}

		now := l.clock.Now()
		if w.LastFaucetAt != nil {
			if next := w.LastFaucetAt.Add(cooldown); now.Before(next) {
				return &FaucetCooldownError{Remaining: next.Sub(now).Round(time.Second)}
			}
		}

		balance, err = l.apply(tx, w.ID, AssetCoin, amount, LedgerEntry{TxID: uuid.NewString(), Kind: EntryFaucet, Memo: "faucet"})
		if err != nil {
			return err
		}
		return tx.Model(&Wallet{}).Where("id = ?", w.ID).Update("last_faucet_at", now).Error
	})
	return balance, err
}

// Transfer moves USC between two users atomically.
func (l *Ledger) Transfer(fromUserID, toUserID uint, amount Amount) (Amount, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return 0, ErrSelfTransfer
	}

	var balance Amount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		from, err := l.walletTx(tx, fromUserID)
		if err != nil {
			return err
		}
		to, err := l.walletTx(tx, toUserID)
		if err != nil {
			return err
		}

		txID := uuid.NewString()
		balance, err = l.apply(tx, from.ID, AssetCoin, -amount, LedgerEntry{TxID: txID, Kind: EntryTransferOut, Counterparty: to.ID})
		if err != nil {
			return err
		}
		_, err = l.apply(tx, to.ID, AssetCoin, amount, LedgerEntry{TxID: txID, Kind: EntryTransferIn, Counterparty: from.ID})
		return err
	})
	return balance, err
}

// Mint creates amount USC in the user's wallet.
func (l *Ledger) Mint(userID uint, amount Amount, memo string) (Amount, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance Amount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		w, err := l.walletTx(tx, userID)
		if err != nil {
			return err
		}
		balance, err = l.apply(tx, w.ID, AssetCoin, amount, LedgerEntry{TxID: uuid.NewString(), Kind: EntryMint, Memo: memo})
		return err
	})
	return balance, err
}

// TradeResult describes a settled trade.
type TradeResult struct {
	Side  TradeSide
	Coins Amount
	Cash  Amount
	Fee   Amount
	Price float64
	After Wallet
}

// tradeCash returns the dollar leg of a trade for qty coins at price. Buys
// round the cost up and sells round the proceeds down, so the house never
// pays out a fraction of a micro unit. Trades whose value does not fit in an
// Amount fail with ErrBalanceLimit.
func tradeCash(side TradeSide, qty Amount, price float64, feeBps int) (cash, fee Amount, err error) {
	gross := float64(qty) * price
	feeF := gross * float64(feeBps) / 10000
	if !(gross+feeF < maxAmountFloat) {
		return 0, 0, ErrBalanceLimit
	}
	if side == SideBuy {
		return Amount(math.Ceil(gross + feeF)), Amount(math.Ceil(feeF)), nil
	}
	return Amount(math.Floor(gross - feeF)), Amount(math.Ceil(feeF)), nil
}

// Trade buys or sells qty USC against the wallet's cash at price.
func (l *Ledger) Trade(userID uint, side TradeSide, qty Amount, price float64, feeBps int) (TradeResult, error) {
	if qty <= 0 || price <= 0 {
		return TradeResult{}, ErrInvalidAmount
	}

	cash, fee, err := tradeCash(side, qty, price, feeBps)
	if err != nil {
		return TradeResult{}, err
	}
	if side == SideSell && cash <= 0 {
		return TradeResult{}, fmt.Errorf("%w: proceeds round to zero", ErrInvalidAmount)
	}

	res := TradeResult{Side: side, Coins: qty, Cash: cash, Fee: fee, Price: price}
	err = l.db.Transaction(func(tx *gorm.DB) error {
		w, err := l.walletTx(tx, userID)
		if err != nil {
			return err
		}

		coinDelta, cashDelta, kind := qty, -cash, EntryBuy
		if side == SideSell {
			coinDelta, cashDelta, kind = -qty, cash, EntrySell
		}

		// Debit first so an insufficient balance aborts before any credit.
		first, firstDelta, second, secondDelta := AssetCash, cashDelta, AssetCoin, coinDelta
		if side == SideSell {
			first, firstDelta, second, secondDelta = AssetCoin, coinDelta, AssetCash, cashDelta
		}
		entry := LedgerEntry{TxID: uuid.NewString(), Kind: kind, Price: price}
		if _, err := l.apply(tx, w.ID, first, firstDelta, entry); err != nil {
			return err
		}
		if _, err := l.apply(tx, w.ID, second, secondDelta, entry); err != nil {
			return err
		}
		return tx.First(&res.After, w.ID).Error
	})
	if err != nil {
		return TradeResult{}, err
	}
	return res, nil
}

// History returns the user's most recent journal entries, newest first.
func (l *Ledger) History(userID uint, limit int) ([]LedgerEntry, error) {
	w, err := l.Wallet(userID)
	if err != nil {
		return nil, err
	}
	var entries []LedgerEntry
	err = l.db.Where("bot_id = ? AND wallet_id = ?", l.botID, w.ID).
		Order("timestamp desc, id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return entries, nil
}

// Standing is one leaderboard row.
type Standing struct {
	User     User
	Coins    Amount
	Cash     Amount
	NetWorth Amount
}

// Leaderboard ranks wallets by net worth at price.
func (l *Ledger) Leaderboard(price float64, limit int) ([]Standing, error) {
	var wallets []Wallet
	if err := l.db.Preload("User").Where("bot_id = ?", l.botID).Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("failed to load wallets: %w", err)
	}

	standings := lo.Map(wallets, func(w Wallet, _ int) Standing {
		return Standing{
			User:     w.User,
			Coins:    w.Coins,
			Cash:     w.Cash,
			NetWorth: netWorth(w.Cash, w.Coins, price),
		}
	})
	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].NetWorth > standings[j].NetWorth
	})
	if limit > 0 && len(standings) > limit {
		standings = standings[:limit]
	}
	return standings, nil
}

// netWorth values a wallet at price, clamped at MaxAmount.
func netWorth(cash, coins Amount, price float64) Amount {
	return addClamped(cash, clampAmount(math.Round(float64(coins)*price)))
}

// Supply returns the total USC held across all wallets, clamped at
// MaxAmount.
func (l *Ledger) Supply() (Amount, error) {
	var holdings []Amount
	err := l.db.Model(&Wallet{}).
		Where("bot_id = ? AND coins > 0", l.botID).
		Pluck("coins", &holdings).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum supply: %w", err)
	}
	return lo.Reduce(holdings, func(total Amount, coins Amount, _ int) Amount {
		return addClamped(total, coins)
	}, 0), nil
}
