package main

import (
	"time"

	"gorm.io/gorm"
)

type BotModel struct {
	gorm.Model
	Identifier string `gorm:"uniqueIndex"`
	Name       string
	Users      []User    `gorm:"foreignKey:BotID;constraint:OnDelete:CASCADE"`
	Wallets    []Wallet  `gorm:"foreignKey:BotID;constraint:OnDelete:CASCADE"`
	Messages   []Message `gorm:"foreignKey:BotID;constraint:OnDelete:CASCADE"`
}

type Message struct {
	gorm.Model
	BotID     uint   `gorm:"index"`
	ChatID    int64  `gorm:"index"`
	UserID    int64  `gorm:"index"`
	Username  string `gorm:"index"`
	UserRole  string
	Text      string `gorm:"type:text"`
	Timestamp time.Time `gorm:"index"`
	IsUser    bool
}

// ChatMemory is the in-process window of recent messages for one chat.
type ChatMemory struct {
	Messages []Message
	Size     int
}

type Role struct {
	gorm.Model
	Name string `gorm:"uniqueIndex"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

type User struct {
	gorm.Model
	BotID      uint   `gorm:"uniqueIndex:idx_bot_telegram;not null"`
	TelegramID int64  `gorm:"uniqueIndex:idx_bot_telegram;not null"`
	Username   string `gorm:"index"`
	RoleID     uint
	Role       Role `gorm:"foreignKey:RoleID"`
	IsOwner    bool `gorm:"default:false"`
}

func (User) TableName() string {
	return "users"
}

// DisplayName is the @handle when known, otherwise the Telegram ID.
func (u User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return "user " + formatInt(u.TelegramID)
}

// Asset names a balance held in a wallet.
type Asset string

const (
	AssetCoin Asset = "USC"
	AssetCash Asset = "USD"
)

func (a Asset) column() string {
	if a == AssetCash {
		return "cash"
	}
	return "coins"
}

// Wallet holds one user's balances in one bot.
type Wallet struct {
	gorm.Model
	BotID        uint   `gorm:"uniqueIndex:idx_bot_wallet;not null"`
	UserID       uint   `gorm:"uniqueIndex:idx_bot_wallet;not null"`
	User         User   `gorm:"foreignKey:UserID"`
	Coins        Amount `gorm:"not null;default:0"`
	Cash         Amount `gorm:"not null;default:0"`
	LastFaucetAt *time.Time
}

func (w Wallet) balance(asset Asset) Amount {
	if asset == AssetCash {
		return w.Cash
	}
	return w.Coins
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryOpen        EntryKind = "open"
	EntryFaucet      EntryKind = "faucet"
	EntryTransferIn  EntryKind = "transfer_in"
	EntryTransferOut EntryKind = "transfer_out"
	EntryMint        EntryKind = "mint"
	EntryBuy         EntryKind = "buy"
	EntrySell        EntryKind = "sell"
)

// LedgerEntry is one balance change. Entries are never updated.
type LedgerEntry struct {
	gorm.Model
	BotID        uint      `gorm:"index"`
	WalletID     uint      `gorm:"index"`
	TxID         string    `gorm:"index;size:36"` // shared by all legs of one operation
	Kind         EntryKind `gorm:"size:32"`
	Asset        Asset     `gorm:"size:8"`
	Delta        Amount
	BalanceAfter Amount
	Counterparty uint
	Price        float64
	Memo         string
	Timestamp    time.Time `gorm:"index"`
}
