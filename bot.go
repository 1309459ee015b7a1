package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/liushuangls/go-anthropic/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Bot struct {
	tgBot           TelegramClient
	db              *gorm.DB
	anthropicClient AnthropicClient
	chatMemories    map[int64]*ChatMemory
	memorySize      int
	chatMemoriesMu  sync.RWMutex
	config          BotConfig
	userLimiters    map[int64]*userLimiter
	userLimitersMu  sync.RWMutex
	clock           Clock
	botID           uint // Reference to BotModel.ID
	log             zerolog.Logger

	ledger         *Ledger
	oracle         *Oracle
	faucetAmount   Amount
	faucetCooldown time.Duration
}

// BotOption customises a Bot at construction.
type BotOption func(*Bot)

// WithOracle sets the price oracle. Without it the bot runs a noise-only
// oracle backed by an in-memory tick store.
func WithOracle(o *Oracle) BotOption {
	return func(b *Bot) { b.oracle = o }
}

// WithAnthropicClient overrides the Anthropic client built from config.
func WithAnthropicClient(c AnthropicClient) BotOption {
	return func(b *Bot) { b.anthropicClient = c }
}

func NewBot(db *gorm.DB, config BotConfig, clock Clock, tgClient TelegramClient, opts ...BotOption) (*Bot, error) {
	config.applyDefaults()

	faucetAmount, startingCash, faucetCooldown, err := config.Faucet.parsed()
	if err != nil {
		return nil, err
	}

	// Retrieve or create Bot entry in the database
	var botEntry BotModel
	err = db.Where("identifier = ?", config.ID).First(&botEntry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		botEntry = BotModel{Identifier: config.ID, Name: config.ID}
		if err := db.Create(&botEntry).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	b := &Bot{
		db:             db,
		chatMemories:   make(map[int64]*ChatMemory),
		memorySize:     config.MemorySize,
		config:         config,
		userLimiters:   make(map[int64]*userLimiter),
		clock:          clock,
		botID:          botEntry.ID,
		tgBot:          tgClient,
		log:            logger.With().Str("bot", config.ID).Logger(),
		ledger:         NewLedger(db, botEntry.ID, clock, startingCash),
		faucetAmount:   faucetAmount,
		faucetCooldown: faucetCooldown,
	}

	if key := config.anthropicKey(); key != "" {
		b.anthropicClient = anthropic.NewClient(key)
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.oracle == nil {
		store, err := NewTickStore(":memory:", config.Market.retention())
		if err != nil {
			return nil, err
		}
		if b.oracle, err = NewOracle(config.Market, nil, store, clock); err != nil {
			return nil, err
		}
	}

	if err := b.ensureOwner(); err != nil {
		return nil, err
	}

	return b, nil
}

// ensureOwner makes sure the configured owner exists with the owner role.
func (b *Bot) ensureOwner() error {
	var owner User
	err := b.db.Where("telegram_id = ? AND bot_id = ?", b.config.OwnerTelegramID, b.botID).First(&owner).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	ownerRole, err := b.getRoleByName(RoleOwner)
	if err != nil {
		return fmt.Errorf("owner role not found: %w", err)
	}

	var existing int64
	if err := b.db.Model(&User{}).Where("bot_id = ? AND is_owner = ?", b.botID, true).Count(&existing).Error; err != nil {
		return fmt.Errorf("failed to check existing owner: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("an owner already exists for this bot")
	}

	owner = User{
		BotID:      b.botID,
		TelegramID: b.config.OwnerTelegramID,
		RoleID:     ownerRole.ID,
		IsOwner:    true,
	}
	if err := b.db.Create(&owner).Error; err != nil {
		return fmt.Errorf("failed to create owner user: %w", err)
	}
	return nil
}

// Start runs the oracle loop and the Telegram poller until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	go b.oracle.Run(ctx, b.config.Market.tickInterval(), func(t Tick) {
		b.announceTick(ctx, t)
	})
	b.tgBot.Start(ctx)
}

// announceTick posts depeg and repeg events to the announcement channel.
func (b *Bot) announceTick(ctx context.Context, t Tick) {
	if t.Event == "" {
		return
	}
	b.log.Info().Str("event", t.Event).Float64("price", t.Price).Msg("peg event")
	if b.config.ChannelChatID == 0 {
		return
	}

	var text string
	switch t.Event {
	case EventDepeg:
		text = fmt.Sprintf("🚨 USC has lost its peg: $%s (%s). Stay calm. Or don't.",
			formatPrice(t.Price), formatPercent(t.Deviation))
	case EventRepeg:
		text = fmt.Sprintf("✅ USC is back near its peg at $%s (%s). For now.",
			formatPrice(t.Price), formatPercent(t.Deviation))
	}
	if err := b.sendResponse(ctx, b.config.ChannelChatID, text, ""); err != nil {
		b.log.Error().Err(err).Msg("failed to post peg alert")
	}
}

func (b *Bot) getOrCreateUser(userID int64, username string, isOwner bool) (User, error) {
	var user User
	err := b.db.Preload("Role").Where("telegram_id = ? AND bot_id = ?", userID, b.botID).First(&user).Error
	if err == nil {
		if isOwner && !user.IsOwner {
			return User{}, fmt.Errorf("cannot change existing user to owner")
		}
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	if isOwner {
		var existingOwner User
		err := b.db.Where("bot_id = ? AND is_owner = ?", b.botID, true).First(&existingOwner).Error
		if err == nil {
			return User{}, fmt.Errorf("an owner already exists for this bot")
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("failed to check existing owner: %w", err)
		}
	}

	roleName := RoleUser
	if isOwner {
		roleName = RoleOwner
	}
	role, err := b.getRoleByName(roleName)
	if err != nil {
		return User{}, fmt.Errorf("failed to get role: %w", err)
	}

	user = User{
		BotID:      b.botID,
		TelegramID: userID,
		Username:   username,
		RoleID:     role.ID,
		Role:       role,
		IsOwner:    isOwner,
	}
	if err := b.db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("user %d already exists for this bot", userID)
		}
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (b *Bot) getRoleByName(roleName string) (Role, error) {
	var role Role
	err := b.db.Where("name = ?", roleName).First(&role).Error
	return role, err
}

// findUser resolves "@username" or a numeric Telegram ID to a known user.
func (b *Bot) findUser(ref string) (User, error) {
	var user User
	q := b.db.Preload("Role").Where("bot_id = ?", b.botID)
	if name, ok := strings.CutPrefix(ref, "@"); ok {
		q = q.Where("LOWER(username) = ?", strings.ToLower(name))
	} else if id, err := parseTelegramID(ref); err == nil {
		q = q.Where("telegram_id = ?", id)
	} else {
		return User{}, fmt.Errorf("%q is not a @username or user ID", ref)
	}
	if err := q.First(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

func (b *Bot) setRole(user *User, roleName string) error {
	role, err := b.getRoleByName(roleName)
	if err != nil {
		return err
	}
	user.RoleID = role.ID
	user.Role = role
	return b.db.Model(user).Update("role_id", role.ID).Error
}

func (b *Bot) createMessage(chatID, userID int64, username, userRole, text string, isUser bool) Message {
	message := Message{
		ChatID:    chatID,
		UserRole:  userRole,
		Text:      text,
		Timestamp: b.clock.Now(),
		IsUser:    isUser,
	}

	if isUser {
		message.UserID = userID
		message.Username = username
	} else {
		message.UserID = 0
		message.Username = "UnStableCoin Bot"
	}

	return message
}

func (b *Bot) storeMessage(message *Message) error {
	message.BotID = b.botID
	return b.db.Create(message).Error
}

func (b *Bot) getOrCreateChatMemory(chatID int64) *ChatMemory {
	b.chatMemoriesMu.RLock()
	chatMemory, exists := b.chatMemories[chatID]
	b.chatMemoriesMu.RUnlock()

	if !exists {
		b.chatMemoriesMu.Lock()
		// Double-check to prevent race condition
		chatMemory, exists = b.chatMemories[chatID]
		if !exists {
			var messages []Message
			b.db.Where("chat_id = ? AND bot_id = ?", chatID, b.botID).
				Order("timestamp desc, id desc").
				Limit(b.memorySize * 2).
				Find(&messages)
			reverse(messages)

			chatMemory = &ChatMemory{
				Messages: messages,
				Size:     b.memorySize * 2,
			}

			b.chatMemories[chatID] = chatMemory
		}
		b.chatMemoriesMu.Unlock()
	}

	return chatMemory
}

func (b *Bot) addMessageToChatMemory(chatMemory *ChatMemory, message Message) {
	b.chatMemoriesMu.Lock()
	defer b.chatMemoriesMu.Unlock()

	if message.ID != 0 {
		for i, m := range chatMemory.Messages {
			if m.ID == message.ID {
				chatMemory.Messages[i] = message
				return
			}
		}
	}

	chatMemory.Messages = append(chatMemory.Messages, message)
	if over := len(chatMemory.Messages) - chatMemory.Size; over > 0 {
		chatMemory.Messages = chatMemory.Messages[over:]
	}
}

func (b *Bot) forgetChatMemory(chatID int64) {
	b.chatMemoriesMu.Lock()
	defer b.chatMemoriesMu.Unlock()
	delete(b.chatMemories, chatID)
}

func (b *Bot) prepareContextMessages(chatMemory *ChatMemory) []anthropic.Message {
	b.chatMemoriesMu.RLock()
	defer b.chatMemoriesMu.RUnlock()

	var contextMessages []anthropic.Message
	for _, msg := range chatMemory.Messages {
		role := anthropic.RoleUser
		if !msg.IsUser {
			role = anthropic.RoleAssistant
		}

		textContent := strings.TrimSpace(msg.Text)
		if textContent == "" {
			continue
		}

		contextMessages = append(contextMessages, anthropic.Message{
			Role: role,
			Content: []anthropic.MessageContent{
				anthropic.NewTextMessageContent(textContent),
			},
		})
	}

	// The API requires the conversation to open with a user turn.
	for len(contextMessages) > 0 && contextMessages[0].Role != anthropic.RoleUser {
		contextMessages = contextMessages[1:]
	}
	return contextMessages
}

func (b *Bot) isNewChat(chatID int64) bool {
	var count int64
	b.db.Model(&Message{}).Where("chat_id = ? AND bot_id = ? AND is_user = ?", chatID, b.botID, true).Count(&count)
	return count <= 1
}

func (b *Bot) isAdminOrOwner(userID int64) bool {
	var user User
	err := b.db.Preload("Role").Where("telegram_id = ? AND bot_id = ?", userID, b.botID).First(&user).Error
	if err != nil {
		return false
	}
	return user.Role.Name == RoleAdmin || user.Role.Name == RoleOwner
}

func (b *Bot) sendResponse(ctx context.Context, chatID int64, text string, businessConnectionID string) error {
	return b.send(ctx, chatID, text, businessConnectionID, "")
}

func (b *Bot) send(ctx context.Context, chatID int64, text, businessConnectionID string, parseMode models.ParseMode) error {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
	}

	if businessConnectionID != "" {
		params.BusinessConnectionID = businessConnectionID
	}

	_, err := b.tgBot.SendMessage(ctx, params)
	if err != nil {
		b.log.Error().Err(err).Int64("chat", chatID).Str("business_connection", businessConnectionID).Msg("error sending message")
		return err
	}
	return nil
}

// getStats retrieves the number of users and messages for this bot.
func (b *Bot) getStats() (int64, int64, error) {
	var totalUsers int64
	if err := b.db.Model(&User{}).Where("bot_id = ?", b.botID).Count(&totalUsers).Error; err != nil {
		return 0, 0, err
	}

	var totalMessages int64
	if err := b.db.Model(&Message{}).Where("bot_id = ?", b.botID).Count(&totalMessages).Error; err != nil {
		return 0, 0, err
	}

	return totalUsers, totalMessages, nil
}
