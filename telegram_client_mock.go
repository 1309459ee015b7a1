// telegram_client_mock.go
package main

import (
	"context"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/mock"
)

// MockTelegramClient is a mock implementation of TelegramClient for testing.
// Without SendMessageFunc it records every sent message in Sent.
type MockTelegramClient struct {
	mock.Mock
	SendMessageFunc func(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	StartFunc       func(ctx context.Context)

	mu   sync.Mutex
	Sent []*bot.SendMessageParams
}

// SendMessage mocks sending a message.
func (m *MockTelegramClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, params)
	m.mu.Unlock()

	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, params)
	}
	if len(m.ExpectedCalls) == 0 {
		return &models.Message{ID: len(m.Sent)}, nil
	}
	args := m.Called(ctx, params)
	if msg, ok := args.Get(0).(*models.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

// LastText returns the text of the most recent message, or "".
func (m *MockTelegramClient) LastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return ""
	}
	return m.Sent[len(m.Sent)-1].Text
}

// Start mocks starting the Telegram client.
func (m *MockTelegramClient) Start(ctx context.Context) {
	if m.StartFunc != nil {
		m.StartFunc(ctx)
		return
	}
	m.Called(ctx)
}
