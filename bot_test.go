package main

import (
	"context"
	"testing"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAnnounceTick(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelChatID = -1001
	tb := newTestBot(t, cfg)

	tb.announceTick(context.Background(), Tick{Price: 0.9, Deviation: -0.1})
	assert.Empty(t, tb.tg.Sent)

	tb.announceTick(context.Background(), Tick{Price: 0.9, Deviation: -0.1, Event: EventDepeg})
	require.Len(t, tb.tg.Sent, 1)
	assert.Equal(t, int64(-1001), tb.tg.Sent[0].ChatID)
	assert.Equal(t, "🚨 USC has lost its peg: $0.9000 (-10.00%). Stay calm. Or don't.", tb.tg.Sent[0].Text)

	tb.announceTick(context.Background(), Tick{Price: 1.01, Deviation: 0.01, Event: EventRepeg})
	require.Len(t, tb.tg.Sent, 2)
	assert.Equal(t, "✅ USC is back near its peg at $1.0100 (+1.00%). For now.", tb.tg.Sent[1].Text)
}

func TestAnnounceTick_NoChannel(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.announceTick(context.Background(), Tick{Price: 0.5, Event: EventDepeg})
	assert.Empty(t, tb.tg.Sent)
}

func TestStartRunsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		ignoreBuntDB,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
	tb := newTestBot(t, testConfig())

	started := make(chan struct{})
	tb.tg.StartFunc = func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tb.Start(ctx)
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestChatMemoryTrimsToSize(t *testing.T) {
	cfg := testConfig()
	cfg.MemorySize = 2
	tb := newTestBot(t, cfg)

	mem := tb.getOrCreateChatMemory(1)
	for i := 0; i < 6; i++ {
		msg := tb.createMessage(1, 456, "alice", RoleUser, "msg", true)
		require.NoError(t, tb.storeMessage(&msg))
		tb.addMessageToChatMemory(mem, msg)
	}
	assert.Len(t, mem.Messages, 4)

	// Re-adding a known message does not grow memory.
	tb.addMessageToChatMemory(mem, mem.Messages[3])
	assert.Len(t, mem.Messages, 4)
}

func TestPrepareContextMessages(t *testing.T) {
	tb := newTestBot(t, testConfig())

	mem := &ChatMemory{Size: 10, Messages: []Message{
		{Text: "stale answer", IsUser: false},
		{Text: "   ", IsUser: true},
		{Text: "hi", IsUser: true},
		{Text: "hello", IsUser: false},
	}}

	msgs := tb.prepareContextMessages(mem)
	require.Len(t, msgs, 2)
	assert.Equal(t, anthropic.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content[0].GetText())
	assert.Equal(t, anthropic.RoleAssistant, msgs[1].Role)
}

func TestIsNewChat(t *testing.T) {
	tb := newTestBot(t, testConfig())

	assert.True(t, tb.isNewChat(456))
	tb.send(456, "alice", "/balance")
	assert.True(t, tb.isNewChat(456))
	tb.send(456, "alice", "/balance")
	assert.False(t, tb.isNewChat(456))
}

func TestFindUser(t *testing.T) {
	tb := newTestBot(t, testConfig())
	tb.send(456, "Alice", "/start")

	u, err := tb.findUser("@alice")
	require.NoError(t, err)
	assert.Equal(t, int64(456), u.TelegramID)
	assert.Equal(t, RoleUser, u.Role.Name)

	u, err = tb.findUser("456")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Username)

	_, err = tb.findUser("alice")
	assert.Error(t, err)
}
