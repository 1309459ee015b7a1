package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	fallbackAIResponse  = "I'm sorry, I'm having trouble processing your request right now."
	rateLimitedResponse = "Rate limit exceeded. Please try again later."
)

// request carries one incoming message through command dispatch.
type request struct {
	chatID               int64
	user                 User
	username             string
	args                 []string
	businessConnectionID string
	incoming             *Message
	replyTo              *models.Message
	group                bool
}

// reply is what a handler wants sent back.
type reply struct {
	text      string
	parseMode models.ParseMode
	remember  bool // add to chat memory
}

func textReply(text string) reply {
	return reply{text: text}
}

func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	var message *models.Message

	if update.Message != nil {
		message = update.Message
	} else if update.BusinessMessage != nil {
		message = update.BusinessMessage
	} else {
		return
	}
	if message.From == nil {
		return
	}

	var businessConnectionID string
	if update.BusinessConnection != nil {
		businessConnectionID = update.BusinessConnection.ID
	} else if message.BusinessConnectionID != "" {
		businessConnectionID = message.BusinessConnectionID
	}

	chatID := message.Chat.ID
	userID := message.From.ID
	username := message.From.Username
	text := message.Text

	isOwner := userID == b.config.OwnerTelegramID
	user, err := b.getOrCreateUser(userID, username, isOwner)
	if err != nil {
		b.log.Error().Err(err).Int64("user", userID).Msg("error getting or creating user")
		return
	}

	if user.Username != username {
		user.Username = username
		if err := b.db.Model(&user).Update("username", username).Error; err != nil {
			b.log.Warn().Err(err).Int64("user", userID).Msg("error updating username")
		}
	}

	incoming := b.createMessage(chatID, userID, username, user.Role.Name, text, true)
	if err := b.storeMessage(&incoming); err != nil {
		b.log.Error().Err(err).Msg("error storing user message")
		return
	}

	name, args, isCommand := parseCommand(text)
	req := &request{
		chatID:               chatID,
		user:                 user,
		username:             username,
		args:                 args,
		businessConnectionID: businessConnectionID,
		incoming:             &incoming,
		replyTo:              message.ReplyToMessage,
		group:                isGroupChat(message.Chat.Type),
	}

	if isCommand {
		b.dispatch(ctx, name, req)
		return
	}

	if text == "" {
		b.log.Debug().Int64("user", userID).Int64("chat", chatID).Msg("ignoring non-text message")
		return
	}

	// In groups the bot only answers commands.
	if req.group {
		return
	}

	if !b.checkRateLimits(userID) {
		b.reply(ctx, req, textReply(rateLimitedResponse))
		return
	}

	b.reply(ctx, req, b.converse(ctx, req, *req.incoming))
}

func (b *Bot) dispatch(ctx context.Context, name string, req *request) {
	cmd, ok := commands[name]
	if !ok {
		// Group commands may be meant for another bot.
		if !req.group {
			b.reply(ctx, req, textReply("Unknown command. Try /help."))
		}
		return
	}

	if !cmd.exempt && !b.checkRateLimits(req.user.TelegramID) {
		b.reply(ctx, req, textReply(rateLimitedResponse))
		return
	}

	if roleRank(req.user.Role.Name) < roleRank(cmd.minRole) {
		b.reply(ctx, req, textReply("Permission denied."))
		return
	}

	b.log.Debug().Str("command", name).Int64("user", req.user.TelegramID).Msg("dispatch")
	b.reply(ctx, req, cmd.handler(b, ctx, req))
}

// reply sends r and stores it as an assistant message.
func (b *Bot) reply(ctx context.Context, req *request, r reply) {
	if r.text == "" {
		return
	}

	if err := b.send(ctx, req.chatID, r.text, req.businessConnectionID, r.parseMode); err != nil {
		b.log.Error().Err(err).Int64("chat", req.chatID).Msg("error sending response")
	}

	assistantMessage := b.createMessage(req.chatID, 0, "", "assistant", r.text, false)
	if err := b.storeMessage(&assistantMessage); err != nil {
		b.log.Error().Err(err).Msg("error storing assistant message")
	}
	if r.remember {
		b.addMessageToChatMemory(b.getOrCreateChatMemory(req.chatID), assistantMessage)
	}
}

// converse answers free text through the AI commentator with chat memory.
func (b *Bot) converse(ctx context.Context, req *request, msg Message) reply {
	chatMemory := b.getOrCreateChatMemory(req.chatID)
	b.addMessageToChatMemory(chatMemory, msg)
	contextMessages := b.prepareContextMessages(chatMemory)

	snap, err := b.oracle.Snapshot(time.Hour)
	if err != nil {
		b.log.Warn().Err(err).Msg("market snapshot incomplete")
	}

	system := b.buildSystemPrompt(snap, b.isNewChat(req.chatID), b.isAdminOrOwner(req.user.TelegramID))
	response, err := b.getAnthropicResponse(ctx, contextMessages, system)
	if err != nil {
		b.log.Error().Err(err).Msg("error getting Anthropic response")
		response = fallbackAIResponse
	}
	return reply{text: response, remember: true}
}

// parseCommand splits "/cmd@BotName a b" into "/cmd" and its arguments.
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(name), fields[1:], true
}

func isGroupChat(t models.ChatType) bool {
	return t == "group" || t == "supergroup" || t == "channel"
}

func roleRank(role string) int {
	switch role {
	case RoleOwner:
		return 2
	case RoleAdmin:
		return 1
	default:
		return 0
	}
}
