package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

type command struct {
	handler func(b *Bot, ctx context.Context, req *request) reply
	usage   string
	help    string
	minRole string
	exempt  bool // from rate limiting
}

// commandOrder fixes the /help listing order.
var commandOrder = []string{
	"/start", "/help", "/price", "/balance", "/faucet", "/send", "/buy", "/sell",
	"/history", "/leaderboard", "/supply", "/ask", "/whoami", "/stats", "/clear",
	"/mint", "/promote", "/demote",
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"/start":       {handler: (*Bot).cmdStart, help: "open your wallet", exempt: true},
		"/help":        {handler: (*Bot).cmdHelp, help: "show this list", exempt: true},
		"/price":       {handler: (*Bot).cmdPrice, help: "current USC price and chart"},
		"/balance":     {handler: (*Bot).cmdBalance, help: "your balances"},
		"/faucet":      {handler: (*Bot).cmdFaucet, help: "claim free USC"},
		"/send":        {handler: (*Bot).cmdSend, usage: "<@user|id> <amount>", help: "send USC (or reply to someone with /send <amount>)"},
		"/buy":         {handler: (*Bot).cmdBuy, usage: "<amount>", help: "buy USC with play dollars"},
		"/sell":        {handler: (*Bot).cmdSell, usage: "<amount>", help: "sell USC for play dollars"},
		"/history":     {handler: (*Bot).cmdHistory, help: "your recent transactions"},
		"/leaderboard": {handler: (*Bot).cmdLeaderboard, help: "richest holders"},
		"/supply":      {handler: (*Bot).cmdSupply, help: "circulating supply and market cap"},
		"/ask":         {handler: (*Bot).cmdAsk, usage: "<question>", help: "ask the market commentator"},
		"/whoami":      {handler: (*Bot).cmdWhoAmI, help: "your username and role"},
		"/stats":       {handler: (*Bot).cmdStats, help: "bot statistics"},
		"/clear":       {handler: (*Bot).cmdClear, usage: "[user id] [hard]", help: "clear chat history"},
		"/mint":        {handler: (*Bot).cmdMint, usage: "<@user|id> <amount>", help: "create USC", minRole: RoleAdmin},
		"/promote":     {handler: (*Bot).cmdPromote, usage: "<@user|id>", help: "make someone an admin", minRole: RoleOwner},
		"/demote":      {handler: (*Bot).cmdDemote, usage: "<@user|id>", help: "revoke admin", minRole: RoleOwner},
	}
}

func usage(name string) reply {
	return textReply(fmt.Sprintf("Usage: %s %s", name, commands[name].usage))
}

func parseTelegramID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// userError turns a domain error into a message fit for the chat. Unexpected
// errors are logged and replaced with a generic apology.
func (b *Bot) userError(err error) reply {
	var cooldown *FaucetCooldownError
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return textReply("Insufficient funds.")
	case errors.Is(err, ErrBalanceLimit):
		return textReply("That is more than any wallet can hold.")
	case errors.Is(err, ErrInvalidAmount):
		return textReply("Invalid amount. Use a positive number with up to 6 decimals.")
	case errors.Is(err, ErrSelfTransfer):
		return textReply("You cannot send coins to yourself.")
	case errors.As(err, &cooldown):
		return textReply(fmt.Sprintf("The faucet is dry for you. Try again in %s.", formatDuration(cooldown.Remaining)))
	case errors.Is(err, gorm.ErrRecordNotFound):
		return textReply("I don't know that user yet. They need to message me first.")
	default:
		b.log.Error().Err(err).Msg("command failed")
		return textReply("Something went wrong. Please try again later.")
	}
}

// resolveTarget finds the user a command is aimed at: the author of the
// replied-to message, or the first argument. It returns the remaining args.
func (b *Bot) resolveTarget(req *request) (User, []string, error) {
	if req.replyTo != nil && req.replyTo.From != nil && !req.replyTo.From.IsBot {
		from := req.replyTo.From
		user, err := b.getOrCreateUser(from.ID, from.Username, false)
		return user, req.args, err
	}
	if len(req.args) == 0 {
		return User{}, nil, errMissingTarget
	}
	user, err := b.findUser(req.args[0])
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, nil, fmt.Errorf("%w: %v", errMissingTarget, err)
	}
	return user, req.args[1:], err
}

var errMissingTarget = errors.New("missing target user")

func (b *Bot) cmdStart(_ context.Context, req *request) reply {
	w, err := b.ledger.Wallet(req.user.ID)
	if err != nil {
		return b.userError(err)
	}

	text := fmt.Sprintf(
		"👋 Welcome to UnStableCoin Bot, %s!\n\n"+
			"USC is a play-money coin that tries to stay at $%s and rarely manages. "+
			"Your wallet holds $%s of play cash.\n\n"+
			"Use /faucet for free USC, /price to watch it wobble and /help for everything else.",
		req.user.DisplayName(), formatPrice(b.oracle.Peg()), w.Cash)
	if b.config.ChannelLink != "" {
		text += "\n\n📣 Announcements: " + b.config.ChannelLink
	}
	return textReply(text)
}

func (b *Bot) cmdHelp(_ context.Context, req *request) reply {
	var sb strings.Builder
	sb.WriteString("🤖 Commands:\n")
	rank := roleRank(req.user.Role.Name)
	for _, name := range commandOrder {
		cmd := commands[name]
		if rank < roleRank(cmd.minRole) {
			continue
		}
		sb.WriteString("\n" + name)
		if cmd.usage != "" {
			sb.WriteString(" " + cmd.usage)
		}
		sb.WriteString(" - " + cmd.help)
	}
	return textReply(sb.String())
}

func (b *Bot) cmdPrice(_ context.Context, _ *request) reply {
	snap, err := b.oracle.Snapshot(time.Hour)
	if err != nil {
		b.log.Warn().Err(err).Msg("market snapshot incomplete")
	}

	text := fmt.Sprintf(
		"💱 USC $%s (%s from the $%s peg)\n"+
			"1h: %s, high $%s, low $%s, vol %.2f%%",
		formatPrice(snap.Price), formatPercent(snap.Deviation), formatPrice(snap.Peg),
		formatPercent(snap.Change), formatPrice(snap.High), formatPrice(snap.Low), snap.Volatility*100,
	)
	if len(snap.Recent) > 1 {
		text += "\n" + sparkline(downsample(snap.Recent, 24))
	}
	return textReply(text)
}

func (b *Bot) cmdBalance(_ context.Context, req *request) reply {
	w, err := b.ledger.Wallet(req.user.ID)
	if err != nil {
		return b.userError(err)
	}
	price := b.oracle.Price()
	net := netWorth(w.Cash, w.Coins, price)
	return textReply(fmt.Sprintf(
		"👛 Your Wallet:\n\n"+
			"- USC: %s\n"+
			"- USD: %s\n"+
			"- Net worth: $%s at $%s/USC",
		w.Coins, w.Cash, net, formatPrice(price),
	))
}

func (b *Bot) cmdFaucet(_ context.Context, req *request) reply {
	balance, err := b.ledger.Faucet(req.user.ID, b.faucetAmount, b.faucetCooldown)
	if err != nil {
		return b.userError(err)
	}
	return textReply(fmt.Sprintf("💧 You received %s USC. Balance: %s USC.", b.faucetAmount, balance))
}

func (b *Bot) cmdSend(_ context.Context, req *request) reply {
	target, rest, err := b.resolveTarget(req)
	if errors.Is(err, errMissingTarget) {
		return usage("/send")
	}
	if err != nil {
		return b.userError(err)
	}
	if len(rest) != 1 {
		return usage("/send")
	}

	amount, err := ParseAmount(rest[0])
	if err != nil {
		return b.userError(err)
	}

	balance, err := b.ledger.Transfer(req.user.ID, target.ID, amount)
	if err != nil {
		return b.userError(err)
	}
	b.log.Info().Uint("from", req.user.ID).Uint("to", target.ID).Str("amount", amount.String()).Msg("transfer")
	return textReply(fmt.Sprintf("✅ Sent %s USC to %s. Your balance: %s USC.", amount, target.DisplayName(), balance))
}

func (b *Bot) cmdBuy(_ context.Context, req *request) reply {
	return b.trade(req, SideBuy)
}

func (b *Bot) cmdSell(_ context.Context, req *request) reply {
	return b.trade(req, SideSell)
}

func (b *Bot) trade(req *request, side TradeSide) reply {
	name := "/" + string(side)
	if len(req.args) != 1 {
		return usage(name)
	}
	qty, err := ParseAmount(req.args[0])
	if err != nil {
		return b.userError(err)
	}

	res, err := b.ledger.Trade(req.user.ID, side, qty, b.oracle.Price(), b.oracle.FeeBps())
	if err != nil {
		return b.userError(err)
	}

	verb, prep := "Bought", "for"
	if side == SideSell {
		verb = "Sold"
	}
	return textReply(fmt.Sprintf(
		"✅ %s %s USC at $%s %s $%s (fee $%s).\nBalance: %s USC, $%s.",
		verb, res.Coins, formatPrice(res.Price), prep, res.Cash, res.Fee, res.After.Coins, res.After.Cash,
	))
}

func (b *Bot) cmdHistory(_ context.Context, req *request) reply {
	entries, err := b.ledger.History(req.user.ID, 10)
	if err != nil {
		return b.userError(err)
	}
	if len(entries) == 0 {
		return textReply("No transactions yet. Try /faucet.")
	}

	var sb strings.Builder
	sb.WriteString("📜 Recent transactions:\n")
	for _, e := range entries {
		sb.WriteString("\n" + describeEntry(e))
	}
	return textReply(sb.String())
}

func (b *Bot) cmdLeaderboard(_ context.Context, _ *request) reply {
	standings, err := b.ledger.Leaderboard(b.oracle.Price(), 10)
	if err != nil {
		return b.userError(err)
	}
	if len(standings) == 0 {
		return textReply("Nobody has a wallet yet.")
	}
	return reply{
		text:      "🏆 Leaderboard\n" + leaderboardTable(standings),
		parseMode: models.ParseModeHTML,
	}
}

func (b *Bot) cmdSupply(_ context.Context, _ *request) reply {
	supply, err := b.ledger.Supply()
	if err != nil {
		return b.userError(err)
	}
	price := b.oracle.Price()
	return textReply(fmt.Sprintf(
		"🪙 Circulating supply: %s USC\nMarket cap: $%s at $%s/USC",
		supply, netWorth(0, supply, price), formatPrice(price),
	))
}

func (b *Bot) cmdAsk(ctx context.Context, req *request) reply {
	if len(req.args) == 0 {
		return usage("/ask")
	}
	question := *req.incoming
	question.Text = strings.Join(req.args, " ")
	return b.converse(ctx, req, question)
}

func (b *Bot) cmdStats(_ context.Context, _ *request) reply {
	totalUsers, totalMessages, err := b.getStats()
	if err != nil {
		b.log.Error().Err(err).Msg("error fetching stats")
		return textReply("Sorry, I couldn't retrieve the stats at this time.")
	}
	return textReply(fmt.Sprintf(
		"📊 Bot Statistics:\n\n"+
			"- Total Users: %d\n"+
			"- Total Messages: %d",
		totalUsers,
		totalMessages,
	))
}

func (b *Bot) cmdWhoAmI(_ context.Context, req *request) reply {
	caser := cases.Title(language.English)
	return textReply(fmt.Sprintf(
		"👤 Your Information:\n\n"+
			"- Username: %s\n"+
			"- Role: %s",
		req.user.Username,
		caser.String(req.user.Role.Name),
	))
}

func (b *Bot) cmdClear(ctx context.Context, req *request) reply {
	target := req.user.TelegramID
	hard := false
	for _, arg := range req.args {
		if strings.EqualFold(arg, "hard") {
			hard = true
			continue
		}
		id, err := parseTelegramID(arg)
		if err != nil {
			return usage("/clear")
		}
		target = id
	}
	return textReply(b.clearHistory(req.chatID, req.user.TelegramID, target, hard))
}

func (b *Bot) clearHistory(chatID, currentUserID, targetUserID int64, hardDelete bool) string {
	var target User
	if currentUserID != targetUserID {
		if !b.isAdminOrOwner(currentUserID) {
			return "Permission denied. Only admins and owners can clear other users' histories."
		}
		err := b.db.Where("telegram_id = ? AND bot_id = ?", targetUserID, b.botID).First(&target).Error
		if err != nil {
			return fmt.Sprintf("User with ID %d not found.", targetUserID)
		}
	}

	q := b.db
	if hardDelete {
		q = q.Unscoped()
	}
	err := q.Where("user_id = ? AND chat_id = ? AND bot_id = ?", targetUserID, chatID, b.botID).Delete(&Message{}).Error
	if err != nil {
		b.log.Error().Err(err).Int64("user", targetUserID).Msg("error clearing chat history")
		return "Sorry, I couldn't clear the chat history."
	}
	b.forgetChatMemory(chatID)

	if currentUserID == targetUserID {
		return "Your chat history has been cleared."
	}
	return fmt.Sprintf("Chat history for user @%s (ID: %d) has been cleared.", target.Username, targetUserID)
}

func (b *Bot) cmdMint(_ context.Context, req *request) reply {
	target, rest, err := b.resolveTarget(req)
	if errors.Is(err, errMissingTarget) {
		return usage("/mint")
	}
	if err != nil {
		return b.userError(err)
	}
	if len(rest) != 1 {
		return usage("/mint")
	}
	amount, err := ParseAmount(rest[0])
	if err != nil {
		return b.userError(err)
	}

	balance, err := b.ledger.Mint(target.ID, amount, "minted by "+req.user.DisplayName())
	if err != nil {
		return b.userError(err)
	}
	b.log.Info().Uint("to", target.ID).Str("amount", amount.String()).Int64("by", req.user.TelegramID).Msg("mint")
	return textReply(fmt.Sprintf("🖨️ Minted %s USC for %s. Their balance: %s USC.", amount, target.DisplayName(), balance))
}

func (b *Bot) cmdPromote(_ context.Context, req *request) reply {
	return b.changeRole(req, "/promote", RoleAdmin)
}

func (b *Bot) cmdDemote(_ context.Context, req *request) reply {
	return b.changeRole(req, "/demote", RoleUser)
}

func (b *Bot) changeRole(req *request, name, roleName string) reply {
	target, _, err := b.resolveTarget(req)
	if errors.Is(err, errMissingTarget) {
		return usage(name)
	}
	if err != nil {
		return b.userError(err)
	}
	if target.IsOwner {
		return textReply("The owner's role cannot be changed.")
	}
	if target.Role.Name == roleName {
		return textReply(fmt.Sprintf("%s is already %s.", target.DisplayName(), roleLabel(roleName)))
	}
	if err := b.setRole(&target, roleName); err != nil {
		return b.userError(err)
	}
	b.log.Info().Int64("user", target.TelegramID).Str("role", roleName).Msg("role changed")
	return textReply(fmt.Sprintf("%s is now %s.", target.DisplayName(), roleLabel(roleName)))
}

func roleLabel(role string) string {
	if role == RoleAdmin {
		return "an admin"
	}
	return "a regular user"
}
