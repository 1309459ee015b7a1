package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
)

// AnthropicClient is the subset of the Anthropic SDK the bot uses.
type AnthropicClient interface {
	CreateMessages(ctx context.Context, request anthropic.MessagesRequest) (anthropic.MessagesResponse, error)
}

var errAnthropicDisabled = errors.New("anthropic client not configured")

const (
	defaultSystemPrompt = "You are the UnStableCoin Bot, the sardonic market commentator for UnStableCoin (USC), " +
		"a play-money token that tries to hold a {peg} dollar peg and keeps failing. " +
		"USC has no real value; never give real financial advice."
	restrictedPromptSuffix = " Avoid discussing sensitive topics or providing harmful information."
)

// buildSystemPrompt assembles the system message from the configured prompt
// and the current market state.
func (b *Bot) buildSystemPrompt(snap Snapshot, isNewChat, isAdminOrOwner bool) string {
	prompt := b.config.SystemPrompts["default"]
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	if isNewChat {
		if greeting := b.config.SystemPrompts["new_chat"]; greeting != "" {
			prompt += " " + greeting
		}
	} else if cont := b.config.SystemPrompts["continue"]; cont != "" {
		prompt += " " + cont
	}

	prompt = strings.ReplaceAll(prompt, "{peg}", formatPrice(snap.Peg))

	prompt += fmt.Sprintf(
		" Market now: price $%s, %s from peg, %s over the last hour (high $%s, low $%s).",
		formatPrice(snap.Price),
		formatPercent(snap.Deviation),
		formatPercent(snap.Change),
		formatPrice(snap.High),
		formatPrice(snap.Low),
	)
	if b.config.ChannelLink != "" {
		prompt += " Announcements: " + b.config.ChannelLink + "."
	}

	if !isAdminOrOwner {
		prompt += restrictedPromptSuffix
	}
	return prompt
}

func (b *Bot) getAnthropicResponse(ctx context.Context, messages []anthropic.Message, system string) (string, error) {
	if b.anthropicClient == nil {
		return "", errAnthropicDisabled
	}

	resp, err := b.anthropicClient.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     b.config.Model,
		Messages:  messages,
		System:    system,
		MaxTokens: 1000,
	})
	if err != nil {
		return "", fmt.Errorf("error creating Anthropic message: %w", err)
	}

	if len(resp.Content) == 0 || resp.Content[0].Type != anthropic.MessagesContentTypeText {
		return "", fmt.Errorf("unexpected response format from Anthropic")
	}

	return resp.Content[0].GetText(), nil
}
