// Package telegram connects to the Telegram Bot API via long polling and
// translates updates into normalized inbound envelopes.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	cfg        config.TelegramConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram adapter from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AccountID, msgBus),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
			slog.Warn("telegram polling goroutine did not exit before timeout")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendText delivers one chunk of Markdown-ish text.
func (c *Channel) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return channels.Permanent(fmt.Errorf("bad chat id %q: %w", chatID, err))
	}
	msg := tu.Message(tu.ID(id), text)
	if topic := parseTopicID(chatID); topic > 0 {
		msg.MessageThreadID = topic
	}
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		return classifySendError(err)
	}
	return nil
}

// SendMedia delivers a media item with an optional caption.
func (c *Channel) SendMedia(ctx context.Context, chatID string, media bus.MediaRef, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return channels.Permanent(fmt.Errorf("bad chat id %q: %w", chatID, err))
	}

	file, err := openInputFile(media.LocalPath)
	if err != nil {
		return channels.Permanent(err)
	}
	defer file.Close()

	switch mediaKind(media) {
	case "photo":
		params := tu.Photo(tu.ID(id), telego.InputFile{File: file})
		params.Caption = caption
		_, err = c.bot.SendPhoto(ctx, params)
	case "audio":
		params := tu.Audio(tu.ID(id), telego.InputFile{File: file})
		params.Caption = caption
		_, err = c.bot.SendAudio(ctx, params)
	default:
		params := tu.Document(tu.ID(id), telego.InputFile{File: file})
		params.Caption = caption
		_, err = c.bot.SendDocument(ctx, params)
	}
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// SendTyping shows the "typing…" chat action. Telegram clears it on its own
// after a few seconds or on the next message.
func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return channels.Permanent(fmt.Errorf("bad chat id %q: %w", chatID, err))
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

// SendReaction attaches an emoji reaction to a message.
func (c *Channel) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return channels.Permanent(fmt.Errorf("bad chat id %q: %w", chatID, err))
	}
	var msgID int
	if _, err := fmt.Sscanf(messageID, "%d", &msgID); err != nil {
		return channels.Permanent(fmt.Errorf("bad message id %q: %w", messageID, err))
	}
	err = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// classifySendError maps Telegram API errors onto the retry taxonomy.
// 429 carries the provider retry delay; other 4xx are permanent.
func classifySendError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == http.StatusTooManyRequests {
			after := time.Duration(0)
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				after = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return channels.TransientAfter(err, after)
		}
		if apiErr.ErrorCode >= 400 && apiErr.ErrorCode < 500 {
			return channels.Permanent(err)
		}
	}
	return channels.Transient(err)
}

func parseChatID(chatID string) (int64, error) {
	raw := chatID
	if idx := strings.Index(chatID, ":topic:"); idx > 0 {
		raw = chatID[:idx]
	}
	var id int64
	_, err := fmt.Sscanf(raw, "%d", &id)
	return id, err
}

// telegramGeneralTopicID is the fixed ID of the "General" topic in forum
// supergroups; Telegram rejects it as an explicit thread parameter.
const telegramGeneralTopicID = 1

// parseTopicID extracts the topic from a composite "chatId:topic:N" id.
func parseTopicID(chatID string) int {
	idx := strings.Index(chatID, ":topic:")
	if idx < 0 {
		return 0
	}
	var topic int
	if _, err := fmt.Sscanf(chatID[idx+len(":topic:"):], "%d", &topic); err != nil {
		return 0
	}
	if topic == telegramGeneralTopicID {
		return 0
	}
	return topic
}

