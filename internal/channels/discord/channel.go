// Package discord connects to the Discord gateway and translates message
// events into normalized inbound envelopes.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string // populated on start
}

// New creates the Discord adapter from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AccountID, msgBus),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// SendText delivers one chunk of text to a Discord channel.
func (c *Channel) SendText(_ context.Context, chatID, text string) error {
	if _, err := c.session.ChannelMessageSend(chatID, text); err != nil {
		return classifySendError(err)
	}
	return nil
}

// SendMedia uploads a file with an optional caption.
func (c *Channel) SendMedia(_ context.Context, chatID string, media bus.MediaRef, caption string) error {
	f, err := os.Open(media.LocalPath)
	if err != nil {
		return channels.Permanent(fmt.Errorf("open media %s: %w", media.LocalPath, err))
	}
	defer f.Close()

	name := filepath.Base(media.LocalPath)
	if _, err := c.session.ChannelFileSendWithMessage(chatID, caption, name, f); err != nil {
		return classifySendError(err)
	}
	return nil
}

// SendTyping triggers the typing indicator. Discord expires it after ~10s.
func (c *Channel) SendTyping(_ context.Context, chatID string) error {
	return c.session.ChannelTyping(chatID)
}

// SendReaction attaches an emoji reaction to a message.
func (c *Channel) SendReaction(_ context.Context, chatID, messageID, emoji string) error {
	if err := c.session.MessageReactionAdd(chatID, messageID, emoji); err != nil {
		return classifySendError(err)
	}
	return nil
}

// handleMessage normalizes a gateway message event into an inbound envelope.
// Admission applies policy downstream.
func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	// Other bots are transport noise, never conversation partners.
	if m.Author.Bot && m.Author.ID != c.botUserID {
		return
	}

	chatType := bus.ChatGroup
	if m.GuildID == "" {
		chatType = bus.ChatDirect
	}

	env := bus.InboundEnvelope{
		MessageID:         m.ID,
		ChatType:          chatType,
		ChatID:            m.ChannelID,
		SenderID:          fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username),
		SenderDisplayName: resolveDisplayName(m),
		Body:              m.Content,
		RawBody:           m.Content,
		ProviderSentAtMs:  m.Timestamp.UnixMilli(),
		FromSelf:          m.Author.ID == c.botUserID,
	}

	if chatType == bus.ChatGroup {
		for _, u := range m.Mentions {
			env.Mentions = append(env.Mentions, u.ID)
			if u.ID == c.botUserID {
				env.MentionsBot = true
			}
		}
	}

	if ref := m.ReferencedMessage; ref != nil {
		rc := &bus.ReplyContext{ID: ref.ID, Body: ref.Content}
		if ref.Author != nil {
			rc.SenderID = ref.Author.ID
		}
		env.ReplyTo = rc
	}

	for _, att := range m.Attachments {
		ref, err := downloadAttachment(ctx, att)
		if err != nil {
			slog.Warn("discord attachment download failed", "url", att.URL, "error", err)
			continue
		}
		env.MediaRefs = append(env.MediaRefs, ref)
	}

	if env.Body == "" && len(env.MediaRefs) == 0 {
		return
	}

	c.Publish(env)
}

// resolveDisplayName prefers server nickname, then global display name,
// then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// downloadAttachment fetches an attachment to a local temp file.
func downloadAttachment(ctx context.Context, att *discordgo.MessageAttachment) (bus.MediaRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return bus.MediaRef{}, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return bus.MediaRef{}, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bus.MediaRef{}, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}

	ext := filepath.Ext(att.Filename)
	tmp, err := os.CreateTemp("", "clawgate-dc-*"+ext)
	if err != nil {
		return bus.MediaRef{}, err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return bus.MediaRef{}, fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return bus.MediaRef{}, err
	}

	return bus.MediaRef{LocalPath: tmp.Name(), ContentType: att.ContentType, OriginURL: att.URL}, nil
}

// classifySendError maps Discord REST errors onto the retry taxonomy.
func classifySendError(err error) error {
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return channels.TransientAfter(err, rateErr.RetryAfter)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		if code == http.StatusTooManyRequests {
			return channels.Transient(err)
		}
		if code >= 400 && code < 500 {
			return channels.Permanent(err)
		}
	}
	return channels.Transient(err)
}
