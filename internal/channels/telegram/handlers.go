package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// handleMessage normalizes a Telegram message into an inbound envelope.
// Policy (allowlists, pairing, mention gating) is applied downstream by
// admission; this only translates.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if message.From == nil {
		return
	}

	chatType := channels.NormalizeChatType(message.Chat.Type)
	chatID := fmt.Sprintf("%d", message.Chat.ID)
	if message.Chat.IsForum && message.MessageThreadID != 0 && message.MessageThreadID != telegramGeneralTopicID {
		chatID = fmt.Sprintf("%s:topic:%d", chatID, message.MessageThreadID)
	}

	// Compound sender ID keeps both the stable numeric ID and the mutable
	// username so allowlists can match either.
	senderID := fmt.Sprintf("%d", message.From.ID)
	if message.From.Username != "" {
		senderID = fmt.Sprintf("%d|%s", message.From.ID, message.From.Username)
	}

	body := channels.ComposeBody(message.Text, message.Caption)

	env := bus.InboundEnvelope{
		MessageID:         fmt.Sprintf("%d", message.MessageID),
		ChatType:          chatType,
		ChatID:            chatID,
		SenderID:          senderID,
		SenderDisplayName: displayName(message.From),
		Body:              body,
		RawBody:           body,
		ProviderSentAtMs:  int64(message.Date) * 1000,
		FromSelf:          message.From.ID == c.bot.ID(),
	}

	if chatType == bus.ChatGroup {
		mentions := entityMentions(message)
		env.Mentions = mentions
		env.MentionsBot = channels.DetectMention(body, mentions, fmt.Sprintf("%d", c.bot.ID()), c.bot.Username())
		if env.MentionsBot {
			env.Body = channels.StripMention(env.Body, c.bot.Username())
		}
	}

	if message.ReplyToMessage != nil {
		reply := message.ReplyToMessage
		rc := &bus.ReplyContext{
			ID:   fmt.Sprintf("%d", reply.MessageID),
			Body: channels.ComposeBody(reply.Text, reply.Caption),
		}
		if reply.From != nil {
			rc.SenderID = fmt.Sprintf("%d", reply.From.ID)
		}
		env.ReplyTo = rc
	}

	if refs := c.downloadMedia(ctx, message); len(refs) > 0 {
		env.MediaRefs = refs
	}

	if env.Body == "" && len(env.MediaRefs) == 0 {
		return
	}

	c.Publish(env)
}

func displayName(user *telego.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	return name
}

// entityMentions extracts @mention tokens from message entities.
func entityMentions(message *telego.Message) []string {
	var mentions []string
	collect := func(text string, entities []telego.MessageEntity) {
		for _, e := range entities {
			if e.Type != telego.EntityTypeMention {
				continue
			}
			runes := []rune(text)
			if e.Offset < 0 || e.Offset+e.Length > len(runes) {
				continue
			}
			mentions = append(mentions, string(runes[e.Offset:e.Offset+e.Length]))
		}
	}
	collect(message.Text, message.Entities)
	collect(message.Caption, message.CaptionEntities)
	return mentions
}

// downloadMedia fetches attached media to local temp files. Failures are
// logged and skipped so a broken download never drops the text part.
func (c *Channel) downloadMedia(ctx context.Context, message *telego.Message) []bus.MediaRef {
	type item struct {
		fileID      string
		contentType string
		hint        string
	}
	var items []item

	if n := len(message.Photo); n > 0 {
		// Largest rendition is last.
		items = append(items, item{message.Photo[n-1].FileID, "image/jpeg", "photo.jpg"})
	}
	if message.Document != nil {
		items = append(items, item{message.Document.FileID, message.Document.MimeType, message.Document.FileName})
	}
	if message.Voice != nil {
		items = append(items, item{message.Voice.FileID, message.Voice.MimeType, "voice.ogg"})
	}
	if message.Audio != nil {
		items = append(items, item{message.Audio.FileID, message.Audio.MimeType, message.Audio.FileName})
	}
	if message.Video != nil {
		items = append(items, item{message.Video.FileID, message.Video.MimeType, message.Video.FileName})
	}
	if message.Sticker != nil && !message.Sticker.IsAnimated {
		items = append(items, item{message.Sticker.FileID, "image/webp", "sticker.webp"})
	}

	var refs []bus.MediaRef
	for _, it := range items {
		ref, err := c.fetchFile(ctx, it.fileID, it.contentType, it.hint)
		if err != nil {
			slog.Warn("telegram media download failed", "file_id", it.fileID, "error", err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (c *Channel) fetchFile(ctx context.Context, fileID, contentType, nameHint string) (bus.MediaRef, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return bus.MediaRef{}, fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return bus.MediaRef{}, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return bus.MediaRef{}, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return bus.MediaRef{}, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bus.MediaRef{}, fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	ext := filepath.Ext(nameHint)
	if ext == "" {
		ext = filepath.Ext(file.FilePath)
	}
	tmp, err := os.CreateTemp("", "clawgate-tg-*"+ext)
	if err != nil {
		return bus.MediaRef{}, err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return bus.MediaRef{}, fmt.Errorf("write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return bus.MediaRef{}, err
	}

	// OriginURL is omitted: the Telegram download URL embeds the bot token.
	return bus.MediaRef{LocalPath: tmp.Name(), ContentType: contentType}, nil
}

// openInputFile opens a local media path for upload.
func openInputFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open media %s: %w", path, err)
	}
	return f, nil
}

// mediaKind picks the upload method family from the content type.
func mediaKind(media bus.MediaRef) string {
	switch {
	case strings.HasPrefix(media.ContentType, "image/"):
		return "photo"
	case strings.HasPrefix(media.ContentType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
