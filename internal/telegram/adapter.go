// internal/telegram/adapter.go
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/types"
)

const maxTelegramMessage = 4096

// Adapter bridges Telegram to the event bus: updates become
// message/command events, Send events become Telegram messages, and
// every delivery is reported back with its platform message id.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	bus     *bus.Bus
	spool   string
	allowed map[string]bool
	client  *http.Client
}

// New connects to Telegram. spoolDir receives downloaded attachments.
// allowedChats restricts intake; empty means any chat.
func New(token string, b *bus.Bus, spoolDir string, allowedChats []string) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := &Adapter{
		bot:    bot,
		bus:    b,
		spool:  spoolDir,
		client: &http.Client{Timeout: 60 * time.Second},
	}
	if len(allowedChats) > 0 {
		a.allowed = make(map[string]bool, len(allowedChats))
		for _, id := range allowedChats {
			a.allowed[id] = true
		}
	}
	b.Subscribe(bus.Send, a.handleSend)
	return a, nil
}

// Start long-polls for updates until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	slog.Info("telegram adapter started", "bot", a.bot.Self.UserName)
	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if a.allowed != nil && !a.allowed[chatID] {
		slog.Warn("ignoring message from unlisted chat", "chat_id", chatID)
		return
	}

	if msg.IsCommand() {
		a.bus.Publish(ctx, bus.CommandReceived, bus.Command{
			ChatID:  chatID,
			Command: msg.Command(),
			Args:    splitArgs(msg.CommandArguments()),
			RawText: msg.Text,
		})
		return
	}

	incoming := buildIncoming(msg, a)
	if incoming.Text == "" && len(incoming.Attachments) == 0 {
		return
	}
	a.bus.Publish(ctx, bus.MessageReceived, incoming)
}

// downloader fetches one Telegram file into the spool, returning its
// local path. Split out so intake conversion is testable offline.
type downloader interface {
	fetch(chatID, fileID, fileName string) (string, error)
}

// buildIncoming converts one Telegram message to a bus payload,
// downloading any photo or document it carries. Failed downloads are
// logged and skipped so the text still goes through.
func buildIncoming(msg *tgbotapi.Message, dl downloader) bus.Incoming {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	incoming := bus.Incoming{
		ChatID:       chatID,
		Text:         strings.TrimSpace(msg.Text),
		MessageID:    int64(msg.MessageID),
		MediaGroupID: msg.MediaGroupID,
		Origin:       types.OriginUser,
	}
	if msg.From != nil {
		incoming.UserID = strconv.FormatInt(msg.From.ID, 10)
	}
	if incoming.Text == "" {
		incoming.Text = strings.TrimSpace(msg.Caption)
	}
	if msg.ReplyToMessage != nil {
		incoming.ReplyToMessageID = int64(msg.ReplyToMessage.MessageID)
	}

	if len(msg.Photo) > 0 {
		// Sizes arrive smallest first; take the largest rendition.
		photo := msg.Photo[len(msg.Photo)-1]
		name := fmt.Sprintf("photo_%d.jpg", msg.MessageID)
		path, err := dl.fetch(chatID, photo.FileID, name)
		if err != nil {
			slog.Error("photo download failed", "chat_id", chatID, "error", err)
		} else {
			incoming.Attachments = append(incoming.Attachments, types.Attachment{
				Path: path, Kind: "photo", FileName: name,
			})
		}
	}
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = fmt.Sprintf("document_%d", msg.MessageID)
		}
		path, err := dl.fetch(chatID, msg.Document.FileID, name)
		if err != nil {
			slog.Error("document download failed", "chat_id", chatID, "error", err)
		} else {
			incoming.Attachments = append(incoming.Attachments, types.Attachment{
				Path: path, Kind: "document", FileName: name, MimeType: msg.Document.MimeType,
			})
		}
	}
	return incoming
}

func (a *Adapter) fetch(chatID, fileID, fileName string) (string, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("file url: %w", err)
	}
	resp, err := a.client.Get(url)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	dir := filepath.Join(a.spool, chatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), fileName))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func (a *Adapter) handleSend(ctx context.Context, ev bus.Event) {
	out, ok := ev.Payload.(bus.Outgoing)
	if !ok {
		return
	}
	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		slog.Error("unparseable chat id on outbound message", "chat_id", out.ChatID)
		return
	}

	for _, item := range out.Media {
		a.sendMedia(ctx, chatID, item, out.Meta)
	}
	for _, part := range splitMessage(out.Text) {
		a.sendText(ctx, chatID, part, out.Markdown, out.Meta)
	}
}

func (a *Adapter) sendText(ctx context.Context, chatID int64, text string, markdown bool, meta *bus.Meta) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	sent, err := a.bot.Send(msg)
	if err != nil && markdown {
		// Telegram rejects unbalanced markup; retry plain.
		msg.ParseMode = ""
		sent, err = a.bot.Send(msg)
	}
	if err != nil {
		slog.Error("telegram send failed", "chat_id", chatID, "error", err)
		return
	}
	a.reportSent(ctx, chatID, sent.MessageID, meta)
}

func (a *Adapter) sendMedia(ctx context.Context, chatID int64, item types.MediaItem, meta *bus.Meta) {
	var sent tgbotapi.Message
	var err error
	switch item.Kind {
	case types.MediaPhoto:
		sent, err = a.bot.Send(tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(item.Path)))
	default:
		sent, err = a.bot.Send(tgbotapi.NewDocument(chatID, tgbotapi.FilePath(item.Path)))
	}
	if err != nil {
		slog.Error("telegram media send failed", "chat_id", chatID, "path", item.Path, "error", err)
		return
	}
	a.reportSent(ctx, chatID, sent.MessageID, meta)
}

// reportSent feeds the reply-routing log: every delivered message that
// belongs to a session is announced with its platform id.
func (a *Adapter) reportSent(ctx context.Context, chatID int64, messageID int, meta *bus.Meta) {
	if meta == nil {
		return
	}
	a.bus.Publish(ctx, bus.Sent, bus.SentInfo{
		ChatID:    strconv.FormatInt(chatID, 10),
		MessageID: int64(messageID),
		SessionID: meta.SessionID,
		ThreadID:  meta.ThreadID,
	})
}

func splitArgs(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// splitMessage chunks text to Telegram's message size limit, preferring
// newline boundaries so fenced blocks and paragraphs survive when they
// can.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		end := maxTelegramMessage
		if end > len(runes) {
			end = len(runes)
		} else {
			// Back up to the last newline in the window, if any is
			// reasonably close.
			for i := end - 1; i > end-500 && i > 0; i-- {
				if runes[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:end]), "\n"))
		runes = runes[end:]
	}
	return parts
}
