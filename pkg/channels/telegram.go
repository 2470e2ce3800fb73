package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/config"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
)

// TelegramChannel is both the push listener for source channels and the
// Transport used to deliver to the target.
type TelegramChannel struct {
	*BaseChannel
	bot      *telego.Bot
	config   config.TelegramConfig
	commands CommandFunc
	// channelPosts is false in pull-only mode; the bot then only serves
	// admin commands.
	channelPosts bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) (*TelegramChannel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	} else {
		opts = append(opts, telego.WithHTTPClient(&http.Client{Timeout: 90 * time.Second}))
	}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}
	opts = append(opts, telego.WithLogger(logger.TelegoLogger()))

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel:  NewBaseChannel("telegram", messageBus, cfg.Admins),
		bot:          bot,
		config:       cfg,
		channelPosts: true,
	}, nil
}

// SetCommandHandler routes private "/command" messages to fn.
func (c *TelegramChannel) SetCommandHandler(fn CommandFunc) {
	c.commands = fn
}

// SetChannelPosts enables or disables ingestion of channel posts. Call it
// before Start.
func (c *TelegramChannel) SetChannelPosts(enabled bool) {
	c.channelPosts = enabled
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram listener (long polling)...")

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "channel_post"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.SetRunning(true)

	logger.InfoC("telegram", "Telegram listener connected")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					return
				}
				c.handleUpdate(pollCtx, update)
			}
		}
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram listener...")
	c.SetRunning(false)

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.ChannelPost != nil:
		if !c.channelPosts {
			return
		}
		item, ok := ItemFromMessage(update.ChannelPost)
		if !ok {
			return
		}
		logger.DebugCF("telegram", "Channel post received", map[string]any{
			"source": item.Source.String(),
			"id":     item.SequenceID,
			"kind":   string(item.Payload.Kind),
		})
		if err := c.PublishItem(ctx, item); err != nil {
			logger.WarnCF("telegram", "Dropping channel post", map[string]any{"error": err.Error()})
		}

	case update.Message != nil:
		c.handleCommand(ctx, update.Message)
	}
}

func (c *TelegramChannel) handleCommand(ctx context.Context, message *telego.Message) {
	if c.commands == nil || message.From == nil || message.Chat.Type != "private" {
		return
	}
	text := strings.TrimSpace(message.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	user := message.From
	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
	}
	senderName := user.FirstName
	if user.Username != "" {
		senderName = "@" + user.Username
	}

	reply := c.commands(ctx, senderID, senderName, text)
	if reply == "" {
		return
	}
	if err := c.SendText(ctx, message.Chat.ID, reply); err != nil {
		logger.ErrorCF("telegram", "Failed to send command reply", map[string]any{
			"chat_id": message.Chat.ID,
			"error":   err.Error(),
		})
	}
}

// ItemFromMessage classifies a channel post once, at ingestion. Posts with
// content the relay does not model individually become KindCopy.
func ItemFromMessage(m *telego.Message) (bus.Item, bool) {
	if m == nil || m.MessageID == 0 {
		return bus.Item{}, false
	}

	var p bus.Payload
	switch {
	case m.Text != "":
		p = bus.NewText(m.Text)
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		p = bus.NewPhoto(m.Photo[len(m.Photo)-1].FileID, m.Caption)
	case m.Animation != nil:
		// Animations also populate Document, so check them first.
		p = bus.NewAnimation(m.Animation.FileID, m.Caption)
	case m.Video != nil:
		p = bus.NewVideo(m.Video.FileID, m.Caption)
	case m.Document != nil:
		p = bus.NewDocument(m.Document.FileID, m.Caption)
	case m.Sticker != nil:
		p = bus.NewSticker(m.Sticker.FileID)
	case m.Audio != nil:
		p = bus.NewAudio(m.Audio.FileID, m.Caption)
	case m.Voice != nil:
		p = bus.NewVoice(m.Voice.FileID, m.Caption)
	case m.VideoNote != nil:
		p = bus.NewVideoNote(m.VideoNote.FileID)
	default:
		p = bus.NewCopy(m.Caption)
	}

	received := time.Now()
	if m.Date > 0 {
		received = time.Unix(m.Date, 0)
	}

	return bus.Item{
		Source:     bus.ChannelRef{ID: m.Chat.ID, Handle: bus.NormalizeHandle(m.Chat.Username)},
		SequenceID: int64(m.MessageID),
		Payload:    p,
		Origin:     bus.OriginPush,
		ReceivedAt: received,
	}, true
}

func chatID(ref bus.ChannelRef) telego.ChatID {
	if ref.ID != 0 {
		return tu.ID(ref.ID)
	}
	return tu.Username("@" + bus.NormalizeHandle(ref.Handle))
}

func (c *TelegramChannel) ResolveChannel(ctx context.Context, ref bus.ChannelRef) (bus.ChannelRef, error) {
	if ref.IsZero() {
		return ref, ErrChannelNotFound
	}
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatID(ref)})
	if err != nil {
		return ref, fmt.Errorf("resolving %s: %w", ref, ClassifyAPIError(err))
	}
	return bus.ChannelRef{ID: chat.ID, Handle: bus.NormalizeHandle(chat.Username)}, nil
}

// Send delivers item to target using the Bot API method for its kind.
func (c *TelegramChannel) Send(ctx context.Context, target bus.ChannelRef, item bus.Item) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	to := chatID(target)
	p := item.Payload

	var err error
	switch p.Kind {
	case bus.KindText:
		_, err = c.bot.SendMessage(ctx, tu.Message(to, p.Text))
	case bus.KindPhoto:
		_, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: to, Photo: tu.FileFromID(p.FileID), Caption: p.Caption})
	case bus.KindVideo:
		_, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{ChatID: to, Video: tu.FileFromID(p.FileID), Caption: p.Caption})
	case bus.KindDocument:
		_, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: to, Document: tu.FileFromID(p.FileID), Caption: p.Caption})
	case bus.KindSticker:
		_, err = c.bot.SendSticker(ctx, &telego.SendStickerParams{ChatID: to, Sticker: tu.FileFromID(p.FileID)})
	case bus.KindAudio:
		_, err = c.bot.SendAudio(ctx, &telego.SendAudioParams{ChatID: to, Audio: tu.FileFromID(p.FileID), Caption: p.Caption})
	case bus.KindVoice:
		_, err = c.bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: to, Voice: tu.FileFromID(p.FileID), Caption: p.Caption})
	case bus.KindVideoNote:
		_, err = c.bot.SendVideoNote(ctx, &telego.SendVideoNoteParams{ChatID: to, VideoNote: tu.FileFromID(p.FileID)})
	case bus.KindAnimation:
		_, err = c.bot.SendAnimation(ctx, &telego.SendAnimationParams{ChatID: to, Animation: tu.FileFromID(p.FileID), Caption: p.Caption})
	case bus.KindCopy:
		_, err = c.bot.CopyMessage(ctx, &telego.CopyMessageParams{
			ChatID:     to,
			FromChatID: chatID(item.Source),
			MessageID:  int(item.SequenceID),
			Caption:    p.Caption,
		})
	default:
		return &PermanentError{Description: fmt.Sprintf("unsupported payload kind %q", p.Kind)}
	}
	return ClassifyAPIError(err)
}

func (c *TelegramChannel) SendText(ctx context.Context, chat int64, text string) error {
	_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chat), text))
	return ClassifyAPIError(err)
}
