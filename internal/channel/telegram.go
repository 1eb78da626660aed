// Package channel holds the inbound chat adapters. Adapters normalize
// platform updates into bus messages; they do not touch storage directly.
package channel

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/driftwoodlabs/wren/internal/bus"
	"github.com/driftwoodlabs/wren/internal/config"
	"github.com/driftwoodlabs/wren/internal/memory"
)

// TelegramBot is the slice of the bot API the adapter uses; tests swap in
// a fake.
type TelegramBot interface {
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

// NewTelegramBot builds the real bot client; overridable for tests.
var NewTelegramBot = func(token string) (TelegramBot, error) {
	return tgbotapi.NewBotAPI(token)
}

// Telegram is the long-polling ingest adapter. Regular messages go onto
// the bus; the /optout and /optin commands flip the author's memory
// preference in place.
type Telegram struct {
	cfg config.TelegramConfig
	bot TelegramBot
	bus *bus.MessageBus
	svc *memory.Service

	allow map[string]struct{}
}

func NewTelegram(cfg config.TelegramConfig, b *bus.MessageBus, svc *memory.Service) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram: missing token")
	}
	bot, err := NewTelegramBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	allow := make(map[string]struct{}, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = struct{}{}
	}

	return &Telegram{cfg: cfg, bot: bot, bus: b, svc: svc, allow: allow}, nil
}

// Run consumes updates until the context ends.
func (t *Telegram) Run(ctx context.Context) error {
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := t.bot.GetUpdatesChan(updateCfg)

	log.Printf("[telegram] listening")
	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	if len(t.allow) > 0 {
		if _, ok := t.allow[userID]; !ok {
			return
		}
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if cmd := msg.Command(); cmd != "" {
		t.handleCommand(msg, cmd, userID)
		return
	}

	t.bus.Publish(ctx, bus.InboundMessage{
		Channel:    "telegram",
		ChannelID:  chatID,
		UserID:     userID,
		Content:    msg.Text,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	})
}

func (t *Telegram) handleCommand(msg *tgbotapi.Message, cmd, userID string) {
	switch cmd {
	case "optout":
		if err := t.svc.SetOptOut(userID, true); err != nil {
			log.Printf("[telegram] optout user=%s: %v", userID, err)
			t.reply(msg, "Something went wrong, try again later.")
			return
		}
		t.reply(msg, "Memory disabled. New messages will not be remembered.")
	case "optin":
		if err := t.svc.SetOptOut(userID, false); err != nil {
			log.Printf("[telegram] optin user=%s: %v", userID, err)
			t.reply(msg, "Something went wrong, try again later.")
			return
		}
		t.reply(msg, "Memory enabled.")
	default:
		// Unknown commands are ignored and never enter the bus.
	}
}

func (t *Telegram) reply(to *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(to.Chat.ID, text)
	out.ReplyToMessageID = to.MessageID
	if _, err := t.bot.Send(out); err != nil {
		log.Printf("[telegram] send reply: %v", err)
	}
}
