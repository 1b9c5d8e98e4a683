// Package telegram adapts the go-telegram bot API to the approval
// coordinator's chat capability: outgoing messages with inline
// keyboards, message edits, button acknowledgements, and routing of
// inbound button presses and text replies.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/claudecube/claudecube/internal/domain/approval"
)

// Handlers receives inbound events. Either field may be nil.
type Handlers struct {
	// OnButton gets the callback id, the button's callback data and the
	// id of the message carrying the keyboard.
	OnButton func(ctx context.Context, callbackID, data string, messageID int)
	// OnText gets a plain text message and, when it is a reply, the id
	// of the message it replies to (0 otherwise).
	OnText func(ctx context.Context, text string, messageID, replyToID int)
}

// Bot is the chat adapter bound to a single chat id. Messages from any
// other chat are dropped. Outgoing API calls are serialised with a
// mutex so Telegram's per-chat rate limits see one call at a time.
type Bot struct {
	api    *bot.Bot
	chatID int64
	logger *slog.Logger

	sendMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  Handlers
}

var _ approval.Chat = (*Bot)(nil)

// New connects to the Telegram API. The returned bot is idle until
// Start is called.
func New(token string, chatID int64, logger *slog.Logger) (*Bot, error) {
	b := &Bot{chatID: chatID, logger: logger}

	api, err := bot.New(token, bot.WithDefaultHandler(b.route))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b.api = api
	return b, nil
}

// SetHandlers installs the inbound event handlers. Called once during
// bootstrap, after the approval coordinator exists.
func (b *Bot) SetHandlers(h Handlers) {
	b.handlerMu.Lock()
	b.handlers = h
	b.handlerMu.Unlock()
}

// Start runs the long-polling loop until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	b.api.Start(ctx)
}

// route dispatches one update. The chat allowlist is enforced here for
// every inbound path.
func (b *Bot) route(ctx context.Context, _ *bot.Bot, update *models.Update) {
	b.handlerMu.RLock()
	handlers := b.handlers
	b.handlerMu.RUnlock()

	if cq := update.CallbackQuery; cq != nil {
		msg := cq.Message.Message
		if msg == nil || msg.Chat.ID != b.chatID {
			return
		}
		if handlers.OnButton != nil {
			handlers.OnButton(ctx, cq.ID, cq.Data, msg.ID)
		}
		return
	}

	if msg := update.Message; msg != nil {
		if msg.Chat.ID != b.chatID {
			b.logger.Warn("message from unauthorized chat dropped", "chat_id", msg.Chat.ID)
			return
		}
		if msg.Text == "" || handlers.OnText == nil {
			return
		}
		replyTo := 0
		if msg.ReplyToMessage != nil {
			replyTo = msg.ReplyToMessage.ID
		}
		handlers.OnText(ctx, msg.Text, msg.ID, replyTo)
	}
}

// SendMessage posts text to the configured chat, optionally with an
// inline keyboard and as a reply to another message. Returns the new
// message's id.
func (b *Bot) SendMessage(ctx context.Context, text string, buttons [][]approval.Button, replyTo int) (int, error) {
	params := &bot.SendMessageParams{
		ChatID: b.chatID,
		Text:   text,
	}
	if len(buttons) > 0 {
		params.ReplyMarkup = keyboard(buttons)
	}
	if replyTo != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	msg, err := b.api.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage replaces the text of an earlier message, dropping its
// keyboard.
func (b *Bot) EditMessage(ctx context.Context, messageID int, text string) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	_, err := b.api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    b.chatID,
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

// AnswerButton acknowledges a button press with an optional toast.
func (b *Bot) AnswerButton(ctx context.Context, callbackID, text string) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	_, err := b.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

func keyboard(buttons [][]approval.Button) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		line := make([]models.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			line = append(line, models.InlineKeyboardButton{
				Text:         btn.Text,
				CallbackData: btn.Data,
			})
		}
		rows = append(rows, line)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
