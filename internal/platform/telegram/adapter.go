// Package telegram bridges Telegram chats through go-telegram/bot long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/platform"
	"github.com/matheus3301/fedrelay/internal/status"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Name is the platform name of the adapter.
const Name = "telegram"

// BotClient is the part of *bot.Bot the adapter uses.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	GetChat(ctx context.Context, params *bot.GetChatParams) (*models.ChatFullInfo, error)
	Start(ctx context.Context)
}

// Config holds configuration for the Telegram adapter.
type Config struct {
	Token     string
	RateLimit float64
	RateBurst int
}

// Adapter implements platform.Adapter for Telegram.
type Adapter struct {
	token   string
	client  BotClient
	limiter *rate.Limiter
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.RWMutex
	onMessage platform.InboundHandler
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Telegram adapter. The bot is created on Start.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Adapter{
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		machine: status.NewMachine(Name, b),
		logger:  logger.With(zap.String("adapter", Name)),
	}
}

func (a *Adapter) Name() string { return Name }

// Status returns the connection state.
func (a *Adapter) Status() status.Snapshot { return a.machine.Snapshot() }

// Start validates the token and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context, onMessage platform.InboundHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return nil
	}
	a.onMessage = onMessage

	_ = a.machine.Transition(status.Connecting)
	if a.client == nil {
		b, err := bot.New(a.token, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			if errors.Is(err, bot.ErrorUnauthorized) {
				a.machine.Force(status.AuthRequired)
			} else {
				a.machine.Force(status.Error)
			}
			return fmt.Errorf("create telegram bot: %w", err)
		}
		a.client = b
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go func(client BotClient, done chan struct{}) {
		defer close(done)
		client.Start(runCtx)
	}(a.client, a.done)

	a.machine.Force(status.Ready)
	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends long polling and waits for the poller to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.machine.Force(status.Stopped)
	a.logger.Info("telegram adapter stopped")
	return nil
}

// SendToChannel posts text to a chat, waiting for the rate limiter.
func (a *Adapter) SendToChannel(ctx context.Context, channelRef, text string) error {
	a.mu.RLock()
	c := a.client
	a.mu.RUnlock()
	if c == nil {
		return platform.ErrNotStarted
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID(channelRef),
		Text:   text,
	})
	if err != nil {
		return mapError(channelRef, err)
	}
	return nil
}

// ResolveChannel looks the chat up with getChat.
func (a *Adapter) ResolveChannel(ctx context.Context, channelRef string) (platform.ChannelInfo, error) {
	a.mu.RLock()
	c := a.client
	a.mu.RUnlock()
	if c == nil {
		return platform.ChannelInfo{}, platform.ErrNotStarted
	}
	chat, err := c.GetChat(ctx, &bot.GetChatParams{ChatID: chatID(channelRef)})
	if err != nil {
		return platform.ChannelInfo{}, mapError(channelRef, err)
	}
	name := chat.Title
	if name == "" {
		name = chat.Username
	}
	return platform.ChannelInfo{Ref: strconv.FormatInt(chat.ID, 10), Name: name}, nil
}

// chatID accepts numeric ids and @usernames.
func chatID(ref string) any {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id
	}
	return ref
}

func mapError(channelRef string, err error) error {
	switch {
	case errors.Is(err, bot.ErrorForbidden),
		errors.Is(err, bot.ErrorNotFound),
		errors.Is(err, bot.ErrorBadRequest) && strings.Contains(strings.ToLower(err.Error()), "chat not found"):
		return fmt.Errorf("%w: %s: %v", platform.ErrChannelNotFound, channelRef, err)
	}
	return err
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || (msg.From != nil && msg.From.IsBot) {
		return
	}
	a.mu.RLock()
	onMessage := a.onMessage
	a.mu.RUnlock()
	if onMessage == nil {
		return
	}
	in := convertMessage(msg)
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	onMessage(ctx, in)
}

func convertMessage(msg *models.Message) platform.Incoming {
	in := platform.Incoming{
		ChannelRef:  strconv.FormatInt(msg.Chat.ID, 10),
		ChannelName: msg.Chat.Title,
		Text:        msg.Text,
		SentAt:      time.Unix(int64(msg.Date), 0),
	}
	if in.Text == "" {
		in.Text = msg.Caption
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
		in.SenderName = displayName(msg.From)
	} else {
		in.SenderID = in.ChannelRef
		in.SenderName = msg.Chat.Title
	}
	if len(msg.Photo) > 0 {
		in.Attachments = append(in.Attachments, "tg-file:"+msg.Photo[len(msg.Photo)-1].FileID)
	}
	if msg.Document != nil {
		in.Attachments = append(in.Attachments, "tg-file:"+msg.Document.FileID)
	}
	return in
}

func displayName(u *models.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
