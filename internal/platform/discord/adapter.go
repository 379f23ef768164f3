// Package discord bridges Discord channels through discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/platform"
	"github.com/matheus3301/fedrelay/internal/status"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Name is the platform name of the adapter.
const Name = "discord"

// Session is the part of *discordgo.Session the adapter uses.
type Session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// Config holds configuration for the Discord adapter.
type Config struct {
	Token     string
	RateLimit float64
	RateBurst int
}

// Adapter implements platform.Adapter for Discord.
type Adapter struct {
	token   string
	session Session
	limiter *rate.Limiter
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.RWMutex
	ctx       context.Context
	onMessage platform.InboundHandler
	removers  []func()
}

// New creates a Discord adapter. The session is opened on Start.
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

// Start opens the gateway connection and begins delivering channel messages.
func (a *Adapter) Start(ctx context.Context, onMessage platform.InboundHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.token)
		if err != nil {
			_ = a.machine.Transition(status.Error)
			return fmt.Errorf("create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.session = dg
	}
	a.ctx = context.WithoutCancel(ctx)
	a.onMessage = onMessage
	a.removers = append(a.removers,
		a.session.AddHandler(a.handleMessageCreate),
		a.session.AddHandler(a.handleReady),
		a.session.AddHandler(a.handleDisconnect),
	)

	_ = a.machine.Transition(status.Connecting)
	if err := a.session.Open(); err != nil {
		_ = a.machine.Transition(status.Error)
		return fmt.Errorf("open discord session: %w", err)
	}
	a.machine.Force(status.Ready)
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil || a.machine.Current() == status.Stopped {
		return nil
	}
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	err := a.session.Close()
	a.machine.Force(status.Stopped)
	a.logger.Info("discord adapter stopped")
	return err
}

// SendToChannel posts text to a channel, waiting for the rate limiter.
func (a *Adapter) SendToChannel(ctx context.Context, channelRef, text string) error {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()
	if s == nil {
		return platform.ErrNotStarted
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := s.ChannelMessageSend(channelRef, text, discordgo.WithContext(ctx)); err != nil {
		return mapError(channelRef, err)
	}
	return nil
}

// ResolveChannel looks the channel up through the REST API.
func (a *Adapter) ResolveChannel(ctx context.Context, channelRef string) (platform.ChannelInfo, error) {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()
	if s == nil {
		return platform.ChannelInfo{}, platform.ErrNotStarted
	}
	ch, err := s.Channel(channelRef, discordgo.WithContext(ctx))
	if err != nil {
		return platform.ChannelInfo{}, mapError(channelRef, err)
	}
	return platform.ChannelInfo{Ref: ch.ID, Name: ch.Name, GuildRef: ch.GuildID}, nil
}

func mapError(channelRef string, err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return fmt.Errorf("%w: %s: %v", platform.ErrChannelNotFound, channelRef, err)
		}
	}
	return err
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if s != nil && s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	a.mu.RLock()
	ctx, onMessage := a.ctx, a.onMessage
	a.mu.RUnlock()
	if onMessage == nil {
		return
	}
	onMessage(ctx, convertMessage(m.Message))
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.machine.Force(status.Ready)
	if r != nil && r.User != nil {
		a.logger.Info("discord ready", zap.String("bot_user", r.User.Username))
	}
}

func (a *Adapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if a.machine.Force(status.Reconnecting) {
		a.logger.Warn("discord disconnected, waiting for reconnect")
	}
}

func convertMessage(m *discordgo.Message) platform.Incoming {
	in := platform.Incoming{
		ChannelRef: m.ChannelID,
		GuildRef:   m.GuildID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.Content,
		SentAt:     m.Timestamp,
	}
	if m.Member != nil && m.Member.Nick != "" {
		in.SenderName = m.Member.Nick
	} else if m.Author.GlobalName != "" {
		in.SenderName = m.Author.GlobalName
	}
	for _, att := range m.Attachments {
		if att != nil && att.URL != "" {
			in.Attachments = append(in.Attachments, att.URL)
		}
	}
	return in
}
