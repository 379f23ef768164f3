// Package whatsapp bridges WhatsApp chats through a whatsmeow linked device.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/matheus3301/fedrelay/internal/bus"
	"github.com/matheus3301/fedrelay/internal/platform"
	"github.com/matheus3301/fedrelay/internal/status"
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

// Name is the platform name of the adapter.
const Name = "whatsapp"

// Config holds configuration for the WhatsApp adapter.
type Config struct {
	SessionPath string
	RateLimit   float64
	RateBurst   int
	// QROut receives the pairing QR code. Defaults to stderr.
	QROut io.Writer
}

// PairingCode is the bus payload emitted for every QR code during pairing.
type PairingCode struct {
	Platform string
	Code     string
}

// Adapter implements platform.Adapter for WhatsApp.
type Adapter struct {
	sessionPath string
	client      Client
	limiter     *rate.Limiter
	machine     *status.Machine
	bus         *bus.Bus
	qrOut       io.Writer
	logger      *zap.Logger

	mu        sync.RWMutex
	ctx       context.Context
	onMessage platform.InboundHandler
	handlerID uint32
	started   bool
}

// New creates a WhatsApp adapter. The device store is opened on Start.
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
	if cfg.QROut == nil {
		cfg.QROut = os.Stderr
	}
	return &Adapter{
		sessionPath: cfg.SessionPath,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		machine:     status.NewMachine(Name, b),
		bus:         b,
		qrOut:       cfg.QROut,
		logger:      logger.With(zap.String("adapter", Name)),
	}
}

func (a *Adapter) Name() string { return Name }

// Status returns the connection state.
func (a *Adapter) Status() status.Snapshot { return a.machine.Snapshot() }

// Start connects the linked device. An unpaired device prints a QR code and
// stays in AUTH_REQUIRED until the phone scans it.
func (a *Adapter) Start(ctx context.Context, onMessage platform.InboundHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.client == nil {
		c, err := openClient(ctx, a.sessionPath)
		if err != nil {
			a.machine.Force(status.Error)
			return err
		}
		a.client = c
	}
	a.ctx = context.WithoutCancel(ctx)
	a.onMessage = onMessage
	a.handlerID = a.client.AddEventHandler(a.handleEvent)

	if a.client.LoggedIn() {
		_ = a.machine.Transition(status.Connecting)
	} else {
		// GetQRChannel must be called before Connect.
		qr, err := a.client.GetQRChannel(a.ctx)
		if err != nil {
			a.machine.Force(status.Error)
			return fmt.Errorf("get QR channel: %w", err)
		}
		_ = a.machine.Transition(status.AuthRequired)
		go a.pair(qr)
	}

	a.logger.Info("connecting to WhatsApp")
	if err := a.client.Connect(); err != nil {
		a.client.RemoveEventHandler(a.handlerID)
		a.machine.Force(status.Error)
		return fmt.Errorf("connect whatsapp: %w", err)
	}
	a.started = true
	return nil
}

// Stop disconnects and closes the device store.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.client.RemoveEventHandler(a.handlerID)
	a.client.Disconnect()
	err := a.client.Close()
	a.client = nil
	a.machine.Force(status.Stopped)
	a.logger.Info("disconnected from WhatsApp")
	return err
}

// SendToChannel sends a text message to a chat JID, waiting for the rate limiter.
func (a *Adapter) SendToChannel(ctx context.Context, channelRef, text string) error {
	c, err := a.connected()
	if err != nil {
		return err
	}
	to, err := types.ParseJID(channelRef)
	if err != nil || to.IsEmpty() {
		return fmt.Errorf("%w: %s: invalid JID", platform.ErrChannelNotFound, channelRef)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return mapError(channelRef, err)
	}
	return nil
}

// ResolveChannel checks that a chat JID is usable. Groups are looked up so a
// group the device left is reported as missing.
func (a *Adapter) ResolveChannel(ctx context.Context, channelRef string) (platform.ChannelInfo, error) {
	c, err := a.connected()
	if err != nil {
		return platform.ChannelInfo{}, err
	}
	jid, err := types.ParseJID(channelRef)
	if err != nil || jid.IsEmpty() {
		return platform.ChannelInfo{}, fmt.Errorf("%w: %s: invalid JID", platform.ErrChannelNotFound, channelRef)
	}
	jid = jid.ToNonAD()
	if jid.Server != types.GroupServer {
		return platform.ChannelInfo{Ref: jid.String(), Name: jid.User}, nil
	}
	info, err := c.GetGroupInfo(ctx, jid)
	if err != nil {
		return platform.ChannelInfo{}, mapError(channelRef, err)
	}
	return platform.ChannelInfo{Ref: jid.String(), Name: info.Name}, nil
}

func (a *Adapter) connected() (Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.started || a.client == nil {
		return nil, platform.ErrNotStarted
	}
	return a.client, nil
}

func mapError(channelRef string, err error) error {
	if errors.Is(err, whatsmeow.ErrGroupNotFound) || errors.Is(err, whatsmeow.ErrNotInGroup) {
		return fmt.Errorf("%w: %s: %v", platform.ErrChannelNotFound, channelRef, err)
	}
	return err
}

func (a *Adapter) pair(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			a.logger.Info("scan the QR code with WhatsApp to link this device")
			_, _ = io.WriteString(a.qrOut, renderQR(item.Code))
			a.bus.Emit(bus.KindPairingCode, PairingCode{Platform: Name, Code: item.Code})
		case "success":
			a.logger.Info("device linked")
			a.machine.Force(status.Connecting)
			return
		case "timeout":
			a.logger.Warn("QR pairing timed out")
			a.machine.Force(status.Error)
			return
		default:
			if item.Error != nil {
				a.logger.Error("QR pairing failed", zap.Error(item.Error))
				a.machine.Force(status.Error)
				return
			}
		}
	}
}

// handleEvent drives the state machine and forwards chat messages.
func (a *Adapter) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		a.handleMessage(evt)
	case *events.Connected:
		a.logger.Info("WhatsApp connected")
		if a.machine.Current() == status.AuthRequired {
			a.machine.Force(status.Connecting)
		}
		a.machine.Force(status.Ready)
	case *events.Disconnected:
		a.logger.Warn("WhatsApp disconnected")
		a.machine.Force(status.Reconnecting)
	case *events.LoggedOut:
		a.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		a.machine.Force(status.AuthRequired)
	case *events.StreamReplaced:
		a.logger.Error("WhatsApp session opened elsewhere")
		a.machine.Force(status.Error)
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	// Messages typed on the linked phone come back as own messages; relaying
	// them would echo bridge output.
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	a.mu.RLock()
	ctx, onMessage, c := a.ctx, a.onMessage, a.client
	a.mu.RUnlock()
	if onMessage == nil {
		return
	}
	if c != nil {
		evt.Info.Sender = c.ResolveLID(ctx, evt.Info.Sender)
		evt.Info.Chat = c.ResolveLID(ctx, evt.Info.Chat)
	}
	in := ParseLiveMessage(evt).Incoming(evt)
	if in.Text == "" {
		return
	}
	onMessage(ctx, in)
}

// renderQR converts a string to a compact QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "QR generation failed: " + err.Error() + "\n" + content + "\n"
	}
	bitmap := qr.Bitmap()
	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
