package whatsapp

import (
	"strings"

	"github.com/matheus3301/fedrelay/internal/platform"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ParsedMessage is a normalized live message.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	IsGroup     bool
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	return &ParsedMessage{
		ChatJID:     evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
	}
}

// Incoming converts the message for the bridge. Media without a caption is
// relayed as a "[type]" placeholder.
func (p *ParsedMessage) Incoming(evt *events.Message) platform.Incoming {
	text := p.Body
	if text == "" && p.MessageType != "text" && p.MessageType != "unknown" {
		text = "[" + p.MessageType + "]"
	}
	name := p.SenderName
	if name == "" {
		name = strings.SplitN(p.SenderJID, "@", 2)[0]
	}
	return platform.Incoming{
		ChannelRef: p.ChatJID,
		SenderID:   p.SenderJID,
		SenderName: name,
		Text:       text,
		SentAt:     evt.Info.Timestamp,
	}
}

// NormalizeJID strips device and agent suffixes from a JID string.
func NormalizeJID(s string) string {
	if !strings.Contains(s, "@") {
		return s
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return s
	}
	return jid.ToNonAD().String()
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
