package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/presence"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

type identifyParams struct {
	UserID string `json:"userId"`
}

type sendParams struct {
	TempID      string          `json:"tempId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	RoomID      string          `json:"roomId,omitempty"`
	SenderName  string          `json:"senderName,omitempty"`
	Body        messaging.Body  `json:"body"`
	Text        string          `json:"text,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type conversationParams struct {
	ConversationID string `json:"conversationId"`
	BeforeSeq      int64  `json:"beforeSeq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type deleteParams struct {
	MessageID   string `json:"messageId"`
	ForEveryone bool   `json:"forEveryone"`
}

type roomParams struct {
	RoomID string `json:"roomId"`
}

func (c *conn) handle1(f *frame) {
	if f.Method == "ping" {
		_ = c.sendResponse(f.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
		return
	}
	if f.Method == "identify" {
		c.identify(f)
		return
	}
	h := c.Handle()
	if h == nil {
		c.sendError(f.ID, CodeIdentifyRequired, "identify before "+f.Method)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	payload, err := c.dispatch(ctx, h.UserID, f)
	if err != nil {
		code, msg := errorCode(err)
		if code == CodeInternal {
			c.handler.logger.Error("request failed",
				zap.String("method", f.Method),
				zap.String("user_id", h.UserID),
				zap.Error(err),
			)
		}
		c.sendError(f.ID, code, msg)
		return
	}
	_ = c.sendResponse(f.ID, true, payload, nil)
}

func (c *conn) identify(f *frame) {
	var p identifyParams
	if err := decodeParams(f.Params, &p); err != nil || p.UserID == "" {
		c.sendError(f.ID, CodeInvalidRequest, "userId is required")
		return
	}
	if h := c.Handle(); h != nil {
		if h.UserID != p.UserID {
			c.sendError(f.ID, CodeInvalidRequest, "connection already identified")
			return
		}
		_ = c.sendResponse(f.ID, true, map[string]any{"connectionId": h.ID, "userId": h.UserID}, nil)
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	h := presence.NewHandle(p.UserID)
	c.handle.Store(h)
	c.handler.registry.Register(p.UserID, c)
	_ = c.sendResponse(f.ID, true, map[string]any{"connectionId": h.ID, "userId": h.UserID}, nil)
}

func (c *conn) dispatch(ctx context.Context, userID string, f *frame) (any, error) {
	m := c.handler.messages
	switch f.Method {
	case "send":
		var p sendParams
		if err := decodeParams(f.Params, &p); err != nil {
			return nil, err
		}
		body := p.Body
		if body.Empty() {
			body = messaging.Body{Text: p.Text, Attachments: p.Attachments, Payload: p.Payload}
		}
		return m.Submit(ctx, messaging.SubmitRequest{
			SenderID:    userID,
			SenderName:  p.SenderName,
			RecipientID: p.RecipientID,
			RoomID:      p.RoomID,
			TempID:      p.TempID,
			Body:        body,
			Path:        messaging.PathPush,
		})
	case "markSeen":
		var p conversationParams
		if err := decodeParams(f.Params, &p); err != nil {
			return nil, err
		}
		senders, err := m.MarkSeen(ctx, p.ConversationID, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"conversationId": p.ConversationID, "notified": len(senders)}, nil
	case "deleteMessage":
		var p deleteParams
		if err := decodeParams(f.Params, &p); err != nil {
			return nil, err
		}
		if err := m.Delete(ctx, p.MessageID, userID, p.ForEveryone); err != nil {
			return nil, err
		}
		return map[string]any{"messageId": p.MessageID}, nil
	case "history":
		var p conversationParams
		if err := decodeParams(f.Params, &p); err != nil {
			return nil, err
		}
		msgs, err := m.History(ctx, p.ConversationID, userID, p.BeforeSeq, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs}, nil
	case "createRoom":
		var p messaging.CreateRoomRequest
		if err := decodeParams(f.Params, &p); err != nil {
			return nil, err
		}
		p.CreatorID = userID
		room, err := m.CreateRoom(ctx, p)
		if err != nil {
			return nil, err
		}
		return map[string]any{"roomId": room.ID, "name": room.Name, "federated": room.Federated}, nil
	case "joinRoom":
		var p roomParams
		if err := decodeParams(f.Params, &p); err != nil {
			return nil, err
		}
		if err := m.JoinRoom(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return map[string]any{"roomId": p.RoomID}, nil
	case "leaveRoom":
		var p roomParams
		if err := decodeParams(f.Params, &p); err != nil {
			return nil, err
		}
		if err := m.LeaveRoom(ctx, p.RoomID, userID); err != nil {
			return nil, err
		}
		return map[string]any{"roomId": p.RoomID}, nil
	default:
		return nil, errUnknownMethod
	}
}

var (
	errUnknownMethod = errors.New("unknown method")
	errBadParams     = errors.New("malformed params")
)

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadParams
	}
	return nil
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, errUnknownMethod):
		return CodeUnknownMethod, err.Error()
	case errors.Is(err, errBadParams), errors.Is(err, messaging.ErrInvalidRequest):
		return CodeInvalidRequest, err.Error()
	case errors.Is(err, messaging.ErrEmptyMessage):
		return CodeEmptyMessage, err.Error()
	case errors.Is(err, messaging.ErrNotFound):
		return CodeNotFound, err.Error()
	case errors.Is(err, messaging.ErrForbidden):
		return CodeForbidden, err.Error()
	default:
		return CodeInternal, "internal error"
	}
}
