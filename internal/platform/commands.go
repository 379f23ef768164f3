package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/fedrelay/internal/binding"
	"github.com/matheus3301/fedrelay/internal/store"
	"go.uber.org/zap"
)

const commandPrefix = "!fed"

// Bridge commands.
const (
	CmdJoin   = "join"
	CmdCreate = "create"
	CmdLeave  = "leave"
	CmdStatus = "status"
	CmdHelp   = "help"
)

type command struct {
	Name string
	Arg  string
}

// parseCommand recognizes "!fed <name> [arg]". Anything else is a chat message.
func parseCommand(text string) (command, bool) {
	text = strings.TrimSpace(text)
	rest, ok := strings.CutPrefix(text, commandPrefix)
	if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
		return command{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return command{Name: CmdHelp}, true
	}
	return command{
		Name: strings.ToLower(fields[0]),
		Arg:  strings.TrimSpace(strings.Join(fields[1:], " ")),
	}, true
}

const helpText = "usage: !fed join <roomId> | !fed create <name> | !fed leave | !fed status"

func (b *Bridge) runCommand(ctx context.Context, in Incoming, cmd command) {
	var reply string
	var err error
	switch cmd.Name {
	case CmdJoin:
		reply, err = b.join(ctx, in, cmd.Arg)
	case CmdCreate:
		reply, err = b.create(ctx, in, cmd.Arg)
	case CmdLeave:
		reply, err = b.leave(ctx, in)
	case CmdStatus:
		reply, err = b.status(ctx, in)
	default:
		reply = helpText
	}
	if err != nil {
		b.logger.Warn("bridge command failed",
			zap.String("command", cmd.Name),
			zap.String("channel_ref", in.ChannelRef),
			zap.Error(err),
		)
		reply = describeError(err)
	}
	if sendErr := b.adapter.SendToChannel(ctx, in.ChannelRef, reply); sendErr != nil {
		b.logger.Warn("failed to reply to command", zap.String("channel_ref", in.ChannelRef), zap.Error(sendErr))
	}
}

func describeError(err error) string {
	switch {
	case errors.Is(err, binding.ErrConflict):
		return "this channel or room is already bound"
	case errors.Is(err, binding.ErrNotFound):
		return "this channel is not bound to a room"
	case errors.Is(err, binding.ErrUnknownRoom):
		return "unknown room"
	case errors.Is(err, binding.ErrInvalidRequest):
		return helpText
	default:
		return "command failed, try again later"
	}
}

func (b *Bridge) join(ctx context.Context, in Incoming, roomID string) (string, error) {
	if roomID == "" {
		return "", binding.ErrInvalidRequest
	}
	if _, err := b.bindings.ByChannel(ctx, b.Name(), in.ChannelRef); err == nil {
		return "", binding.ErrConflict
	} else if !errors.Is(err, binding.ErrNotFound) {
		return "", err
	}
	dirRoom, err := b.directory.RegisterRoom(ctx, roomID, "", b.endpoint)
	if err != nil {
		return "", fmt.Errorf("register room: %w", err)
	}
	if _, err := b.rooms.EnsureRoom(ctx, &store.Room{ID: roomID, Name: dirRoom.Name, Federated: true}); err != nil {
		return "", err
	}
	if _, err := b.bind(ctx, in, roomID); err != nil {
		return "", err
	}
	return fmt.Sprintf("joined room %s", roomID), nil
}

func (b *Bridge) create(ctx context.Context, in Incoming, name string) (string, error) {
	if name == "" {
		return "", binding.ErrInvalidRequest
	}
	if _, err := b.bindings.ByChannel(ctx, b.Name(), in.ChannelRef); err == nil {
		return "", binding.ErrConflict
	} else if !errors.Is(err, binding.ErrNotFound) {
		return "", err
	}
	room := &store.Room{ID: uuid.NewString(), Name: name, Federated: true}
	if err := b.rooms.CreateRoom(ctx, room); err != nil {
		return "", err
	}
	if _, err := b.directory.RegisterRoom(ctx, room.ID, name, b.endpoint); err != nil {
		return "", fmt.Errorf("register room: %w", err)
	}
	if _, err := b.bind(ctx, in, room.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("created room %q, id %s; other platforms can join it with: !fed join %s", name, room.ID, room.ID), nil
}

func (b *Bridge) bind(ctx context.Context, in Incoming, roomID string) (*store.Binding, error) {
	name := in.ChannelName
	if info, err := b.adapter.ResolveChannel(ctx, in.ChannelRef); err == nil && info.Name != "" {
		name = info.Name
	}
	return b.bindings.Create(ctx, binding.CreateRequest{
		Platform:      b.Name(),
		RoomID:        roomID,
		ChannelRef:    in.ChannelRef,
		GuildRef:      in.GuildRef,
		ChannelName:   name,
		CreatedByID:   in.SenderID,
		CreatedByName: in.SenderName,
	})
}

func (b *Bridge) leave(ctx context.Context, in Incoming) (string, error) {
	bnd, err := b.bindings.Deactivate(ctx, b.Name(), in.ChannelRef, in.SenderID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("left room %s", bnd.RoomID), nil
}

func (b *Bridge) status(ctx context.Context, in Incoming) (string, error) {
	bnd, err := b.bindings.ByChannel(ctx, b.Name(), in.ChannelRef)
	if errors.Is(err, binding.ErrNotFound) {
		return "this channel is not bound to a room", nil
	}
	if err != nil {
		return "", err
	}
	state := "valid"
	if !bnd.Valid {
		state = "failing validation"
	}
	name := bnd.RoomID
	if room, err := b.rooms.GetRoom(ctx, bnd.RoomID); err == nil && room.Name != "" {
		name = room.Name + " (" + bnd.RoomID + ")"
	}
	return fmt.Sprintf("bound to room %s, %s, %d messages relayed", name, state, bnd.MessageCount), nil
}
