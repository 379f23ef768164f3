package whatsapp

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	_ "github.com/mattn/go-sqlite3"
)

// Client is the part of *whatsmeow.Client the adapter uses.
type Client interface {
	Connect() error
	Disconnect()
	Close() error
	LoggedIn() bool
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	RemoveEventHandler(id uint32) bool
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	ResolveLID(ctx context.Context, jid types.JID) types.JID
}

type realClient struct {
	*whatsmeow.Client
	container *sqlstore.Container
}

// openClient opens the device store at path and builds a client for its first device.
func openClient(ctx context.Context, path string) (*realClient, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("fedrelay", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", path),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}
	return &realClient{Client: whatsmeow.NewClient(device, nil), container: container}, nil
}

func (c *realClient) LoggedIn() bool { return c.Store.ID != nil }

func (c *realClient) Close() error { return c.container.Close() }

// ResolveLID maps a hidden-user JID to its phone number JID when the device
// store knows the mapping, and returns jid unchanged otherwise.
func (c *realClient) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if c.Store == nil || c.Store.LIDs == nil {
		return jid
	}
	pn, err := c.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
