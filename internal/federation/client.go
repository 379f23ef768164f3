package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a remote registry over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a registry client. A nil httpClient gets a 15s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// RemoteError is a non-2xx answer from the registry.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("registry returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		remote := &RemoteError{Status: resp.StatusCode, Code: eb.Error.Code, Message: eb.Error.Message}
		switch {
		case resp.StatusCode == http.StatusNotFound && eb.Error.Code == "unknown_room":
			return fmt.Errorf("%w: %s", ErrUnknownRoom, remote)
		case resp.StatusCode == http.StatusNotFound && eb.Error.Code == "unknown_peer":
			return fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
		case resp.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrInvalidRequest, remote)
		}
		return remote
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisterPeer announces a platform to the remote registry.
func (c *Client) RegisterPeer(ctx context.Context, name, endpoint string) (*Peer, error) {
	var p Peer
	if err := c.do(ctx, http.MethodPost, "/peers", RegisterPeerRequest{Name: name, Endpoint: endpoint}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RegisterRoom announces a room to the remote registry.
func (c *Client) RegisterRoom(ctx context.Context, roomID, name, originEndpoint string) (*Room, error) {
	return c.CreateRoom(ctx, RoomSpec{ID: roomID, Name: name}, originEndpoint)
}

// CreateRoom announces a room with an allow list.
func (c *Client) CreateRoom(ctx context.Context, spec RoomSpec, originEndpoint string) (*Room, error) {
	var r Room
	req := RegisterRoomRequest{RoomID: spec.ID, Name: spec.Name, OriginEndpoint: originEndpoint, AllowedPlatforms: spec.AllowedPlatforms}
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Relay asks the remote registry to fan a message out.
func (c *Client) Relay(ctx context.Context, roomID string, msg Message, origin string) ([]RelayResult, error) {
	var resp RelayMessageResponse
	req := RelayMessageRequest{RoomID: roomID, Message: msg, OriginatingPlatform: origin}
	if err := c.do(ctx, http.MethodPost, "/relay-message", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// GetRoom fetches one room.
func (c *Client) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	if err := c.do(ctx, http.MethodGet, "/rooms/"+id, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListPeers fetches the peer directory.
func (c *Client) ListPeers(ctx context.Context) ([]PeerView, error) {
	var out []PeerView
	err := c.do(ctx, http.MethodGet, "/peers", nil, &out)
	return out, err
}

// ListRooms fetches the room directory.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var out []Room
	err := c.do(ctx, http.MethodGet, "/rooms", nil, &out)
	return out, err
}

// PeerView is a peer with its computed status, as served by GET /peers.
type PeerView struct {
	Peer
	Status string `json:"status"`
}
