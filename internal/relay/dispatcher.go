// Package relay delivers federated messages to peer platform endpoints.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/fedrelay/internal/federation"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single dispatch.
const DefaultTimeout = 15 * time.Second

// HTTPDispatcher posts messages to {endpoint}/relay. A non-2xx answer is a
// failure and nothing is retried.
type HTTPDispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPDispatcher creates a dispatcher. A zero timeout uses DefaultTimeout.
func NewHTTPDispatcher(client *http.Client, timeout time.Duration, logger *zap.Logger) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDispatcher{client: client, timeout: timeout, logger: logger}
}

// Dispatch delivers msg to one peer and reports the outcome.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, peer federation.Peer, roomID string, msg federation.Message) federation.RelayResult {
	start := time.Now()
	res := federation.RelayResult{Peer: peer.Name, Endpoint: peer.Endpoint}
	finish := func(err error) federation.RelayResult {
		res.Duration = time.Since(start)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
		}
		return res
	}

	body, err := json.Marshal(federation.InboundRelayRequest{RoomID: roomID, Message: msg})
	if err != nil {
		return finish(fmt.Errorf("encode: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := strings.TrimRight(peer.Endpoint, "/") + "/relay"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return finish(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", msg.CorrelationID)

	resp, err := d.client.Do(req)
	if err != nil {
		return finish(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return finish(fmt.Errorf("peer answered %d", resp.StatusCode))
	}
	d.logger.Debug("relay dispatched",
		zap.String("peer", peer.Name),
		zap.String("room_id", roomID),
		zap.Int("status", resp.StatusCode),
	)
	return finish(nil)
}
