// Package ari is a minimal client for the Asterisk REST Interface: the
// event WebSocket plus the handful of REST actions the bridge drives
// (answer, hangup, bridges, external media, dialplan continue).
package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	restTimeout      = 10 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// Config locates the ARI endpoint. URL is the HTTP base, e.g.
// "http://127.0.0.1:8088"; the client derives the WebSocket URL from it.
type Config struct {
	URL      string
	Username string
	Password string
	App      string
}

// Client talks to one Asterisk instance. REST actions are safe for
// concurrent use; Run owns the event stream.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	connected atomic.Bool
}

// NewClient creates an ARI client. Run must be called to start the event
// stream; REST actions work independently of it.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: restTimeout},
		logger:     logger.With("subsystem", "ari"),
	}
}

// Connected reports whether the event WebSocket is currently up. It feeds
// the health endpoint.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// StatusError is returned for non-2xx REST responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ari: status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from Asterisk, which cleanup
// paths treat as already-gone rather than a failure.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Run connects the event WebSocket and dispatches events to h until ctx
// is cancelled, reconnecting with exponential backoff after any drop.
func (c *Client) Run(ctx context.Context, h Handler) {
	backoff := reconnectInitial
	for {
		streamed, err := c.runStream(ctx, h)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			backoff = reconnectInitial
		}
		c.logger.Warn("event stream down, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// runStream dials the event socket and reads until it fails. It reports
// whether the connection was established, so the caller can reset the
// backoff.
func (c *Client) runStream(ctx context.Context, h Handler) (bool, error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: restTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close()

	c.connected.Store(true)
	c.logger.Info("event stream connected", "app", c.cfg.App)

	// Unblock the blocking read when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		c.dispatch(data, h)
	}
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing ARI URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ari/events"
	q := url.Values{}
	q.Set("app", c.cfg.App)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dispatch decodes one event and fans it out to the handler.
func (c *Client) dispatch(data []byte, h Handler) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Warn("undecodable event", "error", err)
		return
	}

	switch head.Type {
	case "StasisStart":
		var ev StasisStart
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bad StasisStart", "error", err)
			return
		}
		h.OnStasisStart(&ev)
	case "StasisEnd":
		var ev StasisEnd
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bad StasisEnd", "error", err)
			return
		}
		h.OnStasisEnd(&ev)
	case "ChannelDestroyed":
		var ev ChannelDestroyed
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bad ChannelDestroyed", "error", err)
			return
		}
		h.OnChannelDestroyed(&ev)
	case "BridgeDestroyed":
		var ev BridgeDestroyed
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bad BridgeDestroyed", "error", err)
			return
		}
		h.OnBridgeDestroyed(&ev)
	default:
		c.logger.Debug("ignoring event", "type", head.Type)
	}
}

// do performs one REST action. A nil out skips response decoding.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := strings.TrimSuffix(c.cfg.URL, "/") + "/ari" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("ari: creating request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("ari: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ari: %s %s: %w", method, path,
			&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("ari: decoding response: %w", err)
		}
	}
	return nil
}

// AnswerChannel answers a ringing channel.
func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// HangupChannel hangs a channel up. A 404 means it is already gone.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

// CreateBridge creates a mixing bridge with a caller-assigned ID.
// proxy_media keeps Asterisk in the media path so the external leg hears
// the caller.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	q := url.Values{}
	q.Set("type", "mixing,proxy_media")
	q.Set("bridgeId", bridgeID)
	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/bridges", q, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBridge fetches a bridge's current state, mainly useful when
// diagnosing stuck calls from an operator shell.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	var b Bridge
	if err := c.do(ctx, http.MethodGet, "/bridges/"+url.PathEscape(bridgeID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DestroyBridge removes a bridge, kicking any remaining channels.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil)
}

// AddChannelToBridge puts a channel into a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// ExternalMedia originates a ulaw-over-RTP external media channel pointed
// at externalHost ("host:port"). The channel ID is caller-assigned so the
// external leg can be mapped back to its call before its StasisStart
// arrives.
func (c *Client) ExternalMedia(ctx context.Context, channelID, externalHost string) (*Channel, error) {
	q := url.Values{}
	q.Set("channelId", channelID)
	q.Set("app", c.cfg.App)
	q.Set("external_host", externalHost)
	q.Set("format", "ulaw")
	q.Set("transport", "udp")
	q.Set("encapsulation", "rtp")
	q.Set("connection_type", "client")
	q.Set("direction", "both")
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ContinueInDialplan sends a channel back to the dialplan at the given
// location. Used for queue handoff after a redirect phrase.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID, dialContext, extension string, priority int) error {
	q := url.Values{}
	q.Set("context", dialContext)
	q.Set("extension", extension)
	q.Set("priority", strconv.Itoa(priority))
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/continue", q, nil)
}
