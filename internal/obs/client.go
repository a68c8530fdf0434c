// Package obs is a minimal OBS Studio WebSocket v5 client. It implements the
// overlay sink (scene item visibility and image swaps) and the one-off scene
// provisioning run at startup.
//
// A [Client] owns at most one connection at a time. When the connection drops,
// [Client.Done] is closed and every call fails with [ErrNotConnected] until
// [Client.Connect] succeeds again; [Reconnector] automates that.
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/pngtuberbot/internal/overlay"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Compile-time interface assertions.
var (
	_ overlay.Sink      = (*Client)(nil)
	_ overlay.ImageSink = (*Client)(nil)
	_ overlay.FadeSink  = (*Client)(nil)
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second

	// readLimit bounds a single message; scene item lists can be large.
	readLimit = 4 << 20
)

// Config configures a [Client].
type Config struct {
	// Host and Port of the OBS WebSocket server. Default: localhost:4455.
	Host string
	Port int

	// Password is the OBS WebSocket password. Empty disables authentication.
	Password string

	// Scene is the scene that holds the overlay's scene items.
	Scene string

	// RequestTimeout bounds calls whose context has no deadline. Default: 5s.
	RequestTimeout time.Duration

	// DialTimeout bounds the connect and identify handshake. Default: 10s.
	DialTimeout time.Duration
}

// Client is an OBS WebSocket v5 client.
//
// Client is safe for concurrent use.
type Client struct {
	cfg Config
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	pending map[string]chan responseData
	version string

	itemsMu sync.Mutex
	items   map[string]int           // source name -> scene item id
	filters map[string]opacityFilter // source name -> fade filter
}

// New returns an unconnected Client.
func New(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 4455
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	done := make(chan struct{})
	close(done)
	return &Client{
		cfg:     cfg,
		url:     "ws://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		done:    done,
		pending: make(map[string]chan responseData),
		items:   make(map[string]int),
		filters: make(map[string]opacityFilter),
	}
}

// URL returns the WebSocket URL the client dials.
func (c *Client) URL() string {
	return c.url
}

// ServerVersion returns the obs-websocket version reported by the last
// successful handshake.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Scene returns the configured scene name.
func (c *Client) Scene() string {
	return c.cfg.Scene
}

// Connect dials OBS and completes the Hello/Identify handshake. It is a no-op
// while a connection is open. The scene item and filter caches are cleared
// on every new connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		Subprotocols: []string{"obswebsocket.json"},
	})
	if err != nil {
		return fmt.Errorf("obs: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	version, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return err
	}

	c.itemsMu.Lock()
	clear(c.items)
	clear(c.filters)
	c.itemsMu.Unlock()

	done := make(chan struct{})
	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return nil
	}
	c.conn = conn
	c.done = done
	c.version = version
	c.mu.Unlock()

	go c.readLoop(conn)

	slog.Info("obs: connected", "url", c.url, "obs_websocket_version", version)
	return nil
}

// handshake reads Hello, sends Identify and waits for Identified.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	var hello helloData
	if err := readOp(ctx, conn, opHello, &hello); err != nil {
		return "", fmt.Errorf("obs: hello: %w", err)
	}

	ident := identifyData{RPCVersion: rpcVersion}
	if hello.Authentication != nil {
		ident.Authentication = authString(c.cfg.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	payload, err := encode(opIdentify, ident)
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return "", fmt.Errorf("obs: identify: %w", err)
	}

	var identified identifiedData
	if err := readOp(ctx, conn, opIdentified, &identified); err != nil {
		if websocket.CloseStatus(err) == closeAuthenticationFailed {
			return "", ErrAuthFailed
		}
		return "", fmt.Errorf("obs: identified: %w", err)
	}
	return hello.ObsWebSocketVersion, nil
}

// readOp reads messages until one with the wanted op code arrives.
func readOp(ctx context.Context, conn *websocket.Conn, op int, out any) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		if env.Op != op {
			continue
		}
		if err := json.Unmarshal(env.D, out); err != nil {
			return fmt.Errorf("decode op %d: %w", op, err)
		}
		return nil
	}
}

// readLoop routes request responses to their callers until conn fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.drop(conn, err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("obs: ignoring malformed message", "err", err)
			continue
		}
		if env.Op != opRequestResponse {
			continue
		}
		var resp responseData
		if err := json.Unmarshal(env.D, &resp); err != nil {
			slog.Debug("obs: ignoring malformed response", "err", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// drop retires conn after a read failure.
func (c *Client) drop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	slog.Warn("obs: connection lost", "url", c.url, "err", err)
	conn.Close(websocket.StatusGoingAway, "read failed")
}

// Done returns a channel that is closed when the current connection is lost
// or closed. Before the first Connect it is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the connection. It is safe to call on a closed client.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	return conn.Close(websocket.StatusNormalClosure, "closing")
}

// Call sends one request and decodes the response data into out (which may be
// nil). A non-success status is returned as a [*RequestError].
func (c *Client) Call(ctx context.Context, requestType string, data, out any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("obs: %s: %w", requestType, ErrNotConnected)
	}
	id := uuid.NewString()
	ch := make(chan responseData, 1)
	c.pending[id] = ch
	done := c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	payload, err := encode(opRequest, requestData{RequestType: requestType, RequestID: id, RequestData: data})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("obs: %s: write: %w", requestType, err)
	}

	var resp responseData
	select {
	case resp = <-ch:
	case <-done:
		return fmt.Errorf("obs: %s: %w", requestType, ErrNotConnected)
	case <-ctx.Done():
		return fmt.Errorf("obs: %s: %w", requestType, ctx.Err())
	}

	if !resp.RequestStatus.Result {
		return &RequestError{
			RequestType: requestType,
			Code:        resp.RequestStatus.Code,
			Comment:     resp.RequestStatus.Comment,
		}
	}
	if out != nil && len(resp.ResponseData) > 0 {
		if err := json.Unmarshal(resp.ResponseData, out); err != nil {
			return fmt.Errorf("obs: %s: decode response: %w", requestType, err)
		}
	}
	return nil
}

// GetVersion returns the OBS and plugin versions.
func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	var v Version
	err := c.Call(ctx, "GetVersion", nil, &v)
	return v, err
}

// SceneItemID resolves the scene item id of source in the configured scene.
// Results are cached per connection.
func (c *Client) SceneItemID(ctx context.Context, source string) (int, error) {
	c.itemsMu.Lock()
	id, ok := c.items[source]
	c.itemsMu.Unlock()
	if ok {
		return id, nil
	}

	var resp struct {
		SceneItemID int `json:"sceneItemId"`
	}
	err := c.Call(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  c.cfg.Scene,
		"sourceName": source,
	}, &resp)
	if err != nil {
		return 0, err
	}

	c.itemsMu.Lock()
	c.items[source] = resp.SceneItemID
	c.itemsMu.Unlock()
	return resp.SceneItemID, nil
}

func (c *Client) forgetItem(source string) {
	c.itemsMu.Lock()
	delete(c.items, source)
	c.itemsMu.Unlock()
}

// SetVisible implements [overlay.Sink]. A stale cached id is re-resolved once.
func (c *Client) SetVisible(ctx context.Context, name string, visible bool) error {
	err := c.setVisible(ctx, name, visible)
	if IsNotFound(err) {
		c.forgetItem(name)
		err = c.setVisible(ctx, name, visible)
	}
	return err
}

func (c *Client) setVisible(ctx context.Context, name string, visible bool) error {
	id, err := c.SceneItemID(ctx, name)
	if err != nil {
		return err
	}
	return c.SetItemEnabled(ctx, id, visible)
}

// SetItemEnabled shows or hides the scene item with the given id.
func (c *Client) SetItemEnabled(ctx context.Context, id int, enabled bool) error {
	return c.Call(ctx, "SetSceneItemEnabled", map[string]any{
		"sceneName":        c.cfg.Scene,
		"sceneItemId":      id,
		"sceneItemEnabled": enabled,
	}, nil)
}

// SetImage implements [overlay.ImageSink] by replacing the file of an image
// source.
func (c *Client) SetImage(ctx context.Context, source, file string) error {
	return c.Call(ctx, "SetInputSettings", map[string]any{
		"inputName":     source,
		"inputSettings": map[string]any{"file": file},
		"overlay":       true,
	}, nil)
}
