package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
)

// Client is a sequential JSON-RPC client: one call in flight at a time.
// Notifications that arrive while waiting are handed to OnEvent.
type Client struct {
	ws *gws.Conn

	mu     sync.Mutex
	nextID int64

	// OnEvent receives collection_update notifications. May be nil.
	OnEvent func(CollectionParams)
}

// Dial connects to url, such as ws://127.0.0.1:6000/api/current. header
// may carry an Authorization header to authenticate the socket.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	dialer := gws.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindInternal, err, "connect to "+url)
	}
	return &Client{ws: ws}, nil
}

func (c *Client) Close() error {
	_ = c.ws.WriteControl(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.ws.Close()
}

// Call invokes method ("service.name") and decodes its result. Failed calls
// return the typed dispatcher error.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	c.nextID++
	id := c.nextID
	data, err := jsoncodec.Marshal(Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.SetReadDeadline(deadline)
		defer func() {
			_ = c.ws.SetWriteDeadline(time.Time{})
			_ = c.ws.SetReadDeadline(time.Time{})
		}()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.ws.WriteMessage(gws.TextMessage, data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		var msg Message
		if err := jsoncodec.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if msg.Method == CollectionUpdate {
			c.deliver(msg.Params)
			continue
		}
		if !sameID(msg.ID, id) {
			if msg.Error != nil && msg.ID == nil {
				return nil, msg.Error.Err()
			}
			continue
		}
		if msg.Error != nil {
			return nil, msg.Error.Err()
		}
		return msg.Result, nil
	}
}

// Login authenticates the socket with a username and password.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.login(ctx, auth.LoginRequest{Mechanism: auth.MechPasswordPlain, Username: username, Password: password})
}

// LoginWithAPIKey authenticates the socket with an API key.
func (c *Client) LoginWithAPIKey(ctx context.Context, key string) error {
	return c.login(ctx, auth.LoginRequest{Mechanism: auth.MechAPIKeyPlain, APIKey: key})
}

func (c *Client) login(ctx context.Context, req auth.LoginRequest) error {
	res, err := c.Call(ctx, "auth.login_ex", req)
	if err != nil {
		return err
	}
	obj, _ := res.(map[string]any)
	if rt, _ := obj["response_type"].(string); rt != string(auth.ResponseSuccess) {
		return errspkg.New(errspkg.KindUnauthenticated, "login failed: %v", obj["response_type"])
	}
	return nil
}

func (c *Client) deliver(params any) {
	if c.OnEvent == nil {
		return
	}
	var p CollectionParams
	if err := jsoncodec.Convert(params, &p); err == nil {
		c.OnEvent(p)
	}
}

func sameID(got any, want int64) bool {
	switch v := got.(type) {
	case float64:
		return int64(v) == want
	case int64:
		return v == want
	}
	return false
}
