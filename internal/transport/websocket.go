package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
	"github.com/coder/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20 // 1MB
)

// WebSocketDialer dials the backend assistant channel over a websocket.
type WebSocketDialer struct {
	URL          string
	HTTPClient   *http.Client
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
}

// NewWebSocketDialer creates a dialer for the given ws:// or wss:// URL.
func NewWebSocketDialer(url string, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		URL:          url,
		WriteTimeout: defaultWriteTimeout,
		ReadLimit:    defaultReadLimit,
		Logger:       logger,
	}
}

// Dial opens the websocket, presenting the session token as a bearer credential.
func (d *WebSocketDialer) Dial(ctx context.Context, s *domain.Session) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.Token)
	header.Set("X-PAM-User-ID", s.UserID)
	if s.SessionID != "" {
		header.Set("X-PAM-Session-ID", s.SessionID)
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		te := &Error{Err: fmt.Errorf("dial %s: %w", d.URL, err)}
		if resp != nil {
			te.HTTPStatus = resp.StatusCode
		}
		return nil, te
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	d.Logger.Debug("websocket connected", "url", d.URL, "user_id", s.UserID)
	return &wsConn{conn: conn, writeTimeout: d.WriteTimeout, logger: d.Logger}, nil
}

// wsConn adapts websocket.Conn to Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger
}

func (c *wsConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Envelope{}, wrapCloseError(err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		// Non-JSON or untyped frames are forwarded as raw text.
		return Envelope{Type: TypeRaw, Content: string(data)}, nil
	}
	return env, nil
}

func (c *wsConn) WriteEnvelope(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Type, err)
	}

	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("WebSocket write error", "error", err, "type", env.Type)
		return wrapCloseError(err)
	}
	return nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(code int, reason string) error {
	err := c.conn.Close(websocket.StatusCode(code), reason)
	if err != nil && websocket.CloseStatus(err) == -1 {
		return err
	}
	return nil
}

func wrapCloseError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &Error{Code: int(ce.Code), Reason: ce.Reason, Err: err}
	}
	return err
}
