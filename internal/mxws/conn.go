// Package mxws provides the homeserver transport: a REST client for
// sync, key and to-device endpoints, and a JSON-framed WebSocket push
// channel with keep-alive and automatic reconnection.
package mxws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Frame types on the push channel.
const (
	FrameTypePing   = "ping"
	FrameTypePong   = "pong"
	FrameTypeNotify = "notify"
)

// Frame is one JSON message on the push channel. Notify frames tell
// the client new sync data is waiting.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn wraps a WebSocket connection with JSON framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("mxws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and unmarshals the next frame.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("mxws: read: %w", err)
	}
	frame := new(Frame)
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("mxws: unmarshal: %w", err)
	}
	return frame, nil
}

// WriteFrame marshals and sends a frame.
func (c *Conn) WriteFrame(ctx context.Context, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("mxws: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("mxws: write: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
