package mxws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/gwillem/matrix-go/internal/crypto"
	"github.com/gwillem/matrix-go/internal/event"
	"github.com/gwillem/matrix-go/internal/olm"
	"github.com/gwillem/matrix-go/internal/syncer"
)

const oneTimeKeyAlgorithm = "curve25519"

// Client talks to the homeserver REST API. It implements the sync
// loop's transport and the engine's sender and key directory.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client

	// SyncTimeout is the long-poll timeout passed to the server, in
	// milliseconds.
	SyncTimeout int
}

var (
	_ syncer.Transport    = (*Client)(nil)
	_ crypto.Sender       = (*Client)(nil)
	_ crypto.KeyDirectory = (*Client)(nil)
)

// NewClient creates a REST client for the homeserver.
func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{},
		SyncTimeout: 30000,
	}
}

// apiError is the body the server sends with a non-2xx status.
type apiError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// PollSync long-polls /sync for the next batch after the cursor.
func (c *Client) PollSync(ctx context.Context, since string) (*event.SyncResponse, error) {
	query := url.Values{}
	query.Set("timeout", fmt.Sprint(c.SyncTimeout))
	if since != "" {
		query.Set("since", since)
	}

	var result event.SyncResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync?"+query.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendToDevice delivers a to-device event to a single device.
func (c *Client) SendToDevice(ctx context.Context, userID, deviceID, eventType string, content any) error {
	body := map[string]any{
		"messages": map[string]map[string]any{
			userID: {deviceID: content},
		},
	}
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType), uuid.NewString())
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// SendRoomEvent posts an event to a room's timeline and returns the
// event id the server assigned.
func (c *Client) SendRoomEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), uuid.NewString())
	var result struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, content, &result); err != nil {
		return "", err
	}
	return result.EventID, nil
}

// QueryDeviceKeys fetches the published device keys for the given
// users.
func (c *Client) QueryDeviceKeys(ctx context.Context, userIDs []string) ([]event.DeviceKeys, error) {
	wanted := map[string][]string{}
	for _, user := range userIDs {
		wanted[user] = []string{}
	}
	var result struct {
		DeviceKeys map[string]map[string]event.DeviceKeys `json:"device_keys"`
	}
	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/query",
		map[string]any{"device_keys": wanted}, &result)
	if err != nil {
		return nil, err
	}

	var out []event.DeviceKeys
	for _, devices := range result.DeviceKeys {
		for _, keys := range devices {
			out = append(out, keys)
		}
	}
	return out, nil
}

// UploadDeviceKeys publishes the signed device keys document.
func (c *Client) UploadDeviceKeys(ctx context.Context, keys *event.DeviceKeys) error {
	return c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload",
		map[string]any{"device_keys": keys}, nil)
}

// UploadOneTimeKeys publishes fresh one-time keys.
func (c *Client) UploadOneTimeKeys(ctx context.Context, keys map[string]olm.Key) error {
	payload := map[string]string{}
	for id, key := range keys {
		payload[oneTimeKeyAlgorithm+":"+id] = key.B64()
	}
	return c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload",
		map[string]any{"one_time_keys": payload}, nil)
}

// ClaimOneTimeKey claims a one-time key for a device. A zero key with
// nil error means the device has none left.
func (c *Client) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (olm.Key, error) {
	body := map[string]any{
		"one_time_keys": map[string]map[string]string{
			userID: {deviceID: oneTimeKeyAlgorithm},
		},
	}
	var result struct {
		OneTimeKeys map[string]map[string]map[string]string `json:"one_time_keys"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", body, &result); err != nil {
		return olm.Key{}, err
	}

	for id, value := range result.OneTimeKeys[userID][deviceID] {
		if len(id) > len(oneTimeKeyAlgorithm) && id[:len(oneTimeKeyAlgorithm)] == oneTimeKeyAlgorithm {
			return olm.KeyFromB64(value)
		}
	}
	return olm.Key{}, nil
}

// do runs one API call, decoding the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mxws: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mxws: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mxws: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mxws: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.ErrCode == "M_UNKNOWN_POS" {
			return fmt.Errorf("mxws: %s: %w", apiErr.ErrCode, syncer.ErrCursorRejected)
		}
		return fmt.Errorf("mxws: %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("mxws: unmarshal response: %w", err)
		}
	}
	return nil
}
