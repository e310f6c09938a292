package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gwillem/matrix-go/internal/event"
)

// HandleToDeviceEvent routes one to-device event from sync through the
// engine. Undecryptable or malformed events are consumed with an error;
// the sync loop logs and moves on, it never stalls on one event.
func (m *Machine) HandleToDeviceEvent(ctx context.Context, ev *event.ToDeviceEvent) error {
	switch {
	case ev.Type == event.TypeRoomEncrypted:
		return m.handleEncryptedToDevice(ctx, ev)

	case ev.Type == event.TypeRoomKeyRequest:
		var content event.RoomKeyRequestContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("crypto: key request content: %w", err)
		}
		m.HandleKeyRequest(ctx, ev.Sender, &content)
		return nil

	case strings.HasPrefix(ev.Type, "m.key.verification."):
		return m.handleVerificationEvent(ctx, ev.Sender, ev.Type, ev.Content)
	}
	return nil
}

func (m *Machine) handleEncryptedToDevice(ctx context.Context, ev *event.ToDeviceEvent) error {
	var payload event.OlmPayload
	if err := json.Unmarshal(ev.Content, &payload); err != nil {
		return fmt.Errorf("crypto: encrypted content: %w", err)
	}
	if payload.Algorithm != event.AlgorithmOlm {
		return fmt.Errorf("crypto: unexpected to-device algorithm %q", payload.Algorithm)
	}

	inner, err := m.DecryptToDevice(ev.Sender, &payload)
	if err != nil {
		return err
	}

	switch inner.Type {
	case event.TypeRoomKey:
		var content event.RoomKeyContent
		if err := json.Unmarshal(inner.Content, &content); err != nil {
			return fmt.Errorf("crypto: room key content: %w", err)
		}
		return m.handleRoomKey(payload.SenderKey, &content)

	case event.TypeForwardedRoomKey:
		var content event.ForwardedRoomKeyContent
		if err := json.Unmarshal(inner.Content, &content); err != nil {
			return fmt.Errorf("crypto: forwarded room key content: %w", err)
		}
		return m.handleForwardedRoomKey(inner.Sender, payload.SenderKey, &content)
	}

	m.logf("crypto: unhandled encrypted to-device type %q from %s", inner.Type, inner.Sender)
	return nil
}
