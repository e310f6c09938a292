// Package event defines the wire types exchanged with the homeserver:
// sync responses, room state events, to-device events, and the payload
// shapes for key distribution and verification.
package event

import (
	"encoding/json"

	"github.com/gwillem/matrix-go/internal/olm"
)

// Event type identifiers.
const (
	TypeRoomEncrypted    = "m.room.encrypted"
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeRoomMember       = "m.room.member"
	TypeRoomEncryption   = "m.room.encryption"
	TypeRoomPowerLevels  = "m.room.power_levels"
	TypeRoomMessage      = "m.room.message"

	TypeVerificationRequest = "m.key.verification.request"
	TypeVerificationReady   = "m.key.verification.ready"
	TypeVerificationStart   = "m.key.verification.start"
	TypeVerificationKey     = "m.key.verification.key"
	TypeVerificationMac     = "m.key.verification.mac"
	TypeVerificationDone    = "m.key.verification.done"
	TypeVerificationCancel  = "m.key.verification.cancel"
)

// Encryption algorithm identifiers.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-hkdf-chacha20"
	AlgorithmMegolm = "m.megolm.v1.hkdf-chacha20"
)

// Membership states.
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// StateEvent is a room state event from sync.
type StateEvent struct {
	RoomID         string          `json:"room_id,omitempty"`
	EventID        string          `json:"event_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       string          `json:"state_key"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// RoomEvent is a timeline event from sync.
type RoomEvent struct {
	RoomID         string          `json:"room_id,omitempty"`
	EventID        string          `json:"event_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// ToDeviceEvent is a direct device-to-device event from sync.
type ToDeviceEvent struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership string `json:"membership"`
}

// EncryptionContent is the content of an m.room.encryption event.
// Rotation overrides of zero mean "use the client default".
type EncryptionContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMS   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int64  `json:"rotation_period_msgs,omitempty"`
}

// PowerLevelsContent is the content of an m.room.power_levels event,
// reduced to the fields that gate send rights.
type PowerLevelsContent struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  int            `json:"users_default,omitempty"`
	EventsDefault int            `json:"events_default,omitempty"`
}

// OlmPayload is the content of an m.room.encrypted to-device event. The
// inner plaintext of Message is a serialised OlmPlaintext.
type OlmPayload struct {
	Algorithm string      `json:"algorithm"`
	SenderKey string      `json:"sender_key"`
	Message   olm.Message `json:"message"`
}

// OlmPlaintext is the authenticated inner payload of an olm-encrypted
// to-device message. Sender and recipient identities are bound inside
// the ciphertext so a compromised server cannot re-attribute it.
type OlmPlaintext struct {
	Sender        string          `json:"sender"`
	SenderDevice  string          `json:"sender_device"`
	SenderKeys    map[string]string `json:"keys"`
	Recipient     string          `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
}

// MegolmPayload is the content of an m.room.encrypted room event.
type MegolmPayload struct {
	Algorithm string           `json:"algorithm"`
	SenderKey string           `json:"sender_key"`
	DeviceID  string           `json:"device_id"`
	SessionID string           `json:"session_id"`
	Message   olm.GroupMessage `json:"message"`
}

// MegolmPlaintext is the inner payload of a megolm-encrypted room event.
type MegolmPlaintext struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	Content json.RawMessage `json:"content"`
}

// RoomKeyContent is the content of an m.room_key to-device event,
// always delivered olm-encrypted.
type RoomKeyContent struct {
	Algorithm  string          `json:"algorithm"`
	RoomID     string          `json:"room_id"`
	SessionID  string          `json:"session_id"`
	SessionKey *olm.SessionKey `json:"session_key"`
}

// ForwardedRoomKeyContent is the content of an m.forwarded_room_key
// to-device event answering a key request.
type ForwardedRoomKeyContent struct {
	Algorithm       string          `json:"algorithm"`
	RoomID          string          `json:"room_id"`
	SessionID       string          `json:"session_id"`
	SenderKey       string          `json:"sender_key"`
	SessionKey      *olm.SessionKey `json:"session_key"`
	ForwardingChain []string        `json:"forwarding_curve25519_key_chain"`
}

// Key request actions.
const (
	KeyRequestActionRequest      = "request"
	KeyRequestActionCancellation = "request_cancellation"
)

// RoomKeyRequestContent is the content of an m.room_key_request
// to-device event. Sent in clear; the answer is always encrypted.
type RoomKeyRequestContent struct {
	Action             string             `json:"action"`
	Body               *RoomKeyRequestKey `json:"body,omitempty"`
	RequestingDeviceID string             `json:"requesting_device_id"`
	RequestID          string             `json:"request_id"`
}

// RoomKeyRequestKey identifies the session being requested.
type RoomKeyRequestKey struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id"`
	SenderKey string `json:"sender_key"`
}

// DeviceKeys is a device's published identity keys, signed by the
// device's ed25519 key.
type DeviceKeys struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// CurveKey returns the device's curve25519 identity key, or "".
func (d *DeviceKeys) CurveKey() string {
	return d.Keys["curve25519:"+d.DeviceID]
}

// Ed25519Key returns the device's ed25519 signing key, or "".
func (d *DeviceKeys) Ed25519Key() string {
	return d.Keys["ed25519:"+d.DeviceID]
}

// SignedJSON returns the canonical bytes covered by the device
// signature: the struct with the signatures field removed.
func (d *DeviceKeys) SignedJSON() ([]byte, error) {
	clone := *d
	clone.Signatures = nil
	return json.Marshal(&clone)
}

// Verification payloads. All carry the transaction id scoping the flow.

type VerificationRequestContent struct {
	FromDevice    string   `json:"from_device"`
	TransactionID string   `json:"transaction_id"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp"`
}

type VerificationReadyContent struct {
	FromDevice    string   `json:"from_device"`
	TransactionID string   `json:"transaction_id"`
	Methods       []string `json:"methods"`
}

type VerificationStartContent struct {
	FromDevice    string   `json:"from_device"`
	TransactionID string   `json:"transaction_id"`
	Method        string   `json:"method"`
	Hashes        []string `json:"hashes,omitempty"`
	SASMethods    []string `json:"short_authentication_string,omitempty"`
}

type VerificationKeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

type VerificationMacContent struct {
	TransactionID string            `json:"transaction_id"`
	MAC           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

type VerificationDoneContent struct {
	TransactionID string `json:"transaction_id"`
}

type VerificationCancelContent struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// SyncResponse is one batch of deltas from the homeserver.
type SyncResponse struct {
	NextBatch   string          `json:"next_batch"`
	DeviceLists DeviceListDelta `json:"device_lists"`
	ToDevice    struct {
		Events []ToDeviceEvent `json:"events"`
	} `json:"to_device"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
	Rooms                  struct {
		Join map[string]JoinedRoomDelta `json:"join"`
	} `json:"rooms"`
}

// DeviceListDelta lists users whose device lists changed since the
// previous batch.
type DeviceListDelta struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// JoinedRoomDelta is the per-room portion of a sync batch.
type JoinedRoomDelta struct {
	State struct {
		Events []StateEvent `json:"events"`
	} `json:"state"`
	Timeline struct {
		Events    []RoomEvent `json:"events"`
		Limited   bool        `json:"limited,omitempty"`
		PrevBatch string      `json:"prev_batch,omitempty"`
	} `json:"timeline"`
}
