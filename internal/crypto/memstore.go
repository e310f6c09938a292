package crypto

import "sync"

// MemoryStore is an in-memory Store used in tests and by isolated
// engine instances that do not need durability.
type MemoryStore struct {
	mu sync.Mutex

	account  []byte
	sessions map[string]map[string][]byte // senderKey -> sessionID -> pickle
	active   map[string]string            // senderKey -> sessionID

	inboundGroup  map[string][]byte // roomID|senderKey|sessionID -> pickle
	outboundGroup map[string][]byte // roomID -> pickle

	devices map[string]*DeviceRecord // userID|deviceID

	shared map[string]map[string]bool // roomID|sessionID -> device key set

	keyRequests map[string]*KeyRequestRecord // roomID|sessionID

	cursor string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      map[string]map[string][]byte{},
		active:        map[string]string{},
		inboundGroup:  map[string][]byte{},
		outboundGroup: map[string][]byte{},
		devices:       map[string]*DeviceRecord{},
		shared:        map[string]map[string]bool{},
		keyRequests:   map[string]*KeyRequestRecord{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) LoadAccount() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return nil, nil
	}
	return append([]byte(nil), m.account...), nil
}

func (m *MemoryStore) SaveAccount(pickle []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = append([]byte(nil), pickle...)
	return nil
}

func (m *MemoryStore) SessionsForPeer(senderKey string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]byte{}
	for id, pickle := range m.sessions[senderKey] {
		out[id] = append([]byte(nil), pickle...)
	}
	return out, nil
}

func (m *MemoryStore) ActiveSessionID(senderKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[senderKey], nil
}

func (m *MemoryStore) PutSession(senderKey, sessionID string, pickle []byte, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[senderKey] == nil {
		m.sessions[senderKey] = map[string][]byte{}
	}
	m.sessions[senderKey][sessionID] = append([]byte(nil), pickle...)
	if active {
		m.active[senderKey] = sessionID
	}
	return nil
}

func groupKey(roomID, senderKey, sessionID string) string {
	return roomID + "|" + senderKey + "|" + sessionID
}

func (m *MemoryStore) PutInboundGroupSession(roomID, senderKey, sessionID string, pickle []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inboundGroup[groupKey(roomID, senderKey, sessionID)] = append([]byte(nil), pickle...)
	return nil
}

func (m *MemoryStore) GetInboundGroupSession(roomID, senderKey, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pickle, ok := m.inboundGroup[groupKey(roomID, senderKey, sessionID)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), pickle...), nil
}

func (m *MemoryStore) PutOutboundGroupSession(roomID string, pickle []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboundGroup[roomID] = append([]byte(nil), pickle...)
	return nil
}

func (m *MemoryStore) GetOutboundGroupSession(roomID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pickle, ok := m.outboundGroup[roomID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), pickle...), nil
}

func (m *MemoryStore) GetDevice(userID, deviceID string) (*DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.devices[userID+"|"+deviceID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (m *MemoryStore) UpsertDevice(record *DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *record
	m.devices[record.Key()] = &clone
	return nil
}

func (m *MemoryStore) DevicesForUser(userID string) ([]*DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeviceRecord
	for _, record := range m.devices {
		if record.UserID == userID {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryStore) SharedWith(roomID, sessionID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for k := range m.shared[roomID+"|"+sessionID] {
		out[k] = true
	}
	return out, nil
}

func (m *MemoryStore) MarkSharedWith(roomID, sessionID string, deviceKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roomID + "|" + sessionID
	if m.shared[key] == nil {
		m.shared[key] = map[string]bool{}
	}
	for _, dk := range deviceKeys {
		m.shared[key][dk] = true
	}
	return nil
}

func (m *MemoryStore) PutKeyRequest(record *KeyRequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *record
	m.keyRequests[record.RoomID+"|"+record.SessionID] = &clone
	return nil
}

func (m *MemoryStore) GetKeyRequest(roomID, sessionID string) (*KeyRequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.keyRequests[roomID+"|"+sessionID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (m *MemoryStore) DeleteKeyRequest(roomID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyRequests, roomID+"|"+sessionID)
	return nil
}

func (m *MemoryStore) ListKeyRequests() ([]*KeyRequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*KeyRequestRecord
	for _, record := range m.keyRequests {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

// GetCursor returns the persisted sync cursor, or "".
func (m *MemoryStore) GetCursor() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

// PutCursor persists the sync cursor.
func (m *MemoryStore) PutCursor(cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor
	return nil
}
