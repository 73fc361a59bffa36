package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoSuchDevice is returned by Send when no socket is
// registered for the requested (user_id, device_id).
var ErrNoSuchDevice = fmt.Errorf("relay: no such device")

// socketHandle wraps one desktop's live connection. gorilla/websocket
// forbids concurrent writes to the same connection, so every write goes
// through writeMu.
type socketHandle struct {
	conn     *websocket.Conn
	name     string
	writeMu  sync.Mutex
	lastSeen time.Time
}

func (h *socketHandle) writeJSON(v *Envelope) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteJSON(v)
}

func (h *socketHandle) touch() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.lastSeen = time.Now()
}

func (h *socketHandle) idleSince() time.Time {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.lastSeen
}

// Hub holds the concurrent user_id -> device_id -> live_socket_handle
// map. Entries are never mutated in place by anything other
// than their owning connection's goroutines; Register/Unregister/Send all
// take the hub lock only long enough to look up or swap a map entry.
type Hub struct {
	mu      sync.RWMutex
	devices map[string]map[string]*socketHandle
}

// NewHub creates an empty device hub.
func NewHub() *Hub {
	return &Hub{devices: make(map[string]map[string]*socketHandle)}
}

// ConnectionCount reports the number of live device sockets across every
// user, for metrics reporting.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, devices := range h.devices {
		total += len(devices)
	}
	return total
}

// Register adds (or replaces) the live connection for (userID, deviceID)
// and sends a "registered" envelope carrying the session on the socket.
func (h *Hub) Register(userID, deviceID, name string, conn *websocket.Conn, session *RelaySession) error {
	handle := &socketHandle{conn: conn, name: name, lastSeen: time.Now()}

	h.mu.Lock()
	if h.devices[userID] == nil {
		h.devices[userID] = make(map[string]*socketHandle)
	}
	h.devices[userID][deviceID] = handle
	h.mu.Unlock()

	return handle.writeJSON(&Envelope{
		Type:        MessageTypeRegistered,
		DeviceID:    deviceID,
		SessionID:   session.SessionID,
		ResumeToken: session.ResumeToken,
	})
}

// Unregister removes the mapping for (userID, deviceID). It is a no-op if
// no such mapping exists.
func (h *Hub) Unregister(userID, deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	devices, ok := h.devices[userID]
	if !ok {
		return
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(h.devices, userID)
	}
}

// Send writes msg to the device's live socket. It fails with
// ErrNoSuchDevice if the device is not currently registered.
func (h *Hub) Send(userID, deviceID string, msg *Envelope) error {
	handle := h.lookup(userID, deviceID)
	if handle == nil {
		return ErrNoSuchDevice
	}
	return handle.writeJSON(msg)
}

// Broadcast writes msg to every device currently registered for userID,
// returning the number of sockets it was delivered to.
func (h *Hub) Broadcast(userID string, msg *Envelope) int {
	h.mu.RLock()
	handles := make([]*socketHandle, 0, len(h.devices[userID]))
	for _, handle := range h.devices[userID] {
		handles = append(handles, handle)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, handle := range handles {
		if err := handle.writeJSON(msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// Touch records activity (a received pong or inbound frame) on
// (userID, deviceID), used by CleanupStale to find idle connections.
func (h *Hub) Touch(userID, deviceID string) {
	if handle := h.lookup(userID, deviceID); handle != nil {
		handle.touch()
	}
}

// CleanupStale closes and unregisters every connection that has been idle
// longer than maxIdle, returning the number pruned. Intended to be driven
// by the same interval sweeper as the session store.
func (h *Hub) CleanupStale(maxIdle time.Duration) int {
	type key struct{ userID, deviceID string }

	h.mu.RLock()
	var stale []key
	now := time.Now()
	for userID, devices := range h.devices {
		for deviceID, handle := range devices {
			if now.Sub(handle.idleSince()) > maxIdle {
				stale = append(stale, key{userID, deviceID})
			}
		}
	}
	h.mu.RUnlock()

	for _, k := range stale {
		if handle := h.lookup(k.userID, k.deviceID); handle != nil {
			_ = handle.conn.Close()
		}
		h.Unregister(k.userID, k.deviceID)
	}
	return len(stale)
}

func (h *Hub) lookup(userID, deviceID string) *socketHandle {
	h.mu.RLock()
	defer h.mu.RUnlock()

	devices, ok := h.devices[userID]
	if !ok {
		return nil
	}
	return devices[deviceID]
}

// IsRegistered reports whether a live connection is currently mapped for
// (userID, deviceID), for tests and diagnostics.
func (h *Hub) IsRegistered(userID, deviceID string) bool {
	return h.lookup(userID, deviceID) != nil
}
