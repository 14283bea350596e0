// Package registry binds transport sessions to device identities. It is
// the single source of truth for which devices are currently reachable.
package registry

import "sync"

// Session is one live transport connection, device- or observer-side.
// Implemented by the websocket client.
type Session interface {
	// SessionID uniquely identifies the connection instance.
	SessionID() string

	// Push queues an outbound frame on the session. It must not block;
	// a full outbound queue is an error.
	Push(payload []byte) error
}

// Registry is the session↔device relation. All three operations run
// under one mutex; they are the only writers of the relation.
type Registry struct {
	mu        sync.Mutex
	byDevice  map[string]Session
	bySession map[string]string // session id → device id
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byDevice:  make(map[string]Session),
		bySession: make(map[string]string),
	}
}

// Bind atomically associates a session with a device id. If the device
// was already bound to a different session, that binding is replaced and
// the superseded session is returned; its future events no longer
// resolve through the registry. Binding an unknown device id is not an
// error: first registration creates it.
func (r *Registry) Bind(session Session, deviceID string) (superseded Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byDevice[deviceID]; ok && prev.SessionID() != session.SessionID() {
		delete(r.bySession, prev.SessionID())
		superseded = prev
	}

	// A session re-registering as a different device releases its old
	// identity first.
	if prevDevice, ok := r.bySession[session.SessionID()]; ok && prevDevice != deviceID {
		delete(r.byDevice, prevDevice)
	}

	r.byDevice[deviceID] = session
	r.bySession[session.SessionID()] = deviceID
	return superseded
}

// Unbind removes the session's binding. It returns the device id and
// true when this session was the current holder, meaning the device has
// lost its last session and should transition offline. A superseded
// session unbinding later is a no-op.
func (r *Registry) Unbind(session Session) (deviceID string, wasLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.bySession[session.SessionID()]
	if !ok {
		return "", false
	}
	delete(r.bySession, session.SessionID())

	current, ok := r.byDevice[deviceID]
	if ok && current.SessionID() == session.SessionID() {
		delete(r.byDevice, deviceID)
		return deviceID, true
	}
	return "", false
}

// Resolve returns the live session for a device, if any. Used by the
// dispatcher to find a delivery target.
func (r *Registry) Resolve(deviceID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDevice[deviceID]
	return s, ok
}

// IsCurrent reports whether the session is still the authoritative
// binding for the device. Events from superseded sessions are dropped
// by callers when this returns false.
func (r *Registry) IsCurrent(session Session, deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byDevice[deviceID]
	return ok && current.SessionID() == session.SessionID()
}
