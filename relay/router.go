package relay

import (
	"encoding/json"
	"sync"
)

// Handler receives the frames of one subscription
type Handler interface {
	OnEvent(subID string, raw json.RawMessage, relayURL string)
	OnEOSE(subID, relayURL string)
}

// ClosedHandler is implemented by handlers that want relay side CLOSED
// notifications
type ClosedHandler interface {
	OnClosed(subID, reason, relayURL string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Event  func(subID string, raw json.RawMessage, relayURL string)
	EOSE   func(subID, relayURL string)
	Closed func(subID, reason, relayURL string)
}

// OnEvent implements Handler
func (h HandlerFuncs) OnEvent(subID string, raw json.RawMessage, relayURL string) {
	if h.Event != nil {
		h.Event(subID, raw, relayURL)
	}
}

// OnEOSE implements Handler
func (h HandlerFuncs) OnEOSE(subID, relayURL string) {
	if h.EOSE != nil {
		h.EOSE(subID, relayURL)
	}
}

// OnClosed implements ClosedHandler
func (h HandlerFuncs) OnClosed(subID, reason, relayURL string) {
	if h.Closed != nil {
		h.Closed(subID, reason, relayURL)
	}
}

// Router maps subscription ids to handlers. Connections only know ids.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a handler to subID, replacing any previous one
func (r *Router) Register(subID string, h Handler) {
	r.mu.Lock()
	r.handlers[subID] = h
	r.mu.Unlock()
}

// Unregister drops the handler of subID
func (r *Router) Unregister(subID string) {
	r.mu.Lock()
	delete(r.handlers, subID)
	r.mu.Unlock()
}

// Len returns the number of routed subscriptions
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *Router) lookup(subID string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[subID]
}

func (r *Router) dispatchEvent(subID string, raw json.RawMessage, relayURL string) {
	if h := r.lookup(subID); h != nil {
		h.OnEvent(subID, raw, relayURL)
	}
}

func (r *Router) dispatchEOSE(subID, relayURL string) {
	if h := r.lookup(subID); h != nil {
		h.OnEOSE(subID, relayURL)
	}
}

func (r *Router) dispatchClosed(subID, reason, relayURL string) {
	if h, ok := r.lookup(subID).(ClosedHandler); ok {
		h.OnClosed(subID, reason, relayURL)
	}
}
