// Package events delivers profile lifecycle notifications to registered
// listeners. Delivery is synchronous and in registration order; a panicking
// listener is recovered and logged so it cannot take down the caller or
// starve later listeners.
package events

import (
	"log/slog"
	"sync"

	"github.com/kagami-ai/kagami/internal/model"
)

// Update reports fields that changed in a committed write. Profile is the
// full post-merge snapshot, so subscribers can act on the new state without
// a read back.
type Update struct {
	Subject string
	Updated map[string]any
	Profile map[string]any
	ETag    string
}

// Conflict reports candidates the merge turned away.
type Conflict struct {
	Subject    string
	Rejections []model.Rejection
}

// ObserveComplete reports a finished asynchronous observation.
type ObserveComplete struct {
	Subject   string
	RequestID string
	Profile   map[string]any
	Extracted map[string]any
	Updated   map[string]any
	Err       error
}

// Listener receives profile lifecycle events.
type Listener interface {
	OnUpdate(Update)
	OnConflict(Conflict)
	OnObserveComplete(ObserveComplete)
}

// Emitter fans events out to listeners.
type Emitter struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

// NewEmitter creates an emitter that logs recovered listener panics.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{logger: logger}
}

// Register adds a listener. Listeners are notified in registration order.
func (e *Emitter) Register(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Update notifies all listeners of a committed write.
func (e *Emitter) Update(ev Update) {
	for _, l := range e.snapshot() {
		e.deliver("update", func() { l.OnUpdate(ev) })
	}
}

// Conflict notifies all listeners of merge rejections.
func (e *Emitter) Conflict(ev Conflict) {
	for _, l := range e.snapshot() {
		e.deliver("conflict", func() { l.OnConflict(ev) })
	}
}

// ObserveComplete notifies all listeners that an observation finished.
func (e *Emitter) ObserveComplete(ev ObserveComplete) {
	for _, l := range e.snapshot() {
		e.deliver("observe_complete", func() { l.OnObserveComplete(ev) })
	}
}

func (e *Emitter) snapshot() []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Listener, len(e.listeners))
	copy(out, e.listeners)
	return out
}

func (e *Emitter) deliver(kind string, notify func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("event listener panicked", "event", kind, "panic", r)
		}
	}()
	notify()
}
