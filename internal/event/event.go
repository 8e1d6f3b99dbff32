// Package event defines the typed descriptions every mutation produces and
// the ordered handler chain they are delivered through. Delivery to the
// outside world (webhooks, mail) is a consumer concern; the core only emits.
package event

import (
	"context"
	"time"

	"idcore/internal/document"
	"idcore/internal/identity"
)

// Type names a mutation.
type Type string

const (
	UserCreated     Type = "user.created"
	UserUpdated     Type = "user.updated"
	UserDeleted     Type = "user.deleted"
	RoleCreated     Type = "role.created"
	RoleUpdated     Type = "role.updated"
	RoleDeleted     Type = "role.deleted"
	PasswordChanged Type = "password.changed"
	PasswordReset   Type = "password.reset"
)

// Event describes one successful mutation. Prior is set for updates and
// deletes; Extra carries flow-specific payloads such as the reset link.
type Event struct {
	MembershipID string
	Type         Type
	Utilizer     identity.Utilizer
	Document     document.Document
	Prior        document.Document
	Extra        document.Document
	At           time.Time
}

// Handler consumes an event after the persistence write that produced it has
// committed. Handlers run synchronously and in registration order; the
// mutating call does not return until every handler has.
type Handler func(ctx context.Context, evt Event)

// Emitter dispatches events to an explicit ordered handler list.
type Emitter struct {
	handlers []Handler
	now      func() time.Time
}

// NewEmitter builds an emitter with the given initial handlers.
func NewEmitter(handlers ...Handler) *Emitter {
	return &Emitter{handlers: handlers, now: time.Now}
}

// Register appends a handler. Registration happens during wiring, before any
// operation runs; the emitter is not safe for concurrent registration.
func (e *Emitter) Register(h Handler) {
	e.handlers = append(e.handlers, h)
}

// Emit stamps and delivers the event in handler registration order.
func (e *Emitter) Emit(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = e.now().UTC()
	}
	for _, h := range e.handlers {
		h(ctx, evt)
	}
}
