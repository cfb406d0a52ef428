// Package dispatch implements JennyNet's listener fan-out (spec.md §4.4
// "listener set", design note "Polymorphism over listeners").
//
// Grounded on the teacher's middleware package: the same onion-decorator shape
// (HandlerFunc / Middleware / Chain), generalised from "wrap the business RPC
// handler" to "wrap the delivery of one Event to one Listener". Each interceptor
// below adapts one of the teacher's concrete middlewares to a concern that
// actually exists in JennyNet's design: structured delivery logging, a warning
// (not cancelling — listeners may legitimately block, spec.md §5) when a listener
// exceeds the configured deliver-tolerance, and panic containment so one
// misbehaving listener cannot take down fan-out to the others.
package dispatch

import (
	"log"

	"jennynet/object"
)

// HandlerFunc delivers one event to one listener.
type HandlerFunc func(ev *object.Event)

// Interceptor wraps a HandlerFunc, the decorator pattern the teacher calls
// Middleware.
type Interceptor func(next HandlerFunc) HandlerFunc

// Chain composes interceptors so the first one listed is the outermost layer,
// exactly as middleware.Chain does: Chain(A, B, C)(h) == A(B(C(h))).
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

// Listener is the capability set a connection or server notifies (design note
// "Polymorphism over listeners, serialisers, assemblers" — a capability set
// rather than a deep class hierarchy). Any subset of these may be nil.
type Listener struct {
	OnEvent        func(ev *object.Event)
	OnObject       func(ev *object.Event)
	OnTransmission func(ev *object.Event)
}

// Set is a value-typed collection of Listeners, fanned out to on every Event.
type Set struct {
	listeners []Listener
	pipeline  HandlerFunc
}

// NewSet builds a dispatch Set whose delivery to each listener passes through the
// given interceptor chain (use Chain() with zero interceptors for none).
func NewSet(chain Interceptor) *Set {
	s := &Set{}
	s.pipeline = chain(s.deliverToAll)
	return s
}

// Add registers l; listeners are held by value, matching design note guidance.
func (s *Set) Add(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Dispatch delivers ev to every registered listener through the interceptor
// chain, synchronously on the caller's goroutine (the caller — conn's delivery
// worker — decides GLOBAL vs INDIVIDUAL threading, see conn/config.go).
func (s *Set) Dispatch(ev *object.Event) {
	s.pipeline(ev)
}

// deliverToAll calls every listener in turn, recovering from a panic in any one
// of them so it cannot prevent delivery to the rest (see PanicRecovery for the
// reasoning — this is applied per listener, not once around the whole loop,
// since a single recover() around the loop would still skip every listener after
// the one that panicked).
func (s *Set) deliverToAll(ev *object.Event) {
	for _, l := range s.listeners {
		deliverOneSafely(l, ev)
	}
}

func deliverOneSafely(l Listener, ev *object.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("jennynet: listener panicked handling event=%s object=%d: %v", ev.Kind, ev.ObjectID, r)
		}
	}()
	deliverOne(l, ev)
}

func deliverOne(l Listener, ev *object.Event) {
	if l.OnEvent != nil {
		l.OnEvent(ev)
	}
	switch ev.Kind {
	case object.EventObjectReceived, object.EventDataReceived:
		if l.OnObject != nil {
			l.OnObject(ev)
		}
	case object.EventFileSending, object.EventFileIncoming, object.EventFileReceived,
		object.EventFileConfirmed, object.EventFileAborted:
		if l.OnTransmission != nil {
			l.OnTransmission(ev)
		}
	}
}
