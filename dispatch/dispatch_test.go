package dispatch

import (
	"testing"
	"time"

	"jennynet/object"
)

func TestDispatchRoutesOnEvent(t *testing.T) {
	set := NewSet(Chain())
	var gotEvent, gotObject, gotTransmission bool
	set.Add(Listener{
		OnEvent:        func(ev *object.Event) { gotEvent = true },
		OnObject:       func(ev *object.Event) { gotObject = true },
		OnTransmission: func(ev *object.Event) { gotTransmission = true },
	})
	set.Dispatch(&object.Event{Kind: object.EventConnected})
	if !gotEvent {
		t.Fatal("expected OnEvent to fire for every event")
	}
	if gotObject || gotTransmission {
		t.Fatal("expected OnObject/OnTransmission to not fire for a connected event")
	}
}

func TestDispatchRoutesOnObject(t *testing.T) {
	set := NewSet(Chain())
	var gotObject bool
	set.Add(Listener{OnObject: func(ev *object.Event) { gotObject = true }})
	set.Dispatch(&object.Event{Kind: object.EventObjectReceived})
	if !gotObject {
		t.Fatal("expected OnObject to fire for EventObjectReceived")
	}
}

func TestDispatchRoutesOnTransmission(t *testing.T) {
	set := NewSet(Chain())
	var gotTransmission bool
	set.Add(Listener{OnTransmission: func(ev *object.Event) { gotTransmission = true }})
	set.Dispatch(&object.Event{Kind: object.EventFileReceived})
	if !gotTransmission {
		t.Fatal("expected OnTransmission to fire for EventFileReceived")
	}
}

func TestDispatchToleratesListenerPanic(t *testing.T) {
	set := NewSet(Chain())
	var secondCalled bool
	set.Add(Listener{OnEvent: func(ev *object.Event) { panic("boom") }})
	set.Add(Listener{OnEvent: func(ev *object.Event) { secondCalled = true }})

	set.Dispatch(&object.Event{Kind: object.EventConnected})
	if !secondCalled {
		t.Fatal("expected a panic in one listener to not prevent delivery to the next")
	}
}

func TestChainOrdersOutermostFirst(t *testing.T) {
	var order []string
	outer := func(next HandlerFunc) HandlerFunc {
		return func(ev *object.Event) {
			order = append(order, "outer-before")
			next(ev)
			order = append(order, "outer-after")
		}
	}
	inner := func(next HandlerFunc) HandlerFunc {
		return func(ev *object.Event) {
			order = append(order, "inner-before")
			next(ev)
			order = append(order, "inner-after")
		}
	}
	set := NewSet(Chain(outer, inner))
	set.Dispatch(&object.Event{Kind: object.EventConnected})

	want := []string{"outer-before", "inner-before", "inner-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestSlowListenerWarningDoesNotBlockOrAbort(t *testing.T) {
	set := NewSet(SlowListenerWarning(func() time.Duration { return time.Millisecond }))
	var called bool
	set.Add(Listener{OnEvent: func(ev *object.Event) {
		time.Sleep(5 * time.Millisecond)
		called = true
	}})
	set.Dispatch(&object.Event{Kind: object.EventConnected})
	if !called {
		t.Fatal("expected a slow listener to still be delivered to completion")
	}
}
