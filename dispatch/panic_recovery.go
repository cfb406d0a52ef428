package dispatch

import (
	"log"

	"jennynet/object"
)

// PanicRecovery adapts the teacher's RetryMiddleware shape (wrap, catch a
// problem, handle it, keep going) to a different problem: a panic anywhere in the
// dispatch pipeline must not take down the connection's delivery goroutine. Set
// already recovers around each individual listener; this interceptor is an outer
// safety net for the chain as a whole (e.g. a future interceptor that itself
// panics), not the primary isolation mechanism.
func PanicRecovery() Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		return func(ev *object.Event) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("jennynet: listener panicked handling event=%s object=%d: %v", ev.Kind, ev.ObjectID, r)
				}
			}()
			next(ev)
		}
	}
}
