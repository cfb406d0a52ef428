package dispatch

import (
	"log"
	"time"

	"jennynet/object"
)

// Logging adapts the teacher's LoggingMiddleware: record what happened and how
// long delivery to all listeners took.
func Logging() Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		return func(ev *object.Event) {
			start := time.Now()
			next(ev)
			log.Printf("jennynet: event=%s object=%d duration=%s", ev.Kind, ev.ObjectID, time.Since(start))
			if ev.Err != nil {
				log.Printf("jennynet: event=%s object=%d error=%v", ev.Kind, ev.ObjectID, ev.Err)
			}
		}
	}
}
