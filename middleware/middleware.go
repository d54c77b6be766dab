// Package middleware wraps the server's dispatch handler.
//
// A handler replies through Call.Reply instead of returning a value, because
// a reply may come later, from another goroutine, or never. Middlewares that
// need to observe the reply wrap Reply.
package middleware

import (
	"context"
	"encoding/json"

	"dotrpc/message"
)

// Call is one inbound request as seen by the handler chain.
type Call struct {
	Path    string          // Raw call path, not yet validated
	Payload json.RawMessage // The "d" member of the envelope
	Reply   message.Reply   // Settle-once; extra replies are dropped
}

type HandlerFunc func(ctx context.Context, call *Call)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so that the first one is the outermost:
// Chain(A, B)(h) runs A, then B, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
