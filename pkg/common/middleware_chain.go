package common

import "net/http"

// MiddlewareChain is an ordered list of host-level middleware. The router
// assembles one around every built application: recovery first, then the
// caller's middleware, with the application innermost.
type MiddlewareChain []Middleware

// NewMiddlewareChain builds a chain from the given middleware, outermost
// first.
func NewMiddlewareChain(mw ...Middleware) MiddlewareChain {
	return MiddlewareChain(mw)
}

// Append returns a new chain with mw placed after the existing links. The
// receiver is left untouched, so chains can be extended from a shared base.
func (c MiddlewareChain) Append(mw ...Middleware) MiddlewareChain {
	out := make(MiddlewareChain, 0, len(c)+len(mw))
	out = append(out, c...)
	return append(out, mw...)
}

// Prepend returns a new chain with mw placed before the existing links.
func (c MiddlewareChain) Prepend(mw ...Middleware) MiddlewareChain {
	out := make(MiddlewareChain, 0, len(mw)+len(c))
	out = append(out, mw...)
	return append(out, c...)
}

// Then wraps h in the chain, first link outermost. An empty chain returns h
// unchanged.
func (c MiddlewareChain) Then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}
