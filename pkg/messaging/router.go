// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Router dispatches deliveries by Message.Type through an explicit table.
type Router struct {
	mu     sync.RWMutex
	routes map[string]MessageHandler
}

// NewRouter returns an empty dispatch table.
func NewRouter() *Router {
	return &Router{routes: make(map[string]MessageHandler)}
}

// Route registers h for msgType, replacing any previous route.
func (r *Router) Route(msgType string, h MessageHandler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[msgType] = h
	return r
}

// RouteFunc registers fn for msgType with the default error policy.
func (r *Router) RouteFunc(msgType string, fn func(ctx context.Context, msg *Message) error) *Router {
	return r.Route(msgType, MessageHandlerFunc(fn))
}

// Types lists the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Router) lookup(msgType string) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.routes[msgType]
	return h, ok
}

// Handle implements MessageHandler. Unknown types are validation errors.
func (r *Router) Handle(ctx context.Context, msg *Message) error {
	h, ok := r.lookup(msg.Type)
	if !ok {
		return NewValidationError(fmt.Sprintf("no route for message type %q", msg.Type), nil)
	}
	return h.Handle(ctx, msg)
}

// OnError defers to the route's own policy.
func (r *Router) OnError(ctx context.Context, msg *Message, err error) ErrorAction {
	if h, ok := r.lookup(msg.Type); ok {
		return h.OnError(ctx, msg, err)
	}
	return DefaultErrorAction(err)
}
