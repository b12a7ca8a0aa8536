// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coap

import (
	"fmt"
	"strings"
	"sync"
)

// Handler answers a single CoAP request. Its return value is coerced into a
// response by the dispatcher.
type Handler func(req *Request) (interface{}, error)

// Attributes are the discovery metadata of RFC 6690 carried by a Route.
type Attributes struct {
	Title string
	RT    []string // resource type, multi-valued
	IF    []string // interface description, multi-valued
	CT    []int    // content-format numbers accepted/produced
	SZ    int       // estimated size in bytes, 0 means unset
	Obs   bool      // observable
}

// IsEmpty reports whether no discovery attribute has been set, in which
// case the route is omitted from /.well-known/core.
func (a Attributes) IsEmpty() bool {
	return a.Title == "" && len(a.RT) == 0 && len(a.IF) == 0 && len(a.CT) == 0 && a.SZ == 0 && !a.Obs
}

// Route is a compiled pattern bound to a method and a handler.
type Route struct {
	Method     Code
	Pattern    string
	Handler    Handler
	Attrs      Attributes
	Observable bool

	segments []routeSegment
}

type routeSegment struct {
	literal string
	param   string // non-empty when this segment binds a :name parameter
}

func compileSegments(pattern string) []routeSegment {
	pattern = strings.Trim(pattern, "/")
	if pattern == "" {
		return nil
	}
	parts := strings.Split(pattern, "/")
	segs := make([]routeSegment, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, ":") && len(p) > 1 {
			segs[i] = routeSegment{param: p[1:]}
		} else {
			segs[i] = routeSegment{literal: p}
		}
	}
	return segs
}

// match attempts to bind path (already split into segments) against this
// route's compiled pattern, returning the extracted parameters.
func (r *Route) match(pathSegs []string) (map[string]string, bool) {
	if len(pathSegs) != len(r.segments) {
		return nil, false
	}
	params := map[string]string{}
	for i, seg := range r.segments {
		if seg.param != "" {
			params[seg.param] = pathSegs[i]
			continue
		}
		if seg.literal != pathSegs[i] {
			return nil, false
		}
	}
	return params, true
}

// Router holds the compiled route table. Matching is deterministic and
// insertion-order-stable: the first registered route that matches a path
// wins, and a path match with the wrong method yields METHOD_NOT_ALLOWED
// rather than NOT_FOUND.
type Router struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewRouter creates an empty route table.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers a route. (method, pattern) must be unique; Handle panics
// on a duplicate registration since that is a programming error caught at
// startup, not a runtime condition.
func (rt *Router) Handle(method Code, pattern string, h Handler, attrs Attributes) *Route {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, existing := range rt.routes {
		if existing.Method == method && existing.Pattern == pattern {
			panic(fmt.Sprintf("coap: duplicate route registration %s %s", method, pattern))
		}
	}
	r := &Route{
		Method:     method,
		Pattern:    pattern,
		Handler:    h,
		Attrs:      attrs,
		Observable: attrs.Obs,
		segments:   compileSegments(pattern),
	}
	rt.routes = append(rt.routes, r)
	return r
}

// Match resolves path against the registered routes for method. It returns
// ErrNotFound when no pattern matches any method, and ErrMethodNotAllowed
// when a pattern matches but not for this method.
func (rt *Router) Match(method Code, path string) (*Route, map[string]string, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	pathSegs := splitPath(path)
	pathMatched := false
	for _, r := range rt.routes {
		params, ok := r.match(pathSegs)
		if !ok {
			continue
		}
		pathMatched = true
		if r.Method == method {
			return r, params, nil
		}
	}
	if pathMatched {
		return nil, nil, ErrMethodNotAllowed
	}
	return nil, nil, ErrNotFound
}

// FindObservable returns the GET route registered as observable for path,
// used by the watcher to locate pollable handlers.
func (rt *Router) FindObservable(path string) (*Route, map[string]string, bool) {
	r, params, err := rt.Match(GET, path)
	if err != nil || !r.Observable {
		return nil, nil, false
	}
	return r, params, true
}

// Routes returns every registered route in registration order, for the
// discovery document renderer.
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
