package server

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Reply is a handler's answer. A reply with a Body is sent from memory;
// otherwise the file at Path under the document root is served.
type Reply struct {
	Code        int
	Path        string
	ContentType string
	Body        []byte
	Headers     map[string]string
	Close       bool
}

// RouteHandler is a function that handles an HTTP request
type RouteHandler func(req *Request) Reply

// Router manages HTTP routes and dispatches requests
type Router struct {
	mu     sync.RWMutex
	routes map[string]map[string]RouteHandler
}

// NewRouter creates a new Router instance
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]map[string]RouteHandler),
	}
}

// Register adds a route handler for a method and path. Path segments
// starting with ':' capture into Request.PathParams.
func (r *Router) Register(method, path string, handler RouteHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[method] == nil {
		r.routes[method] = make(map[string]RouteHandler)
	}
	r.routes[method][path] = handler
}

// Route finds the handler for req and runs it. Unrouted GET and HEAD
// requests fall through to the static file at req.Path; anything else is
// a bad request.
func (r *Router) Route(req *Request) Reply {
	if handler, params, ok := r.lookup(req.Method, req.Target); ok {
		req.PathParams = params
		return handler(req)
	}
	if req.Method == "GET" || req.Method == "HEAD" {
		return Reply{Path: req.Path}
	}
	return Reply{Code: 400}
}

func (r *Router) lookup(method, path string) (RouteHandler, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methodRoutes, exists := r.routes[method]
	if !exists {
		return nil, nil, false
	}

	// First try exact match (faster)
	if h, ok := methodRoutes[path]; ok {
		return h, map[string]string{}, true
	}

	patterns := make([]string, 0, len(methodRoutes))
	for p := range methodRoutes {
		if strings.Contains(p, ":") {
			patterns = append(patterns, p)
		}
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		if params, ok := matchRoute(path, p); ok {
			return methodRoutes[p], params, true
		}
	}
	return nil, nil, false
}

func matchRoute(requestPath string, routePattern string) (map[string]string, bool) {
	requestParts := strings.Split(strings.Trim(requestPath, "/"), "/")
	patternParts := strings.Split(strings.Trim(routePattern, "/"), "/")

	// Must have same number of segments
	if len(requestParts) != len(patternParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i := 0; i < len(requestParts); i++ {
		if strings.HasPrefix(patternParts[i], ":") {
			params[patternParts[i][1:]] = safeURLDecode(requestParts[i])
		} else if requestParts[i] != patternParts[i] {
			return nil, false
		}
	}
	return params, true
}

// JSON builds an in-memory reply holding v encoded as JSON.
func JSON(code int, v any) Reply {
	body, err := json.Marshal(v)
	if err != nil {
		return Text(500, "Internal server error occurred")
	}
	return Reply{Code: code, ContentType: "application/json", Body: body}
}

// Text builds an in-memory plain text reply.
func Text(code int, s string) Reply {
	return Reply{Code: code, ContentType: "text/plain", Body: []byte(s)}
}

// File builds a reply serving the document at path.
func File(path string) Reply {
	return Reply{Path: path}
}
