// Package agents maps classified intents to the worker agents that
// serve them. The router is a pure lookup table; dispatching is the
// caller's job.
package agents

import (
	"fmt"
	"time"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
)

// Route is the dispatch descriptor for one intent.
type Route struct {
	Intent        string
	RequestTopic  string
	ResponseTopic string
	TaskType      string
	Timeout       time.Duration
	Placeholder   string
}

// Router resolves intents to routes. Unknown intents resolve to the
// general_info route so every message has somewhere to go.
type Router struct {
	routes  map[string]Route
	byOrder []Route
	def     Route
}

const defaultIntent = "general_info"

// NewRouter builds the table from configuration. A general_info route
// must be present; it doubles as the catch-all.
func NewRouter(cfg config.AgentsConfig) (*Router, error) {
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("agents: no routes configured")
	}

	r := &Router{routes: make(map[string]Route, len(cfg.Routes))}
	for _, rc := range cfg.Routes {
		if rc.Intent == "" || rc.RequestTopic == "" || rc.ResponseTopic == "" || rc.TaskType == "" {
			return nil, fmt.Errorf("agents: route %q is missing required fields", rc.Intent)
		}
		if rc.Timeout <= 0 {
			return nil, fmt.Errorf("agents: route %q needs a positive timeout", rc.Intent)
		}
		if _, dup := r.routes[rc.Intent]; dup {
			return nil, fmt.Errorf("agents: duplicate route for intent %q", rc.Intent)
		}

		route := Route{
			Intent:        rc.Intent,
			RequestTopic:  rc.RequestTopic,
			ResponseTopic: rc.ResponseTopic,
			TaskType:      rc.TaskType,
			Timeout:       rc.TimeoutDuration(),
			Placeholder:   rc.Placeholder,
		}
		r.routes[rc.Intent] = route
		r.byOrder = append(r.byOrder, route)
	}

	def, ok := r.routes[defaultIntent]
	if !ok {
		return nil, fmt.Errorf("agents: a %s route is required", defaultIntent)
	}
	r.def = def

	return r, nil
}

// Resolve returns the route for an intent, falling back to general_info
// for anything the table does not know.
func (r *Router) Resolve(intent string) Route {
	if route, ok := r.routes[intent]; ok {
		return route
	}
	return r.def
}

// ResponseTopics returns the deduplicated response topics in
// configuration order, for the bus consumer to subscribe to.
func (r *Router) ResponseTopics() []string {
	seen := make(map[string]struct{}, len(r.byOrder))
	topics := make([]string, 0, len(r.byOrder))
	for _, route := range r.byOrder {
		if _, ok := seen[route.ResponseTopic]; ok {
			continue
		}
		seen[route.ResponseTopic] = struct{}{}
		topics = append(topics, route.ResponseTopic)
	}
	return topics
}

// Routes returns all configured routes in configuration order.
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.byOrder))
	copy(out, r.byOrder)
	return out
}
