// Package scope maps inbound bridge routes to required capability strings
// and checks them against a connection's granted set.
package scope

import (
	"net/http"
	"strings"
)

// Operation is the closed set of actions an agent may perform. Resolving the
// operation once at route-match time keeps the dispatcher a total switch:
// adding a route without a dispatch arm is a compile-visible gap, not a
// silent fallthrough.
type Operation int

const (
	OpListEvents Operation = iota
	OpListTasks
	OpCompleteTask
	OpListInventory
)

// Scope strings grantable to a connection.
const (
	ScopeReadEvents    = "read:events"
	ScopeReadTasks     = "read:tasks"
	ScopeWriteTasks    = "write:tasks"
	ScopeReadInventory = "read:inventory"
)

type route struct {
	method string
	suffix string
	op     Operation
	scope  string
}

// The full allow-list. Anything absent here is a 404, never a 403.
var routes = []route{
	{method: http.MethodGet, suffix: "/events", op: OpListEvents, scope: ScopeReadEvents},
	{method: http.MethodGet, suffix: "/tasks", op: OpListTasks, scope: ScopeReadTasks},
	{method: http.MethodPost, suffix: "/tasks/complete", op: OpCompleteTask, scope: ScopeWriteTasks},
	{method: http.MethodGet, suffix: "/inventory", op: OpListInventory, scope: ScopeReadInventory},
}

// Resolve matches (method, path) against the allow-list by method and path
// suffix. The boolean is false when no route exists.
func Resolve(method, path string) (Operation, string, bool) {
	method = strings.ToUpper(method)
	for _, r := range routes {
		if r.method == method && strings.HasSuffix(path, r.suffix) {
			return r.op, r.scope, true
		}
	}
	return 0, "", false
}

// Required returns the scope string a given operation demands.
func Required(op Operation) string {
	for _, r := range routes {
		if r.op == op {
			return r.scope
		}
	}
	return ""
}

// Has reports whether required is a literal member of granted. No prefix or
// wildcard matching: an under-specified grant is a configuration error
// surfaced at grant time, not inferred here.
func Has(granted []string, required string) bool {
	for _, s := range granted {
		if s == required {
			return true
		}
	}
	return false
}

// Known reports whether s is a grantable scope string. The admin API uses
// this to reject typo'd grants at registration time.
func Known(s string) bool {
	for _, r := range routes {
		if r.scope == s {
			return true
		}
	}
	return false
}
