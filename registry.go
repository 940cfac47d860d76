// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// NamespaceSeparator splits a qualified name "namespace:method".
const NamespaceSeparator = ":"

// Func is a remotely invocable function. It may block; each inbound call
// runs on its own goroutine.
type Func func(ctx context.Context, args ...interface{}) (interface{}, error)

// FunctionTable is the set of functions an endpoint exposes to its peer.
type FunctionTable map[string]Func

// Resolver maps a possibly qualified name to a callable.
type Resolver interface {
	Resolve(name string) (Func, bool)
}

// ResolverFunc is a function adapter for Resolver
type ResolverFunc func(name string) (Func, bool)

func (f ResolverFunc) Resolve(name string) (Func, bool) {
	return f(name)
}

// Resolve looks name up directly in the table.
func (t FunctionTable) Resolve(name string) (Func, bool) {
	fn, ok := t[name]
	return fn, ok && fn != nil
}

// Registry resolves names against a core function table and a set of
// extension namespaces that may be registered at any time.
type Registry struct {
	table FunctionTable

	mu         sync.RWMutex
	extensions map[string]FunctionTable
}

// NewRegistry creates a registry over table. The table is shared, not
// copied, so the hosting application may fill it in before first use.
func NewRegistry(table FunctionTable) *Registry {
	if table == nil {
		table = FunctionTable{}
	}
	return &Registry{
		table:      table,
		extensions: make(map[string]FunctionTable),
	}
}

// Table returns the core function table.
func (r *Registry) Table() FunctionTable {
	return r.table
}

// Register installs table under namespace, replacing any earlier table.
func (r *Registry) Register(namespace string, table FunctionTable) {
	own := make(FunctionTable, len(table))
	for name, fn := range table {
		own[name] = fn
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[namespace] = own
}

// Namespaces returns the registered extension namespaces, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]string, 0, len(r.extensions))
	for ns := range r.extensions {
		result = append(result, ns)
	}
	sort.Strings(result)
	return result
}

// Resolve finds the callable for name. Unqualified names only consult the
// core table. Qualified names prefer a core entry with the exact qualified
// name, then the method of the registered namespace.
func (r *Registry) Resolve(name string) (Func, bool) {
	if !strings.Contains(name, NamespaceSeparator) {
		return r.table.Resolve(name)
	}
	if fn, ok := r.table.Resolve(name); ok {
		return fn, true
	}
	namespace, method := splitName(name)
	r.mu.RLock()
	table := r.extensions[namespace]
	r.mu.RUnlock()
	return table.Resolve(method)
}

// splitName splits at the first separator. Names without one have no namespace.
func splitName(name string) (namespace, method string) {
	ns, m, ok := strings.Cut(name, NamespaceSeparator)
	if !ok {
		return "", name
	}
	return ns, m
}

// joinName is the inverse of splitName.
func joinName(namespace, method string) string {
	if namespace == "" {
		return method
	}
	return namespace + NamespaceSeparator + method
}
