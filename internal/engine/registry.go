package engine

import "sync"

// registry is the process-wide native-binding registry (spec §4.F "Native
// binding bridge"). A Binding's Fn is a Go closure, which cannot cross an
// exec(2) boundary the way a path or an index can — the worker pool
// re-execs this same binary per worker rather than forking it, so the
// only thing that *does* cross that boundary is the binary's own init()
// sequence running again from scratch. Registering bindings by name here,
// from an init() (or from the top of main, before the worker/host role
// split), means every re-exec'd incarnation rebuilds an identical
// registry locally; only the binding's name then needs to travel through
// the pool's environment-variable handoff for the worker to look its own
// copy back up.
var (
	registryMu sync.Mutex
	registry   = map[string]Binding{}
)

// RegisterBinding adds b to the process-wide registry under b.Name,
// overwriting any prior registration of the same name. Call this before
// cmd/sandboxd's main dispatches on the worker-role environment variable,
// so both the host process and every re-exec'd worker see it.
func RegisterBinding(b Binding) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name] = b
}

// BindingsByName resolves names against the registry, returning the
// resolved bindings and, separately, any names with no registrant (the
// caller logs these rather than failing outright, matching how a missing
// handler name is reported at call time rather than at load time).
func BindingsByName(names []string) (resolved []Binding, missing []string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	resolved = make([]Binding, 0, len(names))
	for _, n := range names {
		b, ok := registry[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		resolved = append(resolved, b)
	}
	return resolved, missing
}

// BindingNames returns the Name field of every binding in bindings, for
// passing through the pool's environment-variable handoff.
func BindingNames(bindings []Binding) []string {
	names := make([]string, len(bindings))
	for i, b := range bindings {
		names[i] = b.Name
	}
	return names
}

// AllRegistered returns every binding currently in the process-wide
// registry, for the host side of main to hand to Runtime.Init without
// having to separately enumerate the same names it just registered.
func AllRegistered() []Binding {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Binding, 0, len(registry))
	for _, b := range registry {
		out = append(out, b)
	}
	return out
}
