// Package depgraph orders modules so that every dependency precedes its
// dependents.
package depgraph

import "fmt"

// Node is anything with a name and declared dependency names.
type Node interface {
	Name() string
	Dependencies() []string
}

// CycleError reports a dependency cycle detected while visiting Module.
type CycleError struct {
	Module string
	Path   []string
}

func (e *CycleError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("dependency cycle detected at module %s (%v)", e.Module, e.Path)
	}
	return fmt.Sprintf("dependency cycle detected at module %s", e.Module)
}

// Sort returns nodes in dependency order using a depth-first post-order
// walk. Dependencies that name no node in the input are treated as
// satisfied. Input order decides between independent nodes.
func Sort[T Node](nodes []T) ([]T, error) {
	byName := make(map[string]T, len(nodes))
	for _, n := range nodes {
		if _, dup := byName[n.Name()]; !dup {
			byName[n.Name()] = n
		}
	}

	// 0=unvisited, 1=visiting, 2=done
	state := make(map[string]int, len(nodes))
	order := make([]T, 0, len(nodes))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			return &CycleError{Module: name, Path: append(cyclePath(stack, name), name)}
		}
		n, ok := byName[name]
		if !ok {
			state[name] = 2
			return nil
		}
		state[name] = 1
		stack = append(stack, name)
		for _, dep := range n.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = 2
		order = append(order, n)
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.Name()); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cyclePath(stack []string, name string) []string {
	for i, s := range stack {
		if s == name {
			return append([]string(nil), stack[i:]...)
		}
	}
	return append([]string(nil), stack...)
}

// Names lists the node names in order.
func Names[T Node](nodes []T) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return out
}
