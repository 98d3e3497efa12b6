package validation

import (
	"sort"
	"strings"
)

// Errors maps a field path to a human readable message.
type Errors map[string]string

// Add records msg for path unless the path already carries a message.
func (e Errors) Add(path, msg string) {
	if _, exists := e[path]; exists {
		return
	}
	e[path] = msg
}

// Merge copies every entry of other that is not already present.
func (e Errors) Merge(other Errors) {
	for path, msg := range other {
		e.Add(path, msg)
	}
}

// Clear removes the message for exactly one path.
func (e Errors) Clear(path string) {
	delete(e, path)
}

// ClearPrefix removes every path starting with prefix.
func (e Errors) ClearPrefix(prefix string) {
	for path := range e {
		if strings.HasPrefix(path, prefix) {
			delete(e, path)
		}
	}
}

// Clone returns an independent copy.
func (e Errors) Clone() Errors {
	out := make(Errors, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Paths returns the field paths in lexical order.
func (e Errors) Paths() []string {
	out := make([]string, 0, len(e))
	for path := range e {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// First returns the first path in order that has an error. Paths in order are matched exactly or as
// a prefix followed by a dot, so "vehicles" matches "vehicles.01H.year". When nothing in order
// matches, the lexically smallest path is returned.
func (e Errors) First(order []string) string {
	if len(e) == 0 {
		return ""
	}
	for _, want := range order {
		if _, ok := e[want]; ok {
			return want
		}
		var match string
		for path := range e {
			if strings.HasPrefix(path, want+".") && (match == "" || path < match) {
				match = path
			}
		}
		if match != "" {
			return match
		}
	}
	return e.Paths()[0]
}
