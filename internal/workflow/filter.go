// Package workflow implements the per-worker admission policy deciding
// which workflow names this agent may process.
package workflow

import (
	"log/slog"
	"path"
	"strings"
	"sync"
)

// Wildcard disables filtering when present in the allow-list.
const Wildcard = "*"

// defaultName substitutes an empty workflow name during matching.
const defaultName = "default"

// Filter holds the set of allowed workflow patterns. Patterns containing
// glob metacharacters are matched with path.Match; everything else is an
// exact, case-sensitive comparison.
type Filter struct {
	mu          sync.RWMutex
	patterns    []string
	logFiltered bool
}

// NewFilter builds a Filter from the configured patterns.
func NewFilter(patterns []string, logFiltered bool) *Filter {
	f := &Filter{logFiltered: logFiltered}
	f.Reload(patterns)
	return f
}

// Reload replaces the allow-list; used for dynamic config updates.
func (f *Filter) Reload(patterns []string) {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	f.mu.Lock()
	f.patterns = cleaned
	f.mu.Unlock()

	if len(cleaned) == 1 && cleaned[0] == Wildcard {
		slog.Info("workflow filter allows all workflows")
	} else {
		slog.Info("workflow filter loaded", slog.Any("allowed", cleaned))
	}
}

// Allows reports whether the given workflow name may run on this worker. An
// empty name is treated as the literal "default". An empty allow-list, or
// one containing "*", allows everything.
func (f *Filter) Allows(workflowName string) bool {
	if workflowName == "" {
		workflowName = defaultName
	}

	f.mu.RLock()
	patterns := f.patterns
	logFiltered := f.logFiltered
	f.mu.RUnlock()

	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern == Wildcard {
			return true
		}
		if strings.ContainsAny(pattern, "*?[") {
			if ok, err := path.Match(pattern, workflowName); err == nil && ok {
				return true
			}
			continue
		}
		if pattern == workflowName {
			return true
		}
	}
	if logFiltered {
		slog.Warn("workflow not in allow-list, filtered", slog.String("workflow", workflowName))
	}
	return false
}

// AllowsAll reports whether filtering is effectively disabled.
func (f *Filter) AllowsAll() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if p == Wildcard {
			return true
		}
	}
	return false
}

// Allowed returns a copy of the current allow-list.
func (f *Filter) Allowed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.patterns))
	copy(out, f.patterns)
	return out
}
