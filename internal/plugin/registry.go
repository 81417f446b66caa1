package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// suggestionThreshold is the minimum Jaro-Winkler score for a registered name
// to be offered as a "did you mean" hint.
const suggestionThreshold = 0.80

// Filter restricts the tool catalog to a subset of plugins. Exclude wins over
// Include. An empty Include means every plugin.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) allows(plugin string) bool {
	if slices.Contains(f.Exclude, plugin) {
		return false
	}
	return len(f.Include) == 0 || slices.Contains(f.Include, plugin)
}

type entry struct {
	plugin string
	fn     Function
}

// Registry holds every registered plugin and dispatches tool calls to them.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	byName  map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]entry)}
}

// Register validates p and adds it to the registry. Plugin and function names
// must be non-empty, match [A-Za-z0-9_]+ and be unique; every function needs a
// handler and every parameter a supported type.
func (r *Registry) Register(p Plugin) error {
	if err := validate(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plugins {
		if existing.Name == p.Name {
			return fmt.Errorf("plugin: %q already registered", p.Name)
		}
	}

	fns := slices.Clone(p.Functions)
	p.Functions = fns
	r.plugins = append(r.plugins, p)
	for _, fn := range fns {
		r.byName[FullName(p.Name, fn.Name)] = entry{plugin: p.Name, fn: fn}
	}
	slog.Debug("plugin registered", "plugin", p.Name, "functions", len(fns))
	return nil
}

func validate(p Plugin) error {
	if !validName.MatchString(p.Name) {
		return fmt.Errorf("plugin: invalid plugin name %q", p.Name)
	}
	var errs []error
	seen := make(map[string]bool, len(p.Functions))
	for _, fn := range p.Functions {
		if !validName.MatchString(fn.Name) {
			errs = append(errs, fmt.Errorf("plugin %s: invalid function name %q", p.Name, fn.Name))
			continue
		}
		if seen[fn.Name] {
			errs = append(errs, fmt.Errorf("plugin %s: duplicate function %q", p.Name, fn.Name))
		}
		seen[fn.Name] = true
		if fn.Handler == nil {
			errs = append(errs, fmt.Errorf("plugin %s: function %q has no handler", p.Name, fn.Name))
		}
		if fn.Schema != nil && len(fn.Parameters) > 0 {
			errs = append(errs, fmt.Errorf("plugin %s: function %q sets both Schema and Parameters", p.Name, fn.Name))
		}
		params := make(map[string]bool, len(fn.Parameters))
		for _, prm := range fn.Parameters {
			if prm.Name == "" || params[prm.Name] {
				errs = append(errs, fmt.Errorf("plugin %s: function %q: invalid or duplicate parameter %q", p.Name, fn.Name, prm.Name))
			}
			params[prm.Name] = true
			if !prm.Type.valid() {
				errs = append(errs, fmt.Errorf("plugin %s: function %q: parameter %q has unsupported type %q", p.Name, fn.Name, prm.Name, prm.Type))
			}
		}
	}
	return errors.Join(errs...)
}

// Plugins returns the registered plugin names in registration order.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name
	}
	return names
}

// Has reports whether the fully-qualified function name is registered.
func (r *Registry) Has(fullName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[fullName]
	return ok
}

// Tools returns the tool definitions for every function allowed by f, ordered
// by plugin registration order and then function declaration order.
func (r *Registry) Tools(f Filter) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	for _, p := range r.plugins {
		if !f.allows(p.Name) {
			continue
		}
		for _, fn := range p.Functions {
			desc := fn.Description
			if fn.Returns != "" {
				desc = strings.TrimSpace(desc + " Returns: " + fn.Returns)
			}
			defs = append(defs, llm.ToolDefinition{
				Name:        FullName(p.Name, fn.Name),
				Description: desc,
				Parameters:  fn.schema(),
			})
		}
	}
	return defs
}

// Invoke decodes argsJSON against the declared parameters of fullName, calls
// its handler and formats the result as text.
func (r *Registry) Invoke(ctx context.Context, fullName, argsJSON string) (string, error) {
	r.mu.RLock()
	e, ok := r.byName[fullName]
	r.mu.RUnlock()
	if !ok {
		if s := r.suggest(fullName); s != "" {
			return "", fmt.Errorf("%w: %q (did you mean %q?)", ErrFunctionNotFound, fullName, s)
		}
		return "", fmt.Errorf("%w: %q", ErrFunctionNotFound, fullName)
	}

	args, err := e.fn.decodeArguments(argsJSON)
	if err != nil {
		return "", fmt.Errorf("plugin: %s: %w", fullName, err)
	}

	v, err := e.fn.Handler(ctx, args)
	if err != nil {
		return "", fmt.Errorf("plugin: %s: %w", fullName, err)
	}
	return FormatResult(v)
}

// suggest returns the registered name most similar to name, or "" when
// nothing is close enough.
func (r *Registry) suggest(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(name)
	best, bestScore := "", suggestionThreshold
	for candidate := range r.byName {
		score := matchr.JaroWinkler(lower, strings.ToLower(candidate), false)
		if score > bestScore || (score == bestScore && best != "" && candidate < best) {
			best, bestScore = candidate, score
		}
	}
	return best
}
