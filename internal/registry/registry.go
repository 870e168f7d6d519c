// Package registry extracts component declarations from a profile.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mattjoyce/cdispd/internal/profile"
)

// ErrConfigurationAbsent is reported when a profile has no component
// declarations at all. It is a warning: the daemon keeps running with nothing
// to dispatch.
var ErrConfigurationAbsent = errors.New("no component declarations in profile")

const (
	DefaultComponentsPath = "/software/components"
	DefaultPackagePrefix  = "/software/packages/ncm-"
)

// Options controls how declarations are found and which paths are watched by
// default.
type Options struct {
	ComponentsPath     string
	PackagePrefix      string
	WatchComponentPath bool
	WatchPackagePath   bool
}

// DefaultOptions returns the standard layout with both default watches on.
func DefaultOptions() Options {
	return Options{
		ComponentsPath:     DefaultComponentsPath,
		PackagePrefix:      DefaultPackagePrefix,
		WatchComponentPath: true,
		WatchPackagePath:   true,
	}
}

// ComponentSpec is one component's declared configuration in one profile.
type ComponentSpec struct {
	Name            string
	Active          bool
	DispatchEnabled bool
	WatchedPaths    []string
}

// Eligible reports whether the component may be queued for dispatch.
func (c ComponentSpec) Eligible() bool { return c.Active && c.DispatchEnabled }

// Registry maps component names to their specs for one profile.
type Registry struct {
	specs map[string]ComponentSpec
}

// Get returns the declaration for name.
func (r *Registry) Get(name string) (ComponentSpec, bool) {
	if r == nil {
		return ComponentSpec{}, false
	}
	s, ok := r.specs[name]
	return s, ok
}

// Names returns the declared component names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Active reports whether name is declared and active.
func (r *Registry) Active(name string) bool {
	s, ok := r.Get(name)
	return ok && s.Active
}

// Eligible returns the names of active, dispatch-enabled components, sorted.
func (r *Registry) Eligible() []string {
	var out []string
	for _, n := range r.Names() {
		if r.specs[n].Eligible() {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of declared components.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.specs)
}

// FromSpecs builds a registry directly. Mostly useful in tests.
func FromSpecs(specs ...ComponentSpec) *Registry {
	r := &Registry{specs: make(map[string]ComponentSpec, len(specs))}
	for _, s := range specs {
		r.specs[s.Name] = s
	}
	return r
}

// Extract reads the component declarations of p. When the declarations subtree
// is missing it returns an empty registry together with ErrConfigurationAbsent.
// Malformed individual declarations are logged and skipped.
func Extract(p *profile.Profile, opts Options, logger *slog.Logger) (*Registry, error) {
	if opts.ComponentsPath == "" {
		opts.ComponentsPath = DefaultComponentsPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg := &Registry{specs: make(map[string]ComponentSpec)}

	decls, ok := p.Map(opts.ComponentsPath)
	if !ok {
		return reg, fmt.Errorf("%w (path %s, version %s)", ErrConfigurationAbsent, opts.ComponentsPath, p.VersionID())
	}

	for name, raw := range decls {
		decl, ok := raw.(map[string]any)
		if !ok {
			logger.Warn("ignoring malformed component declaration", "component", name, "version", p.VersionID())
			continue
		}
		reg.specs[name] = buildSpec(name, decl, opts, logger)
	}
	return reg, nil
}

func buildSpec(name string, decl map[string]any, opts Options, logger *slog.Logger) ComponentSpec {
	spec := ComponentSpec{
		Name:            name,
		Active:          boolField(decl, "active", true),
		DispatchEnabled: boolField(decl, "dispatch", true),
	}

	seen := make(map[string]struct{})
	add := func(path string) {
		path = profile.CleanPath(path)
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		spec.WatchedPaths = append(spec.WatchedPaths, path)
	}

	if opts.WatchComponentPath {
		add(profile.JoinPath(opts.ComponentsPath, name))
	}
	if opts.WatchPackagePath && opts.PackagePrefix != "" {
		add(opts.PackagePrefix + name)
	}

	switch extra := decl["register_change"].(type) {
	case nil:
	case []any:
		for _, item := range extra {
			if s, ok := item.(string); ok && s != "" {
				add(s)
			} else {
				logger.Warn("ignoring non-string register_change entry", "component", name, "entry", item)
			}
		}
	default:
		logger.Warn("register_change must be a list of paths", "component", name)
	}

	return spec
}

func boolField(decl map[string]any, key string, def bool) bool {
	v, ok := decl[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
