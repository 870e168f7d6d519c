// Package diff decides which components a profile change affects.
package diff

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/mattjoyce/cdispd/internal/profile"
	"github.com/mattjoyce/cdispd/internal/registry"
)

// Result is the outcome of comparing a reference profile with a candidate.
type Result struct {
	// Affected are eligible candidate components whose watched state changed,
	// sorted by name.
	Affected []string
	// Removed were active in the reference but are absent or inactive in the
	// candidate. They are never dispatched; callers forward them to cleanup.
	Removed []string
	// Registry is the candidate's component registry.
	Registry *registry.Registry
}

// Engine computes affected component sets.
type Engine struct {
	opts   registry.Options
	logger *slog.Logger
}

// New returns an Engine that extracts registries with opts.
func New(opts registry.Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, logger: logger}
}

// Diff compares reference (nil on first run) with candidate.
//
// With no reference every eligible component is affected. Otherwise a
// candidate component is affected when it was not active in the reference or
// when any of its watched paths has a different checksum; paths are compared
// one at a time and the first difference ends the search.
func (e *Engine) Diff(reference, candidate *profile.Profile) Result {
	candReg := e.extract(candidate)
	res := Result{Registry: candReg}

	if reference == nil {
		for _, name := range candReg.Names() {
			spec, _ := candReg.Get(name)
			if spec.Eligible() {
				res.Affected = append(res.Affected, name)
			}
		}
		return res
	}

	refReg := e.extract(reference)

	for _, name := range candReg.Names() {
		spec, _ := candReg.Get(name)
		if !spec.Eligible() {
			continue
		}
		if !refReg.Active(name) {
			e.logger.Debug("component newly active", "component", name)
			res.Affected = append(res.Affected, name)
			continue
		}
		if path, changed := firstChangedPath(reference, candidate, spec.WatchedPaths); changed {
			e.logger.Debug("component watched path changed", "component", name, "path", path)
			res.Affected = append(res.Affected, name)
		}
	}

	for _, name := range refReg.Names() {
		if refReg.Active(name) && !candReg.Active(name) {
			res.Removed = append(res.Removed, name)
		}
	}
	sort.Strings(res.Affected)
	sort.Strings(res.Removed)
	return res
}

func (e *Engine) extract(p *profile.Profile) *registry.Registry {
	reg, err := registry.Extract(p, e.opts, e.logger)
	if err != nil {
		if errors.Is(err, registry.ErrConfigurationAbsent) {
			e.logger.Warn("profile declares no components; nothing will be dispatched", "version", p.VersionID(), "error", err)
		} else {
			e.logger.Error("failed to extract component registry", "version", p.VersionID(), "error", err)
		}
	}
	return reg
}

func firstChangedPath(reference, candidate *profile.Profile, paths []string) (string, bool) {
	for _, path := range paths {
		if reference.Checksum(path) != candidate.Checksum(path) {
			return path, true
		}
	}
	return "", false
}
