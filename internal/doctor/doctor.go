// Package doctor validates a cdispd configuration against the host it will
// run on: the configurator binary, the profile cache and the state store.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/cdispd/internal/config"
	"github.com/mattjoyce/cdispd/internal/log"
	"github.com/mattjoyce/cdispd/internal/profile"
	"github.com/mattjoyce/cdispd/internal/registry"
	"github.com/mattjoyce/cdispd/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	// Profile summarises the currently served profile when it could be read.
	Profile *ProfileSummary `json:"profile,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// ProfileSummary describes the profile the daemon would start from.
type ProfileSummary struct {
	Version    string   `json:"version"`
	Checksum   string   `json:"checksum"`
	Components []string `json:"components"`
	Eligible   []string `json:"eligible"`
}

// knownResources are the scope prefixes the status API checks.
var knownResources = map[string]struct{}{
	"status":  {},
	"history": {},
	"events":  {},
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
	// fsCheck and markerCheck are swapped in tests.
	fsCheck     func(path string) error
	markerCheck func(path string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:         cfg,
		fsCheck:     storage.ValidateLocalFilesystem,
		markerCheck: storage.ValidateMarkerDir,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateConfigurator(r)
	d.validateStateStore(r)
	d.validateProfile(ctx, r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnMissingEnvVars(r)
	d.warnSuspiciousInterval(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Profile.CacheRoot == "" {
		d.addError(r, "service", "profile.cache_root", "profile.cache_root is required")
	}
	if d.cfg.Dispatch.CheckInterval <= 0 {
		d.addError(r, "service", "dispatch.check_interval", "check_interval must be positive")
	}
}

// validateConfigurator checks the configurator binary and its state dir.
func (d *Doctor) validateConfigurator(r *Result) {
	c := d.cfg.Configurator
	if c.Path == "" {
		d.addError(r, "configurator", "configurator.path", "configurator.path is required")
		return
	}
	info, err := os.Stat(c.Path)
	switch {
	case err != nil:
		d.addError(r, "configurator", "configurator.path",
			fmt.Sprintf("configurator %q not found: %v", c.Path, err))
	case info.IsDir():
		d.addError(r, "configurator", "configurator.path",
			fmt.Sprintf("configurator %q is a directory", c.Path))
	case info.Mode().Perm()&0o111 == 0:
		d.addError(r, "configurator", "configurator.path",
			fmt.Sprintf("configurator %q is not executable", c.Path))
	}

	if c.StateDir == "" {
		d.addWarning(r, "configurator", "configurator.state_dir",
			"state_dir not set; per-component failure messages will not be collected")
		return
	}
	if info, err := os.Stat(c.StateDir); err != nil || !info.IsDir() {
		d.addWarning(r, "configurator", "configurator.state_dir",
			fmt.Sprintf("state_dir %q is not an existing directory", c.StateDir))
		return
	}
	if err := d.markerCheck(c.StateDir); err != nil {
		d.addWarning(r, "configurator", "configurator.state_dir", err.Error())
	}
}

// validateStateStore checks the SQLite path is on a local filesystem.
func (d *Doctor) validateStateStore(r *Result) {
	if d.cfg.State.Path == "" {
		return
	}
	if err := d.fsCheck(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateProfile reads the currently served profile and its component
// declarations the same way the dispatch loop will at startup.
func (d *Doctor) validateProfile(ctx context.Context, r *Result) {
	if d.cfg.Profile.CacheRoot == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store := profile.NewFSStore(d.cfg.Profile.CacheRoot)
	id, err := store.CurrentVersionID(ctx)
	if err != nil {
		d.addError(r, "profile", "profile.cache_root", err.Error())
		return
	}
	p, err := store.LoadVersion(ctx, id)
	if err != nil {
		d.addError(r, "profile", "profile.cache_root", err.Error())
		return
	}

	summary := &ProfileSummary{Version: id.String(), Checksum: p.RootChecksum().String()}
	r.Profile = summary

	reg, err := registry.Extract(p, d.registryOptions(), log.Discard())
	if errors.Is(err, registry.ErrConfigurationAbsent) {
		d.addWarning(r, "profile", "registry.components_path",
			fmt.Sprintf("profile %s declares no components under %s", id, d.cfg.Registry.ComponentsPath))
		return
	}
	if err != nil {
		d.addError(r, "profile", "registry.components_path", err.Error())
		return
	}
	summary.Components = reg.Names()
	summary.Eligible = reg.Eligible()
	if len(summary.Eligible) == 0 {
		d.addWarning(r, "profile", "registry.components_path",
			"no component is both active and dispatch-enabled")
	}
}

func (d *Doctor) registryOptions() registry.Options {
	rc := d.cfg.Registry
	return registry.Options{
		ComponentsPath:     rc.ComponentsPath,
		PackagePrefix:      rc.PackagePrefix,
		WatchComponentPath: config.Enabled(rc.WatchComponentPath, true),
		WatchPackagePath:   config.Enabled(rc.WatchPackagePath, true),
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no tokens configured; only /healthz is reachable")
	}
}

// validateTokenScopes checks that scopes name resources the API serves.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			d.validateSingleScope(r, scope, field)
		}
	}
}

func (d *Doctor) validateSingleScope(r *Result, scope, field string) {
	if scope == "*" {
		return
	}
	resource, access, ok := strings.Cut(scope, ":")
	if !ok {
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("invalid scope %q (expected format: resource:access)", scope))
		return
	}
	if _, known := knownResources[resource]; !known {
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("scope %q references unknown resource %q", scope, resource))
		return
	}
	if access != "ro" && access != "rw" {
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("scope %q: invalid access type %q (expected ro or rw)", scope, access))
	}
}

// warnMissingEnvVars warns about tokens that interpolated to nothing.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

// warnSuspiciousInterval flags polling and watchdog settings that are
// probably mistakes.
func (d *Doctor) warnSuspiciousInterval(r *Result) {
	if iv := d.cfg.Dispatch.CheckInterval; iv > 0 && iv < time.Second {
		d.addWarning(r, "dispatch", "dispatch.check_interval",
			fmt.Sprintf("check_interval %s is very short (< 1s)", iv))
	}
	if d.cfg.Dispatch.DryRun {
		d.addWarning(r, "dispatch", "dispatch.dry_run", "dry_run is enabled; the configurator will never be invoked")
	}
	if rt := d.cfg.Configurator.MaxRuntime; rt > 0 && rt < d.cfg.Dispatch.CheckInterval {
		d.addWarning(r, "configurator", "configurator.max_runtime",
			fmt.Sprintf("max_runtime %s is shorter than check_interval", rt))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	if p := r.Profile; p != nil {
		fmt.Fprintf(&b, "Profile %s (%s): %d component(s), %d eligible\n",
			p.Version, shortChecksum(p.Checksum), len(p.Components), len(p.Eligible))
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func shortChecksum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
