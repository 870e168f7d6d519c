package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/cdispd/internal/log"
	"github.com/mattjoyce/cdispd/internal/profile"
	"github.com/mattjoyce/cdispd/internal/registry"
)

// tree builds a profile tree with the given component declarations and a
// /p1 leaf holding p1.
func tree(p1 string, comps map[string]any) map[string]any {
	return map[string]any{
		"p1": p1,
		"software": map[string]any{
			"components": comps,
		},
	}
}

func watching(paths ...string) map[string]any {
	list := make([]any, 0, len(paths))
	for _, p := range paths {
		list = append(list, p)
	}
	return map[string]any{"register_change": list}
}

func newEngine() *Engine {
	opts := registry.DefaultOptions()
	// Watch only the explicit paths so the scenarios read like the tables.
	opts.WatchComponentPath = false
	opts.WatchPackagePath = false
	return New(opts, log.Discard())
}

func TestInitialRunDispatchesAllEligible(t *testing.T) {
	t.Parallel()

	cand := profile.New(1, tree("X", map[string]any{
		"A": watching("/p1"),
		"B": map[string]any{"dispatch": false},
		"C": map[string]any{"active": false},
		"D": map[string]any{},
	}))

	res := newEngine().Diff(nil, cand)
	assert.Equal(t, []string{"A", "D"}, res.Affected)
	assert.Empty(t, res.Removed)
	assert.Equal(t, 4, res.Registry.Len())
}

func TestWatchedPathChange(t *testing.T) {
	t.Parallel()

	comps := map[string]any{"A": watching("/p1"), "Z": watching("/elsewhere")}
	ref := profile.New(1, tree("X", comps))
	cand := profile.New(2, tree("Y", comps))

	res := newEngine().Diff(ref, cand)
	assert.Equal(t, []string{"A"}, res.Affected)
}

func TestNoChangeNoDispatch(t *testing.T) {
	t.Parallel()

	comps := map[string]any{"A": watching("/p1")}
	ref := profile.New(1, tree("X", comps))
	cand := profile.New(2, tree("X", comps))

	res := newEngine().Diff(ref, cand)
	assert.Empty(t, res.Affected)
}

func TestNewlyActiveComponent(t *testing.T) {
	t.Parallel()

	ref := profile.New(1, tree("X", map[string]any{
		"A": watching("/p1"),
		"B": map[string]any{"active": false},
	}))
	cand := profile.New(2, tree("X", map[string]any{
		"A": watching("/p1"),
		"B": map[string]any{},
		"C": map[string]any{},
	}))

	res := newEngine().Diff(ref, cand)
	assert.Equal(t, []string{"B", "C"}, res.Affected)
}

func TestNewlyActiveButDispatchDisabled(t *testing.T) {
	t.Parallel()

	ref := profile.New(1, tree("X", map[string]any{}))
	cand := profile.New(2, tree("X", map[string]any{"A": map[string]any{"dispatch": false}}))

	res := newEngine().Diff(ref, cand)
	assert.Empty(t, res.Affected)
}

func TestRemovedComponentNeverDispatched(t *testing.T) {
	t.Parallel()

	ref := profile.New(1, tree("X", map[string]any{
		"A": watching("/p1"),
		"B": watching("/p1"),
		"C": watching("/p1"),
	}))
	cand := profile.New(2, tree("Y", map[string]any{
		"A": watching("/p1"),
		"C": map[string]any{"active": false, "register_change": []any{"/p1"}},
	}))

	res := newEngine().Diff(ref, cand)
	assert.Equal(t, []string{"A"}, res.Affected)
	assert.Equal(t, []string{"B", "C"}, res.Removed)
	assert.NotContains(t, res.Affected, "B")
}

func TestDefaultWatchesSeeDeclarationAndPackage(t *testing.T) {
	t.Parallel()

	engine := New(registry.DefaultOptions(), log.Discard())
	base := func(version string, declared bool) map[string]any {
		comp := map[string]any{}
		if declared {
			comp["extra"] = "on"
		}
		return map[string]any{
			"software": map[string]any{
				"components": map[string]any{"spma": comp},
				"packages": map[string]any{
					"ncm-spma": map[string]any{"version": version},
				},
			},
		}
	}

	ref := profile.New(1, base("1.0", false))

	res := engine.Diff(ref, profile.New(2, base("1.1", false)))
	assert.Equal(t, []string{"spma"}, res.Affected, "package change")

	res = engine.Diff(ref, profile.New(3, base("1.0", true)))
	assert.Equal(t, []string{"spma"}, res.Affected, "declaration change")

	res = engine.Diff(ref, profile.New(4, base("1.0", false)))
	assert.Empty(t, res.Affected)
}

func TestMissingDeclarationsSubtree(t *testing.T) {
	t.Parallel()

	ref := profile.New(1, tree("X", map[string]any{"A": watching("/p1")}))
	cand := profile.New(2, map[string]any{"p1": "Y"})

	res := newEngine().Diff(ref, cand)
	assert.Empty(t, res.Affected)
	assert.Equal(t, []string{"A"}, res.Removed)
	assert.Equal(t, 0, res.Registry.Len())
}
