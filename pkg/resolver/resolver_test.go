package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plinthworks/plinth/pkg/manifest"
)

func mods(deps map[string][]string) map[string]*manifest.Manifest {
	out := make(map[string]*manifest.Manifest, len(deps))
	for name, d := range deps {
		out[name] = &manifest.Manifest{Name: name, Version: "1.0.0", Dependencies: d}
	}
	return out
}

func TestResolve_LinearChain(t *testing.T) {
	m := mods(map[string][]string{
		"c": {"b"},
		"b": {"a"},
		"a": nil,
	})
	order, err := Resolve([]string{"c", "b", "a"}, m)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestResolve_TiesFollowEnabledOrder(t *testing.T) {
	m := mods(map[string][]string{"x": nil, "y": nil, "z": nil})
	order, err := Resolve([]string{"z", "x", "y"}, m)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "x", "y"}, order, "independent modules keep enabled-set order, not lexical")
}

func TestResolve_Diamond(t *testing.T) {
	m := mods(map[string][]string{
		"top":   {"left", "right"},
		"left":  {"base"},
		"right": {"base"},
		"base":  nil,
	})
	order, err := Resolve([]string{"top", "left", "right", "base"}, m)
	require.NoError(t, err)

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["base"], pos["left"])
	assert.Less(t, pos["base"], pos["right"])
	assert.Less(t, pos["left"], pos["top"])
	assert.Less(t, pos["right"], pos["top"])
}

func TestResolve_ThreeNodeCycle(t *testing.T) {
	m := mods(map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})
	order, err := Resolve([]string{"a", "b", "c"}, m)
	assert.Nil(t, order, "no partial order on error")

	var cerr *CycleError
	require.True(t, errors.As(err, &cerr))
	require.GreaterOrEqual(t, len(cerr.Chain), 2)
	assert.Equal(t, cerr.Chain[0], cerr.Chain[len(cerr.Chain)-1], "chain closes on itself")
	assert.Subset(t, []string{"a", "b", "c"}, cerr.Chain)
}

func TestResolve_MissingDependencyNamesBothSides(t *testing.T) {
	m := mods(map[string][]string{"a": {"ghost"}})
	order, err := Resolve([]string{"a"}, m)
	assert.Nil(t, order)

	var merr *MissingError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "a", merr.Module)
	assert.Equal(t, "ghost", merr.Dependency)
}

func TestDependents(t *testing.T) {
	m := mods(map[string][]string{
		"base":     nil,
		"mid":      {"base"},
		"leaf":     {"mid"},
		"unrelated": nil,
	})
	enabled := []string{"base", "mid", "leaf", "unrelated"}

	assert.Equal(t, []string{"mid", "leaf"}, Dependents("base", enabled, m))
	assert.Empty(t, Dependents("unrelated", enabled, m))
}
