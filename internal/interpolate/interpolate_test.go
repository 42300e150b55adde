package interpolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

func TestInterpolate_NoMatchIsIdentity(t *testing.T) {
	vars := model.NewVariableStore(nil)
	synced := model.NewBrowserSyncedVars()

	out := Interpolate("plain text, no patterns here", nil, vars, synced)
	assert.Equal(t, "plain text, no patterns here", out)
}

func TestInterpolate_EnvBeforeVars(t *testing.T) {
	vars := model.NewVariableStore(map[string]interface{}{"x": "$env.NAME"})
	synced := model.NewBrowserSyncedVars()
	env := map[string]interface{}{"NAME": "alice"}

	out := Interpolate("hi $vars.x", env, vars, synced)
	// $vars.x expands to the literal value "$env.NAME" verbatim — env
	// substitution only happens once, left to right, not recursively.
	assert.Equal(t, "hi $env.NAME", out)
}

func TestInterpolate_EnvCanonicalForms(t *testing.T) {
	vars := model.NewVariableStore(nil)
	synced := model.NewBrowserSyncedVars()
	env := map[string]interface{}{
		"N":    float64(42),
		"B":    true,
		"Null": nil,
		"Obj":  map[string]interface{}{"a": 1},
	}

	require.Equal(t, "42", Interpolate("$env.N", env, vars, synced))
	require.Equal(t, "true", Interpolate("$env.B", env, vars, synced))
	require.Equal(t, "null", Interpolate("$env.Null", env, vars, synced))
	assert.JSONEq(t, `{"a":1}`, Interpolate("$env.Obj", env, vars, synced))
}

func TestInterpolate_SyncedVarEmitsPropertyAccess(t *testing.T) {
	vars := model.NewVariableStore(map[string]interface{}{"n": float64(3)})
	synced := model.NewBrowserSyncedVars()
	synced.Mark("n")

	out := Interpolate("$vars.n * 2", nil, vars, synced)
	assert.Equal(t, `window.__cdp_vars["n"] * 2`, out)
}

func TestInterpolate_UnsyncedVarInlinesValue(t *testing.T) {
	vars := model.NewVariableStore(map[string]interface{}{"n": float64(3)})
	synced := model.NewBrowserSyncedVars()

	out := Interpolate("$vars.n * 2", nil, vars, synced)
	assert.Equal(t, "3 * 2", out)
}

func TestInterpolate_UnknownNameLeftVerbatim(t *testing.T) {
	vars := model.NewVariableStore(nil)
	synced := model.NewBrowserSyncedVars()

	out := Interpolate("$vars.missing + $env.alsoMissing", nil, vars, synced)
	assert.Equal(t, "$vars.missing + $env.alsoMissing", out)
}

func TestInterpolate_Idempotent(t *testing.T) {
	vars := model.NewVariableStore(map[string]interface{}{"x": "plain"})
	synced := model.NewBrowserSyncedVars()
	env := map[string]interface{}{"E": "1"}

	once := Interpolate("$env.E-$vars.x", env, vars, synced)
	twice := Interpolate(once, env, vars, synced)
	assert.Equal(t, once, twice)
}

func TestInterpolateStep_LoopChildrenNotRecursed(t *testing.T) {
	vars := model.NewVariableStore(nil)
	synced := model.NewBrowserSyncedVars()

	child := model.StepDef{Kind: model.KindEvaluate, Eval: "$vars.n"}
	step := model.StepDef{
		Kind: model.KindLoop,
		Loop: model.LoopDef{Over: "$vars.xs", Steps: []model.StepDef{child}},
	}

	out := InterpolateStep(step, nil, vars, synced)
	require.Len(t, out.Loop.Steps, 1)
	assert.Equal(t, "$vars.n", out.Loop.Steps[0].Eval)
}

func TestInterpolateStep_WhileConditionNotEagerlyExpanded(t *testing.T) {
	vars := model.NewVariableStore(map[string]interface{}{"count": float64(0)})
	synced := model.NewBrowserSyncedVars()

	step := model.StepDef{
		Kind: model.KindLoop,
		Loop: model.LoopDef{While: "$vars.count < 3"},
	}
	out := InterpolateStep(step, nil, vars, synced)
	// the loop executor interpolates the condition per iteration; expanding
	// it here would freeze the first iteration's value.
	assert.Equal(t, "$vars.count < 3", out.Loop.While)
}
