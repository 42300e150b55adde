// Package loopexec implements the Loop Executor: the over()/while()
// iteration modes for a "loop" step, including browser-synced loop
// variables and the breadcrumb a failing body step prepends on its way out.
package loopexec

import (
	"context"
	"fmt"

	"github.com/webtestflow/cdp-orchestrator/internal/interpolate"
	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

const (
	defaultAsName  = "item"
	defaultIndexAs = "index"
)

// Evaluator is the one CDP Tab Client operation the loop executor needs:
// evaluating the over/while expressions and the window.__cdp_vars mirror
// writes. *cdp.Client satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string) (interface{}, error)
}

// StepExecutor runs a single (already-dispatch-ready) step and returns its
// outcome. The runner supplies the top-level dispatcher so nested loops and
// run_test steps inside a loop body work the same as at the top level.
type StepExecutor func(ctx context.Context, step model.StepDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars) model.StepOutcome

// Run executes a loop step's body against def, returning the outcome of the
// first failing body step (with a breadcrumb prepended) or a success
// outcome once the loop exits normally.
func Run(ctx context.Context, client Evaluator, def model.LoopDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars, exec StepExecutor) model.StepOutcome {
	if def.Over != "" && def.While != "" {
		return model.StepOutcome{Success: false, Error: "loop step requires exactly one of over or while"}
	}
	if def.Over != "" {
		return runOver(ctx, client, def, env, vars, synced, exec)
	}
	if def.While != "" {
		return runWhile(ctx, client, def, env, vars, synced, exec)
	}
	return model.StepOutcome{Success: false, Error: "loop step requires an over or while expression"}
}

func names(def model.LoopDef) (as, indexAs string) {
	as = def.As
	if as == "" {
		as = defaultAsName
	}
	indexAs = def.IndexAs
	if indexAs == "" {
		indexAs = defaultIndexAs
	}
	return
}

func runOver(ctx context.Context, client Evaluator, def model.LoopDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars, exec StepExecutor) model.StepOutcome {
	as, indexAs := names(def)

	result, err := client.Evaluate(ctx, def.Over)
	if err != nil {
		return model.StepOutcome{Success: false, Error: fmt.Sprintf("loop: evaluating over expression: %s", err)}
	}
	items, isArray := result.([]interface{})
	if !isArray {
		return model.StepOutcome{Success: false, Error: "loop: over expression did not evaluate to an array"}
	}

	n := len(items)
	if def.Max != nil && *def.Max < n {
		n = *def.Max
	}

	arrayVar := as + "__array"
	if _, err := client.Evaluate(ctx, fmt.Sprintf(
		"window.__cdp_vars = window.__cdp_vars || {}; window.__cdp_vars[%s] = %s; true",
		jsonQuote(arrayVar), mustJSONOrNull(items))); err != nil {
		return model.StepOutcome{Success: false, Error: fmt.Sprintf("loop: mirroring array: %s", err)}
	}

	for i := 0; i < n; i++ {
		vars.Set(as, items[i])
		vars.Set(indexAs, float64(i))
		synced.Mark(as)
		synced.Mark(indexAs)

		if err := mirrorVar(ctx, client, as, items[i]); err != nil {
			synced.Unmark(as)
			synced.Unmark(indexAs)
			return model.StepOutcome{Success: false, Error: fmt.Sprintf("loop: mirroring %s: %s", as, err)}
		}
		if err := mirrorVar(ctx, client, indexAs, float64(i)); err != nil {
			synced.Unmark(as)
			synced.Unmark(indexAs)
			return model.StepOutcome{Success: false, Error: fmt.Sprintf("loop: mirroring %s: %s", indexAs, err)}
		}

		outcome := runBody(ctx, def.Steps, i, env, vars, synced, exec)

		synced.Unmark(as)
		synced.Unmark(indexAs)

		if !outcome.Success {
			return outcome
		}
	}
	return model.StepOutcome{Success: true}
}

func runWhile(ctx context.Context, client Evaluator, def model.LoopDef, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars, exec StepExecutor) model.StepOutcome {
	if def.Max == nil {
		return model.StepOutcome{Success: false, Error: "loop: while requires max to bound iteration"}
	}

	for i := 0; i < *def.Max; i++ {
		truthy, err := evalCondition(ctx, client, def.While, env, vars, synced)
		if err != nil {
			return model.StepOutcome{Success: false, Error: fmt.Sprintf("loop: evaluating while condition: %s", err)}
		}
		if !truthy {
			return model.StepOutcome{Success: true}
		}

		outcome := runBody(ctx, def.Steps, i, env, vars, synced, exec)
		if !outcome.Success {
			return outcome
		}
	}
	return model.StepOutcome{Success: true}
}

func evalCondition(ctx context.Context, client Evaluator, expr string, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars) (bool, error) {
	interpolated := interpolate.Interpolate(expr, env, vars, synced)
	v, err := client.Evaluate(ctx, interpolated)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

func mirrorVar(ctx context.Context, client Evaluator, name string, value interface{}) error {
	_, err := client.Evaluate(ctx, fmt.Sprintf(
		"window.__cdp_vars = window.__cdp_vars || {}; window.__cdp_vars[%s] = %s; true",
		jsonQuote(name), mustJSONOrNull(value)))
	return err
}

// runBody interpolates and executes each body step in order, returning the
// outcome of the first failure with a loop breadcrumb prepended.
func runBody(ctx context.Context, steps []model.StepDef, iteration int, env map[string]interface{}, vars *model.VariableStore, synced *model.BrowserSyncedVars, exec StepExecutor) model.StepOutcome {
	for i, step := range steps {
		interpolated := interpolate.InterpolateStep(step, env, vars, synced)
		outcome := exec(ctx, interpolated, env, vars, synced)
		if outcome.Success {
			if name := step.AsName(); name != "" && !outcome.Skipped {
				vars.Set(name, outcome.Value)
			}
			continue
		}

		crumb := model.LoopBreadcrumb{Iteration: iteration, Step: i, Label: step.Label}
		breadcrumbs := append([]model.LoopBreadcrumb{crumb}, outcome.LoopContext...)
		prefix := fmt.Sprintf("iteration %d, step %d", iteration, i)
		if step.Label != "" {
			prefix += fmt.Sprintf(" (%s)", step.Label)
		}
		return model.StepOutcome{
			Success:     false,
			Error:       prefix + ": " + outcome.Error,
			LoopContext: breadcrumbs,
		}
	}
	return model.StepOutcome{Success: true}
}
