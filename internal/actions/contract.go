package actions

import (
	"fmt"

	"grace/internal/api"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// predicate is one compiled contract expression. Predicates are compiled
// at registration time so a malformed contract fails the definition, not
// the first request.
type predicate struct {
	src  string
	prog *vm.Program
}

func compilePredicates(sources []string) ([]predicate, error) {
	preds := make([]predicate, 0, len(sources))
	for _, src := range sources {
		prog, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", src, err)
		}
		preds = append(preds, predicate{src: src, prog: prog})
	}
	return preds, nil
}

// evaluate runs every predicate against the environment. The first
// predicate that is false or errors fails the contract.
func evaluate(phase string, preds []predicate, env map[string]interface{}) error {
	for _, p := range preds {
		out, err := expr.Run(p.prog, env)
		if err != nil {
			return api.NewContractViolationError(phase, p.src, err.Error())
		}
		ok, _ := out.(bool)
		if !ok {
			return api.NewContractViolationError(phase, p.src, "predicate is false")
		}
	}
	return nil
}

// contractEnv builds the expression environment: the world state overlaid
// with the request's own fields.
func contractEnv(world map[string]interface{}, req api.ActionRequest) map[string]interface{} {
	env := make(map[string]interface{}, len(world)+4)
	for k, v := range world {
		env[k] = v
	}
	env["params"] = req.Params
	env["action_type"] = req.ActionType
	env["proposer"] = req.Proposer
	env["tier"] = int(req.Tier)
	return env
}
