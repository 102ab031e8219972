package expr

import (
	"fmt"
	"strings"

	"github.com/xpsl/govaluate"
)

// Evaluate runs expr against params. Only the parameters the expression
// mentions are handed to the evaluator.
func Evaluate(expr string, params map[string]interface{}) (interface{}, error) {
	expression, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, err
	}

	parameters := make(map[string]interface{}, len(params))
	for name, value := range params {
		if strings.Contains(expr, name) {
			parameters[name] = value
		}
	}

	return expression.Evaluate(parameters)
}

// True evaluates a condition. An empty condition holds.
func True(expr string, params map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	result, err := Evaluate(expr, params)
	if err != nil {
		return false, err
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("expression %q yields %T, not bool", expr, result)
	}
	return ok, nil
}
