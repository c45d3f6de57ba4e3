// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package tools

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/bernard-dev/bernard/internal/agent"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const (
	CalculateName = "calculate"

	maxExpressionLen = 1024
	// celCostLimit bounds evaluation work so a hostile expression cannot
	// spin forever.
	celCostLimit = 100_000
)

// Calculate evaluates arithmetic and logical expressions with CEL.
type Calculate struct {
	env *cel.Env
	err error
}

var _ agent.Action = (*Calculate)(nil)

func NewCalculate() *Calculate {
	env, err := cel.NewEnv(ext.Math(), ext.Strings())
	return &Calculate{env: env, err: err}
}

func (c *Calculate) Spec() agent.ActionSpec {
	return agent.ActionSpec{
		Name: CalculateName,
		Description: "Evaluates an arithmetic or logical expression and returns the result. " +
			"Integer division truncates; write 10.0 / 4.0 for fractional results. " +
			"math.greatest, math.least, math.abs, math.ceil and math.floor are available.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Expression to evaluate, for example (17 * 3) + 4.",
				},
			},
			"required": []string{"expression"},
		},
	}
}

func (c *Calculate) Run(ctx context.Context, args any) (string, error) {
	if c.err != nil {
		return "", bernerr.Wrap(c.err, bernerr.CodeAgentActionFailure, "creating expression environment")
	}
	expr, ok := stringArg(args, "expression")
	if !ok {
		return "", bernerr.New(bernerr.CodeAgentActionArgsInvalid, "expression is required")
	}
	if len(expr) > maxExpressionLen {
		return "", bernerr.Errorf(bernerr.CodeAgentActionArgsInvalid,
			"expression too long: %d bytes (max %d)", len(expr), maxExpressionLen)
	}

	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return "", bernerr.Wrap(iss.Err(), bernerr.CodeAgentActionArgsInvalid, "invalid expression")
	}
	prg, err := c.env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return "", bernerr.Wrap(err, bernerr.CodeAgentActionArgsInvalid, "invalid expression")
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{})
	if err != nil {
		return "", bernerr.Wrap(err, bernerr.CodeAgentActionFailure, "evaluating expression")
	}
	return formatValue(out.Value()), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
