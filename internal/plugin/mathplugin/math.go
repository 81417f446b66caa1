// Package mathplugin provides the "math" plugin with integer addition and
// subtraction.
package mathplugin

import (
	"context"
	"errors"

	"github.com/MrWong99/mosscap/internal/plugin"
)

// Name is the plugin name used in tool names such as "math-Add".
const Name = "math"

// ErrOverflow is returned when a result does not fit in an int64.
var ErrOverflow = errors.New("math: result overflows int64")

// add returns a+b, or ErrOverflow when the sign of the sum contradicts the
// operands.
func add(a, b int64) (int64, error) {
	sum := a + b
	if (a >= 0) == (b >= 0) && (sum >= 0) != (a >= 0) {
		return 0, ErrOverflow
	}
	return sum, nil
}

func subtract(a, b int64) (int64, error) {
	diff := a - b
	if (a >= 0) != (b >= 0) && (diff >= 0) != (a >= 0) {
		return 0, ErrOverflow
	}
	return diff, nil
}

var operands = []plugin.Parameter{
	{Name: "input", Description: "the first number", Type: plugin.TypeInteger, Required: true},
	{Name: "amount", Description: "the second number", Type: plugin.TypeInteger, Required: true},
}

// New returns the math plugin.
func New() plugin.Plugin {
	return plugin.Plugin{
		Name:        Name,
		Description: "Integer arithmetic.",
		Functions: []plugin.Function{
			{
				Name:        "Add",
				Description: "Returns the addition result of the values provided.",
				Parameters:  operands,
				Returns:     "the sum as a number",
				Handler: func(_ context.Context, args plugin.Arguments) (any, error) {
					return add(args.Int("input"), args.Int("amount"))
				},
			},
			{
				Name:        "Subtract",
				Description: "Returns the difference of the values provided.",
				Parameters:  operands,
				Returns:     "input minus amount as a number",
				Handler: func(_ context.Context, args plugin.Arguments) (any, error) {
					return subtract(args.Int("input"), args.Int("amount"))
				},
			},
		},
	}
}
