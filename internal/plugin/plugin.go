// Package plugin defines the tool plugin model and the [Registry] that exposes
// registered plugin functions to the LLM.
//
// A [Plugin] is a named group of [Function] values. Each function declares its
// typed parameters so the registry can publish a JSON Schema for it and can
// decode and type-check the arguments the model sends before the handler runs.
// The fully-qualified name offered to the model is "<plugin>-<function>", for
// example "math-Add".
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// NameSeparator joins plugin and function names into a fully-qualified tool name.
const NameSeparator = "-"

var (
	// ErrFunctionNotFound is returned by [Registry.Invoke] when the model asks
	// for a function that was never registered.
	ErrFunctionNotFound = errors.New("plugin: function not found")

	// ErrInvalidArguments is returned when the model's arguments cannot be
	// decoded or do not match the declared parameters.
	ErrInvalidArguments = errors.New("plugin: invalid arguments")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ParamType is the JSON Schema type of a function parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		return true
	}
	return false
}

// Parameter describes one named input of a [Function].
type Parameter struct {
	Name        string
	Description string
	Type        ParamType

	// Required parameters must be present in every call.
	Required bool
}

// HandlerFunc executes a function with already type-checked arguments. The
// returned value is formatted as text by the registry.
type HandlerFunc func(ctx context.Context, args Arguments) (any, error)

// Function is a single callable unit of a plugin.
type Function struct {
	Name        string
	Description string
	Parameters  []Parameter

	// Returns describes the result for humans; it is appended to the
	// description offered to the model.
	Returns string

	// Schema, when set, is published verbatim in place of the schema derived
	// from Parameters, and every decoded argument is passed through to the
	// handler without type checks. Used for tools described by a foreign
	// JSON Schema such as MCP tools.
	Schema map[string]any

	Handler HandlerFunc
}

// Plugin is a named group of functions. Plugins are immutable once registered.
type Plugin struct {
	Name        string
	Description string
	Functions   []Function
}

// FullName returns the fully-qualified tool name for fn in plugin p.
func FullName(plugin, fn string) string {
	return plugin + NameSeparator + fn
}

// SplitName splits a fully-qualified tool name into plugin and function.
// ok is false when name does not contain the separator.
func SplitName(name string) (plugin, fn string, ok bool) {
	return strings.Cut(name, NameSeparator)
}

// Arguments holds decoded call arguments keyed by parameter name. Values are
// already coerced to the declared type: string, int64, float64 or bool.
type Arguments map[string]any

// String returns the string argument name, or "" when absent.
func (a Arguments) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the integer argument name, or 0 when absent.
func (a Arguments) Int(name string) int64 {
	n, _ := a[name].(int64)
	return n
}

// Float returns the number argument name, or 0 when absent.
func (a Arguments) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool returns the boolean argument name, or false when absent.
func (a Arguments) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Has reports whether the argument name was supplied.
func (a Arguments) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// schema builds the JSON Schema object for fn's parameters.
func (fn Function) schema() map[string]any {
	if fn.Schema != nil {
		return fn.Schema
	}
	props := make(map[string]any, len(fn.Parameters))
	required := []string{}
	for _, p := range fn.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// decodeArguments parses raw JSON arguments and coerces each declared
// parameter. Undeclared keys are dropped.
func (fn Function) decodeArguments(raw string) (Arguments, error) {
	values := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("%w: decode %q: %v", ErrInvalidArguments, raw, err)
		}
	}

	if fn.Schema != nil {
		return Arguments(values), nil
	}

	args := make(Arguments, len(fn.Parameters))
	for _, p := range fn.Parameters {
		v, ok := values[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: missing required parameter %q", ErrInvalidArguments, p.Name)
			}
			continue
		}
		cv, err := coerce(p.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", ErrInvalidArguments, p.Name, err)
		}
		args[p.Name] = cv
	}
	return args, nil
}

func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case TypeInteger:
		var s string
		switch x := v.(type) {
		case json.Number:
			s = x.String()
		case string:
			s = strings.TrimSpace(x)
		default:
			return nil, fmt.Errorf("expected integer, got %T", v)
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected integer, got %q", s)
		}
		// Converting a float outside the int64 range is implementation-defined.
		if f < math.MinInt64 || f >= -math.MinInt64 {
			return nil, fmt.Errorf("integer %q out of range", s)
		}
		return int64(f), nil
	case TypeNumber:
		var s string
		switch x := v.(type) {
		case json.Number:
			s = x.String()
		case string:
			s = strings.TrimSpace(x)
		default:
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", s)
		}
		return f, nil
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", x)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

// FormatResult renders a handler return value as the text sent back to the
// model: strings verbatim, numbers and booleans via strconv, nil as empty
// text, everything else as JSON.
func FormatResult(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case bool:
		return strconv.FormatBool(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("plugin: format result: %w", err)
	}
	return string(b), nil
}
