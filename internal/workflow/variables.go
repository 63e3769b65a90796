package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Variable is a typed engine variable as carried on the wire.
type Variable struct {
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Variables is the bag of variables attached to an instance or task.
type Variables map[string]Variable

func String(v string) Variable  { return Variable{Value: v, Type: "String"} }
func Bool(v bool) Variable      { return Variable{Value: v, Type: "Boolean"} }
func Double(v float64) Variable { return Variable{Value: v, Type: "Double"} }

// String returns the named variable rendered as a string.
func (vs Variables) String(name string) (string, error) {
	v, ok := vs[name]
	if !ok || v.Value == nil {
		return "", fmt.Errorf("variable %q missing", name)
	}
	switch val := v.Value.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	default:
		return fmt.Sprint(val), nil
	}
}

// Float returns the named numeric variable.
func (vs Variables) Float(name string) (float64, error) {
	v, ok := vs[name]
	if !ok || v.Value == nil {
		return 0, fmt.Errorf("variable %q missing", name)
	}
	switch val := v.Value.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, fmt.Errorf("variable %q is %T, not numeric", name, v.Value)
	}
}

// Bool returns the named boolean variable; a missing variable is false.
func (vs Variables) Bool(name string) bool {
	v, ok := vs[name]
	if !ok {
		return false
	}
	switch val := v.Value.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	}
	return false
}

func (vs Variables) merge(other Variables) Variables {
	out := make(Variables, len(vs)+len(other))
	for k, v := range vs {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
