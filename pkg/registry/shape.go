package registry

import (
	"fmt"
	"reflect"
	"time"
)

// Kind is the declared type of a parameter or return value.
type Kind string

const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
	KindBytes  Kind = "bytes"
	KindList   Kind = "list"
	KindMap    Kind = "map"
	KindObject Kind = "object"
	KindNone   Kind = "none"
)

var validKinds = map[Kind]bool{
	KindAny: true, KindString: true, KindInt: true, KindFloat: true, KindBool: true,
	KindTime: true, KindBytes: true, KindList: true, KindMap: true, KindObject: true, KindNone: true,
}

// Param is one positional parameter of a contract.
type Param struct {
	Name     string `json:"name" yaml:"name"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Shape is the operation signature a contract stands for. The call context
// is implicit and never listed in Params.
type Shape struct {
	Method  string  `json:"method" yaml:"method"`
	Params  []Param `json:"params" yaml:"params"`
	Returns Kind    `json:"returns" yaml:"returns"`
}

// Equal reports whether two shapes describe the same signature.
func (s Shape) Equal(o Shape) bool {
	if s.Method != o.Method || s.Returns != o.Returns || len(s.Params) != len(o.Params) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

// Validate checks that the shape is well formed.
func (s Shape) Validate() error {
	if s.Method == "" {
		return fmt.Errorf("shape method is required")
	}
	if s.Returns != "" && !validKinds[s.Returns] {
		return fmt.Errorf("shape %s: unknown return kind %q", s.Method, s.Returns)
	}
	seen := make(map[string]bool, len(s.Params))
	for i, p := range s.Params {
		if p.Name == "" {
			return fmt.Errorf("shape %s: parameter %d has no name", s.Method, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("shape %s: duplicate parameter %q", s.Method, p.Name)
		}
		seen[p.Name] = true
		if !validKinds[p.Kind] || p.Kind == KindNone {
			return fmt.Errorf("shape %s: parameter %q has invalid kind %q", s.Method, p.Name, p.Kind)
		}
	}
	return nil
}

// CheckArgs validates positional arguments against the shape. Missing
// trailing arguments are allowed only for optional parameters.
func (s Shape) CheckArgs(args []any) error {
	if len(args) > len(s.Params) {
		return fmt.Errorf("%s takes %d arguments, got %d", s.Method, len(s.Params), len(args))
	}
	for i, p := range s.Params {
		var v any
		if i < len(args) {
			v = args[i]
		}
		if v == nil {
			if p.Optional || p.Kind == KindAny {
				continue
			}
			return fmt.Errorf("%s: argument %q is required", s.Method, p.Name)
		}
		if !p.Kind.Accepts(v) {
			return fmt.Errorf("%s: argument %q expects %s, got %T", s.Method, p.Name, p.Kind, v)
		}
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

// Accepts reports whether a non-nil Go value fits the kind.
func (k Kind) Accepts(v any) bool {
	if k == KindAny || k == "" {
		return true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return true
		}
		rv = rv.Elem()
	}
	t := rv.Type()
	switch k {
	case KindString:
		return t.Kind() == reflect.String
	case KindInt:
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		}
		return false
	case KindFloat:
		switch t.Kind() {
		case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int8, reflect.Int16,
			reflect.Int32, reflect.Int64:
			return true
		}
		return false
	case KindBool:
		return t.Kind() == reflect.Bool
	case KindTime:
		return t == timeType
	case KindBytes:
		return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
	case KindList:
		return (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t.Elem().Kind() != reflect.Uint8
	case KindMap:
		return t.Kind() == reflect.Map && t.Key().Kind() == reflect.String
	case KindObject:
		return (t.Kind() == reflect.Struct && t != timeType) ||
			(t.Kind() == reflect.Map && t.Key().Kind() == reflect.String)
	}
	return false
}
