package commsutil

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

const maxValueDepth = 64

var timeType = reflect.TypeOf(time.Time{})

// ToValue normalizes an arbitrary Go value into the closed set of wire types:
// nil, bool, int64, float64, string, time.Time, []byte, []any and
// map[string]any. Structs become maps keyed by their json field names.
func ToValue(v any) (any, error) {
	return normalize(reflect.ValueOf(v), 0)
}

// FromValue assigns a normalized value into target, which must be a non-nil
// pointer. It is the inverse of ToValue.
func FromValue(v any, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("from value: target must be a non-nil pointer, got %T", target)
	}
	return assign(v, rv.Elem(), 0)
}

func normalize(rv reflect.Value, depth int) (any, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("to value: nesting deeper than %d", maxValueDepth)
	}
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem(), depth+1)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("to value: %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Struct:
		if rv.Type() == timeType {
			return rv.Interface().(time.Time), nil
		}
		out := make(map[string]any)
		for _, f := range structFields(rv.Type()) {
			fv := rv.FieldByIndex(f.index)
			if f.omitEmpty && fv.IsZero() {
				continue
			}
			n, err := normalize(fv, depth+1)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = n
		}
		return out, nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			copy(b, rv.Bytes())
			return b, nil
		}
		return normalizeList(rv, depth)
	case reflect.Array:
		return normalizeList(rv, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("to value: map key type %s is not a string", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := normalize(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("to value: unsupported type %s", rv.Type())
}

func normalizeList(rv reflect.Value, depth int) (any, error) {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		n, err := normalize(rv.Index(i), depth+1)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func assign(v any, dst reflect.Value, depth int) error {
	if depth > maxValueDepth {
		return fmt.Errorf("from value: nesting deeper than %d", maxValueDepth)
	}
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	switch dst.Kind() {
	case reflect.Interface:
		src := reflect.ValueOf(v)
		if !src.Type().AssignableTo(dst.Type()) {
			return fmt.Errorf("from value: %T is not assignable to %s", v, dst.Type())
		}
		dst.Set(src)
		return nil
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(v, elem.Elem(), depth+1); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return mismatch(v, dst)
		}
		dst.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := asInt(v)
		if !ok || dst.OverflowInt(n) {
			return mismatch(v, dst)
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := asInt(v)
		if !ok || n < 0 || dst.OverflowUint(uint64(n)) {
			return mismatch(v, dst)
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		switch x := v.(type) {
		case float64:
			dst.SetFloat(x)
		case int64:
			dst.SetFloat(float64(x))
		default:
			return mismatch(v, dst)
		}
		return nil
	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return mismatch(v, dst)
		}
		dst.SetString(s)
		return nil
	case reflect.Struct:
		if dst.Type() == timeType {
			switch x := v.(type) {
			case time.Time:
				dst.Set(reflect.ValueOf(x))
			case string:
				ts, err := time.Parse(time.RFC3339Nano, x)
				if err != nil {
					return fmt.Errorf("from value: %w", err)
				}
				dst.Set(reflect.ValueOf(ts))
			default:
				return mismatch(v, dst)
			}
			return nil
		}
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(v, dst)
		}
		for _, f := range structFields(dst.Type()) {
			fv, present := m[f.name]
			if !present {
				continue
			}
			if err := assign(fv, dst.FieldByIndex(f.index), depth+1); err != nil {
				return fmt.Errorf("field %s: %w", f.name, err)
			}
		}
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := v.([]byte)
			if !ok {
				return mismatch(v, dst)
			}
			out := reflect.MakeSlice(dst.Type(), len(b), len(b))
			reflect.Copy(out, reflect.ValueOf(b))
			dst.Set(out)
			return nil
		}
		list, ok := v.([]any)
		if !ok {
			return mismatch(v, dst)
		}
		out := reflect.MakeSlice(dst.Type(), len(list), len(list))
		for i, item := range list {
			if err := assign(item, out.Index(i), depth+1); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		dst.Set(out)
		return nil
	case reflect.Array:
		list, ok := v.([]any)
		if !ok || len(list) != dst.Len() {
			return mismatch(v, dst)
		}
		for i, item := range list {
			if err := assign(item, dst.Index(i), depth+1); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case reflect.Map:
		if dst.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("from value: map key type %s is not a string", dst.Type().Key())
		}
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(v, dst)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, item := range m {
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(item, ev, depth+1); err != nil {
				return fmt.Errorf("key %s: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), ev)
		}
		dst.Set(out)
		return nil
	}
	return fmt.Errorf("from value: unsupported target type %s", dst.Type())
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}

func mismatch(v any, dst reflect.Value) error {
	return fmt.Errorf("from value: cannot assign %T to %s", v, dst.Type())
}

type fieldInfo struct {
	name      string
	index     []int
	omitEmpty bool
}

// structFields lists the exported fields of t under their json names.
// Untagged embedded structs are flattened into the parent.
func structFields(t reflect.Type) []fieldInfo {
	var fields []fieldInfo
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tagValue := sf.Tag.Get("json")
		if tagValue == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tagValue, ",")

		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct && sf.Type != timeType {
			for _, inner := range structFields(sf.Type) {
				inner.index = append([]int{i}, inner.index...)
				fields = append(fields, inner)
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		fields = append(fields, fieldInfo{
			name:      name,
			index:     []int{i},
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}
	return fields
}
