package commsutil

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Value tags used on the wire. Each encoded value is {"t": tag, "v": payload}
// so integers, timestamps and byte strings survive the trip without being
// flattened into JSON numbers and strings.
const (
	TagNull   = "null"
	TagBool   = "bool"
	TagInt    = "int"
	TagFloat  = "float"
	TagString = "string"
	TagTime   = "time"
	TagBytes  = "bytes"
	TagList   = "list"
	TagMap    = "map"
)

type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// EncodeValue converts v into its normalized form (see ToValue) and encodes
// it as a tagged JSON document.
func EncodeValue(v any) (json.RawMessage, error) {
	n, err := ToValue(v)
	if err != nil {
		return nil, err
	}
	tv, err := tag(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tv)
}

// DecodeValue decodes a tagged JSON document into its normalized form:
// nil, bool, int64, float64, string, time.Time, []byte, []any or map[string]any.
func DecodeValue(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return untag(tv)
}

// EncodeArgs encodes positional arguments as a tagged list.
func EncodeArgs(args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	return EncodeValue(args)
}

// DecodeArgs decodes a tagged list back into positional arguments.
func DecodeArgs(data json.RawMessage) ([]any, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return []any{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("decode args: expected list, got %T", v)
	}
	return list, nil
}

func tag(v any) (taggedValue, error) {
	var (
		t   string
		raw []byte
		err error
	)
	switch x := v.(type) {
	case nil:
		return taggedValue{T: TagNull}, nil
	case bool:
		t = TagBool
		raw, err = json.Marshal(x)
	case int64:
		t = TagInt
		raw, err = json.Marshal(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return taggedValue{}, fmt.Errorf("encode value: float %v is not representable", x)
		}
		t = TagFloat
		raw, err = json.Marshal(x)
	case string:
		t = TagString
		raw, err = json.Marshal(x)
	case time.Time:
		t = TagTime
		raw, err = json.Marshal(x.Format(time.RFC3339Nano))
	case []byte:
		t = TagBytes
		raw, err = json.Marshal(x)
	case []any:
		items := make([]taggedValue, len(x))
		for i, item := range x {
			if items[i], err = tag(item); err != nil {
				return taggedValue{}, err
			}
		}
		t = TagList
		raw, err = json.Marshal(items)
	case map[string]any:
		entries := make(map[string]taggedValue, len(x))
		for k, item := range x {
			if entries[k], err = tag(item); err != nil {
				return taggedValue{}, err
			}
		}
		t = TagMap
		raw, err = json.Marshal(entries)
	default:
		return taggedValue{}, fmt.Errorf("encode value: unsupported normalized type %T", v)
	}
	if err != nil {
		return taggedValue{}, fmt.Errorf("encode value: %w", err)
	}
	return taggedValue{T: t, V: raw}, nil
}

func untag(tv taggedValue) (any, error) {
	switch tv.T {
	case TagNull:
		return nil, nil
	case TagBool:
		var b bool
		if err := json.Unmarshal(tv.V, &b); err != nil {
			return nil, fmt.Errorf("decode bool: %w", err)
		}
		return b, nil
	case TagInt:
		var n int64
		if err := json.Unmarshal(tv.V, &n); err != nil {
			return nil, fmt.Errorf("decode int: %w", err)
		}
		return n, nil
	case TagFloat:
		var f float64
		if err := json.Unmarshal(tv.V, &f); err != nil {
			return nil, fmt.Errorf("decode float: %w", err)
		}
		return f, nil
	case TagString:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, fmt.Errorf("decode string: %w", err)
		}
		return s, nil
	case TagTime:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, fmt.Errorf("decode time: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decode time: %w", err)
		}
		return ts, nil
	case TagBytes:
		var b []byte
		if err := json.Unmarshal(tv.V, &b); err != nil {
			return nil, fmt.Errorf("decode bytes: %w", err)
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil
	case TagList:
		var items []taggedValue
		if err := json.Unmarshal(tv.V, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := untag(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case TagMap:
		var entries map[string]taggedValue
		if err := json.Unmarshal(tv.V, &entries); err != nil {
			return nil, fmt.Errorf("decode map: %w", err)
		}
		out := make(map[string]any, len(entries))
		for k, item := range entries {
			v, err := untag(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("decode value: unknown tag %q", tv.T)
}
