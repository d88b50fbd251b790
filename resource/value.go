package resource

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates Value variants.
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a JSON document whose strings may have been replaced by
// Resource placeholders.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
	res  *Resource
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps b.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps n.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps s.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps items.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Object wraps fields.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Placeholder wraps a resource.
func Placeholder(r *Resource) Value { return Value{kind: KindResource, res: r} }

// Kind returns the variant.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string of a KindString value.
func (v Value) Str() string { return v.s }

// Resource returns the resource of a KindResource value.
func (v Value) Resource() *Resource { return v.res }

// Field returns an object field.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Parse decodes JSON into a Value.
func Parse(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, err
	}
	return FromAny(raw)
}

// FromAny converts decoded JSON (and *Resource leaves) into a Value.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case *Resource:
		return Placeholder(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// Any converts the Value back into plain Go values. Placeholders become *Resource.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindResource:
		return v.res
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Any()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// Map returns the object as map[string]any, or an empty map for other kinds.
func (v Value) Map() map[string]any {
	if m, ok := v.Any().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Substitute returns a copy of v in which every string that looks like a
// resource reference is replaced by a placeholder tracked by scope.
func Substitute(v Value, scope *Scope) Value {
	switch v.kind {
	case KindString:
		if IsReference(v.s) {
			return Placeholder(scope.Track(New(v.s)))
		}
		return v
	case KindArray:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i] = Substitute(item, scope)
		}
		return Array(items...)
	case KindObject:
		fields := make(map[string]Value, len(v.obj))
		for k, item := range v.obj {
			fields[k] = Substitute(item, scope)
		}
		return Object(fields)
	default:
		return v
	}
}

// Resources returns every placeholder in v, objects visited in key order.
func (v Value) Resources() []*Resource {
	var out []*Resource
	v.collect(&out)
	return out
}

func (v Value) collect(out *[]*Resource) {
	switch v.kind {
	case KindResource:
		*out = append(*out, v.res)
	case KindArray:
		for _, item := range v.arr {
			item.collect(out)
		}
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v.obj[k].collect(out)
		}
	}
}
