package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// MaxMetadataDepth bounds nesting of metadata values. A flat map has depth 1.
const MaxMetadataDepth = 4

// MaxMetadataKeyLength bounds individual metadata keys.
const MaxMetadataKeyLength = 128

// ValueKind tags a metadata value with its type
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	KindList   ValueKind = "list"
	KindMap    ValueKind = "map"
)

// Value is a tagged metadata value. Exactly one payload field is meaningful,
// selected by Kind.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	List  []Value
	Map   Metadata
}

// Metadata is a bounded-depth tagged key/value map
type Metadata map[string]Value

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func ListValue(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

func MapValue(m Metadata) Value { return Value{Kind: KindMap, Map: m} }

// Validate checks kinds, depth, key lengths and that floats are finite
func (m Metadata) Validate() error {
	return m.validate(1)
}

func (m Metadata) validate(depth int) error {
	if depth > MaxMetadataDepth {
		return fmt.Errorf("metadata exceeds maximum depth %d", MaxMetadataDepth)
	}
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("metadata key cannot be empty")
		}
		if len(k) > MaxMetadataKeyLength {
			return fmt.Errorf("metadata key %q exceeds %d bytes", k[:16], MaxMetadataKeyLength)
		}
		if err := v.validate(depth); err != nil {
			return fmt.Errorf("metadata key %q: %w", k, err)
		}
	}
	return nil
}

func (v Value) validate(depth int) error {
	switch v.Kind {
	case KindString, KindInt, KindBool:
		return nil
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return fmt.Errorf("float value must be finite")
		}
		return nil
	case KindList:
		if depth+1 > MaxMetadataDepth {
			return fmt.Errorf("metadata exceeds maximum depth %d", MaxMetadataDepth)
		}
		for i, item := range v.List {
			if err := item.validate(depth + 1); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case KindMap:
		return v.Map.validate(depth + 1)
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

// canonical renders the value as a tagged structure with sorted map keys
func (v Value) canonical() interface{} {
	switch v.Kind {
	case KindString:
		return []interface{}{string(v.Kind), v.Str}
	case KindInt:
		return []interface{}{string(v.Kind), v.Int}
	case KindFloat:
		return []interface{}{string(v.Kind), v.Float}
	case KindBool:
		return []interface{}{string(v.Kind), v.Bool}
	case KindList:
		items := make([]interface{}, len(v.List))
		for i, item := range v.List {
			items[i] = item.canonical()
		}
		return []interface{}{string(v.Kind), items}
	case KindMap:
		return []interface{}{string(v.Kind), v.Map.canonical()}
	default:
		return nil
	}
}

// canonical returns an ordered key/value list so the encoding never depends
// on map iteration order.
func (m Metadata) canonical() []interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, []interface{}{k, m[k].canonical()})
	}
	return out
}

type taggedValue struct {
	T ValueKind       `json:"t"`
	V json.RawMessage `json:"v"`
}

// MarshalJSON encodes the value as {"t": kind, "v": payload}
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.Kind {
	case KindString:
		payload = v.Str
	case KindInt:
		payload = v.Int
	case KindFloat:
		payload = v.Float
	case KindBool:
		payload = v.Bool
	case KindList:
		if v.List == nil {
			payload = []Value{}
		} else {
			payload = v.List
		}
	case KindMap:
		if v.Map == nil {
			payload = Metadata{}
		} else {
			payload = v.Map
		}
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{T: v.Kind, V: raw})
}

// UnmarshalJSON decodes the tagged encoding produced by MarshalJSON
func (v *Value) UnmarshalJSON(data []byte) error {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return err
	}

	out := Value{Kind: tv.T}
	var err error
	switch tv.T {
	case KindString:
		err = json.Unmarshal(tv.V, &out.Str)
	case KindInt:
		dec := json.NewDecoder(bytes.NewReader(tv.V))
		dec.UseNumber()
		var n json.Number
		if err = dec.Decode(&n); err == nil {
			out.Int, err = n.Int64()
		}
	case KindFloat:
		err = json.Unmarshal(tv.V, &out.Float)
	case KindBool:
		err = json.Unmarshal(tv.V, &out.Bool)
	case KindList:
		err = json.Unmarshal(tv.V, &out.List)
	case KindMap:
		err = json.Unmarshal(tv.V, &out.Map)
	default:
		return fmt.Errorf("unknown value kind %q", tv.T)
	}
	if err != nil {
		return fmt.Errorf("decoding %s value: %w", tv.T, err)
	}

	*v = out
	return nil
}

// MetadataFromMap converts a loosely typed JSON object into tagged metadata.
// Numbers must arrive as json.Number (decoder.UseNumber) to keep ints and
// floats distinguishable.
func MetadataFromMap(raw map[string]interface{}) (Metadata, error) {
	m, err := metadataFromMap(raw, 1)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func metadataFromMap(raw map[string]interface{}, depth int) (Metadata, error) {
	if depth > MaxMetadataDepth {
		return nil, fmt.Errorf("metadata exceeds maximum depth %d", MaxMetadataDepth)
	}
	if raw == nil {
		return nil, nil
	}
	m := make(Metadata, len(raw))
	for k, item := range raw {
		v, err := valueFromInterface(item, depth)
		if err != nil {
			return nil, fmt.Errorf("metadata key %q: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

func valueFromInterface(item interface{}, depth int) (Value, error) {
	switch x := item.(type) {
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", x.String())
		}
		return FloatValue(f), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return IntValue(int64(x)), nil
		}
		return FloatValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case []interface{}:
		if depth+1 > MaxMetadataDepth {
			return Value{}, fmt.Errorf("metadata exceeds maximum depth %d", MaxMetadataDepth)
		}
		list := make([]Value, len(x))
		for i, elem := range x {
			v, err := valueFromInterface(elem, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			list[i] = v
		}
		return ListValue(list...), nil
	case map[string]interface{}:
		nested, err := metadataFromMap(x, depth+1)
		if err != nil {
			return Value{}, err
		}
		return MapValue(nested), nil
	case nil:
		return Value{}, fmt.Errorf("null values are not supported")
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", item)
	}
}

// Clone returns a deep copy of the metadata
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	c := v
	if v.List != nil {
		c.List = make([]Value, len(v.List))
		for i, item := range v.List {
			c.List[i] = item.clone()
		}
	}
	if v.Map != nil {
		c.Map = v.Map.Clone()
	}
	return c
}
