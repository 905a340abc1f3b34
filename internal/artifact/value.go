package artifact

import (
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the structural content types an artifact
// region may hold. Only String, Int, Bool, List, and Map implement it.
// There is deliberately no float variant - floats break deterministic
// content-addressed hashing.
type Value interface {
	value() // Sealed - only these types implement it
}

// String is a string value.
type String string

func (String) value() {}

// Int is an integer value. Always int64, never float64.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// List is an ordered sequence of values. Order is semantic.
type List []Value

func (List) value() {}

// Map is a keyed collection of values. Key order is NOT semantic; two maps
// with the same entries in different insertion order are structurally equal.
// Use SortedKeys for deterministic iteration.
type Map map[string]Value

func (Map) value() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order which differs for some inputs.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units as required by
// RFC 8785. utf16.Encode handles surrogate pairs correctly.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}

// FromAny converts a decoded JSON/YAML value into a Value.
// Floats and nulls are rejected.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a valid artifact value")
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case bool:
		return Bool(val), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are not valid artifact values: %v", val)
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			lv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = lv
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, elem := range val {
			mv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m[k] = mv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported artifact value type: %T", v)
	}
}

// UnmarshalValue decodes a JSON value into the appropriate Value type.
// Numbers are decoded as Int; floats are rejected.
func UnmarshalValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return nil, fmt.Errorf("null is not a valid artifact value")

	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		list := make(List, len(raw))
		for i, elem := range raw {
			lv, err := UnmarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = lv
		}
		return list, nil

	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		m := make(Map, len(raw))
		for k, elem := range raw {
			mv, err := UnmarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m[k] = mv
		}
		return m, nil

	default:
		// Numeric. Reject anything with a fraction or exponent.
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("non-integer number %q is not a valid artifact value", n)
		}
		return Int(i), nil
	}
}
