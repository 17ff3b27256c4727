package attrvalue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// MarshalJSON encodes v as plain JSON: numbers are written as exact decimal
// literals, maps with their keys in ascending order, raw values as given.
func (v Value) MarshalJSON() ([]byte, error) {
	return AppendJSON(nil, v)
}

// encItem is either a literal token or a value still to be written.
type encItem struct {
	lit string
	v   *Value
}

// AppendJSON appends the JSON encoding of v to buf. Like Decode it walks
// the tree with an explicit stack.
func AppendJSON(buf []byte, v Value) ([]byte, error) {
	stack := []encItem{{v: &v}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.v == nil {
			buf = append(buf, it.lit...)
			continue
		}
		cur := it.v
		switch cur.Kind {
		case KindNull:
			buf = append(buf, "null"...)
		case KindString:
			buf = appendString(buf, cur.Str)
		case KindNumber:
			buf = append(buf, cur.Num.String()...)
		case KindBool:
			buf = strconv.AppendBool(buf, cur.Bool)
		case KindList:
			buf = append(buf, '[')
			stack = append(stack, encItem{lit: "]"})
			for i := len(cur.List) - 1; i >= 0; i-- {
				stack = append(stack, encItem{v: &cur.List[i]})
				if i > 0 {
					stack = append(stack, encItem{lit: ","})
				}
			}
		case KindMap:
			buf = append(buf, '{')
			stack = append(stack, encItem{lit: "}"})
			for i := len(cur.Fields) - 1; i >= 0; i-- {
				f := &cur.Fields[i]
				stack = append(stack, encItem{v: &f.Value})
				key := string(appendString(nil, f.Name)) + ":"
				if i > 0 {
					key = "," + key
				}
				stack = append(stack, encItem{lit: key})
			}
		case KindRaw:
			raw, err := json.Marshal(cur.Raw)
			if err != nil {
				return nil, fmt.Errorf("attrvalue: encode raw value: %w", err)
			}
			buf = append(buf, raw...)
		default:
			return nil, fmt.Errorf("attrvalue: encode: unknown kind %d", cur.Kind)
		}
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	b, _ := json.Marshal(s)
	return append(buf, b...)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
