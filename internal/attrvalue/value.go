// Package attrvalue decodes the type-tagged attribute encoding used by
// DynamoDB stream images ({"S": "..."}, {"N": "..."}, {"M": {...}}, ...)
// into a normalized value tree.
//
// Numbers are kept as exact decimals. Objects whose tag is not recognized
// are preserved verbatim as Raw values so that producers can add new
// attribute types without breaking consumers.
package attrvalue

import (
	"reflect"
	"sort"

	"github.com/shopspring/decimal"
)

// Kind is the active variant of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
	KindRaw
)

var kindNames = [...]string{
	KindNull:   "null",
	KindString: "string",
	KindNumber: "number",
	KindBool:   "bool",
	KindList:   "list",
	KindMap:    "map",
	KindRaw:    "raw",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is a normalized attribute value. Exactly one of the payload fields
// is meaningful, selected by Kind. Map fields are kept sorted by name.
type Value struct {
	Kind   Kind
	Str    string
	Num    decimal.Decimal
	Bool   bool
	List   []Value
	Fields []Field
	Raw    any
}

// Field is a named entry of a map value.
type Field struct {
	Name  string
	Value Value
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a number value.
func Number(d decimal.Decimal) Value { return Value{Kind: KindNumber, Num: d} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// List returns a list value holding items in order.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Kind: KindList, List: items}
}

// Raw returns an opaque value that is re-encoded exactly as given.
func Raw(v any) Value { return Value{Kind: KindRaw, Raw: v} }

// Map returns a map value. Fields are sorted by name; when a name repeats
// the last occurrence wins.
func Map(fields ...Field) Value {
	out := make([]Field, 0, len(fields))
	out = append(out, fields...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	// Collapse duplicates keeping the last one of each run.
	dedup := out[:0]
	for i, f := range out {
		if i+1 < len(out) && out[i+1].Name == f.Name {
			continue
		}
		dedup = append(dedup, f)
	}
	return Value{Kind: KindMap, Fields: dedup}
}

// Get returns the field with the given name of a map value.
func (v Value) Get(name string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	i := sort.Search(len(v.Fields), func(i int) bool { return v.Fields[i].Name >= name })
	if i < len(v.Fields) && v.Fields[i].Name == name {
		return v.Fields[i].Value, true
	}
	return Value{}, false
}

// With returns a copy of a map value with name set to val.
func (v Value) With(name string, val Value) Value {
	fields := make([]Field, 0, len(v.Fields)+1)
	fields = append(fields, v.Fields...)
	fields = append(fields, Field{Name: name, Value: val})
	return Map(fields...)
}

// Equal reports whether two value trees are identical. Numbers compare by
// decimal value, raw values by deep equality.
func (v Value) Equal(o Value) bool {
	type pair struct{ a, b *Value }
	stack := []pair{{&v, &o}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		a, b := p.a, p.b
		if a.Kind != b.Kind {
			return false
		}
		switch a.Kind {
		case KindNull:
		case KindString:
			if a.Str != b.Str {
				return false
			}
		case KindNumber:
			if !a.Num.Equal(b.Num) {
				return false
			}
		case KindBool:
			if a.Bool != b.Bool {
				return false
			}
		case KindList:
			if len(a.List) != len(b.List) {
				return false
			}
			for i := range a.List {
				stack = append(stack, pair{&a.List[i], &b.List[i]})
			}
		case KindMap:
			if len(a.Fields) != len(b.Fields) {
				return false
			}
			for i := range a.Fields {
				if a.Fields[i].Name != b.Fields[i].Name {
					return false
				}
				stack = append(stack, pair{&a.Fields[i].Value, &b.Fields[i].Value})
			}
		case KindRaw:
			if !reflect.DeepEqual(a.Raw, b.Raw) {
				return false
			}
		}
	}
	return true
}
