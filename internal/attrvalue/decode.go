package attrvalue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// Type tags of the wire encoding.
const (
	TagString = "S"
	TagNumber = "N"
	TagBool   = "BOOL"
	TagNull   = "NULL"
	TagList   = "L"
	TagMap    = "M"
)

var recognizedTags = [...]string{TagString, TagNumber, TagBool, TagNull, TagList, TagMap}

// ErrorKind classifies a DecodeError.
type ErrorKind string

const (
	// UnrecognizedTag: the envelope is not an object, is empty, or carries
	// more than one recognized tag.
	UnrecognizedTag ErrorKind = "UnrecognizedTag"
	// MalformedNumber: an N payload is not a decimal.
	MalformedNumber ErrorKind = "MalformedNumber"
	// MalformedValue: a recognized tag carries a payload of the wrong type.
	MalformedValue ErrorKind = "MalformedValue"
)

// DecodeError reports why a single attribute could not be decoded.
type DecodeError struct {
	Kind   ErrorKind
	Path   string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("attrvalue: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("attrvalue: %s at %s: %s", e.Kind, e.Path, e.Detail)
}

// task is one pending unit of work on the explicit decode stack.
type task struct {
	raw    any
	dst    *Value
	path   *pathNode
	fields bool // raw is a field map (M payload or image), not an envelope
}

// pathNode links a task to its parent so error paths are only rendered
// when an error actually occurs.
type pathNode struct {
	parent *pathNode
	name   string
	index  int // list index when name is empty
}

func (p *pathNode) String() string {
	var parts []*pathNode
	for n := p; n != nil; n = n.parent {
		parts = append(parts, n)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		n := parts[i]
		if n.name == "" {
			b.WriteString("[" + strconv.Itoa(n.index) + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(n.name)
	}
	return b.String()
}

// Decode converts a single tagged envelope into a Value.
//
// The input is the generic form produced by encoding/json (map[string]any,
// []any, string, bool, nil and json.Number or float64 for numbers). Nesting
// is walked with an explicit stack, so depth is bounded only by memory.
func Decode(envelope any) (Value, error) {
	var out Value
	if err := run(task{raw: envelope, dst: &out}); err != nil {
		return Value{}, err
	}
	return out, nil
}

// DecodeImage converts a row image (field name → tagged envelope) into a
// map Value.
func DecodeImage(image map[string]any) (Value, error) {
	var out Value
	if err := run(task{raw: image, dst: &out, fields: true}); err != nil {
		return Value{}, err
	}
	return out, nil
}

func run(root task) error {
	stack := []task{root}
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if t.fields {
			m, ok := t.raw.(map[string]any)
			if !ok {
				return &DecodeError{Kind: MalformedValue, Path: t.path.String(), Detail: fmt.Sprintf("map payload is %s, want object", jsonType(t.raw))}
			}
			*t.dst = Value{Kind: KindMap, Fields: make([]Field, 0, len(m))}
			names := sortedKeys(m)
			for _, name := range names {
				t.dst.Fields = append(t.dst.Fields, Field{Name: name})
			}
			for i, name := range names {
				stack = append(stack, task{raw: m[name], dst: &t.dst.Fields[i].Value, path: &pathNode{parent: t.path, name: name}})
			}
			continue
		}

		env, ok := t.raw.(map[string]any)
		if !ok {
			return &DecodeError{Kind: UnrecognizedTag, Path: t.path.String(), Detail: fmt.Sprintf("envelope is %s, want object", jsonType(t.raw))}
		}
		tag, err := activeTag(env, t.path.String)
		if err != nil {
			return err
		}
		payload := env[tag]

		switch tag {
		case "":
			*t.dst = Raw(env)
		case TagString:
			s, ok := payload.(string)
			if !ok {
				return malformed(t.path.String(), tag, payload)
			}
			*t.dst = String(s)
		case TagNumber:
			d, err := parseNumber(payload)
			if err != nil {
				return &DecodeError{Kind: MalformedNumber, Path: t.path.String(), Detail: err.Error()}
			}
			*t.dst = Number(d)
		case TagBool:
			b, ok := payload.(bool)
			if !ok {
				return malformed(t.path.String(), tag, payload)
			}
			*t.dst = Bool(b)
		case TagNull:
			*t.dst = Null()
		case TagList:
			items, ok := payload.([]any)
			if !ok {
				return malformed(t.path.String(), tag, payload)
			}
			*t.dst = List(make([]Value, len(items))...)
			for i, item := range items {
				if !isTagged(item) {
					// Untagged elements inside lists pass through untouched.
					t.dst.List[i] = Raw(item)
					continue
				}
				stack = append(stack, task{raw: item, dst: &t.dst.List[i], path: &pathNode{parent: t.path, index: i}})
			}
		case TagMap:
			if _, ok := payload.(map[string]any); !ok {
				return malformed(t.path.String(), tag, payload)
			}
			stack = append(stack, task{raw: payload, dst: t.dst, path: t.path, fields: true})
		}
	}
	return nil
}

// isTagged reports whether v is an object carrying at least one
// recognized tag.
func isTagged(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, tag := range recognizedTags {
		if _, ok := m[tag]; ok {
			return true
		}
	}
	return false
}

// activeTag returns the single recognized tag of env, or "" when env only
// carries unrecognized keys.
func activeTag(env map[string]any, path func() string) (string, error) {
	if len(env) == 0 {
		return "", &DecodeError{Kind: UnrecognizedTag, Path: path(), Detail: "empty envelope"}
	}
	var found []string
	for _, tag := range recognizedTags {
		if _, ok := env[tag]; ok {
			found = append(found, tag)
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", &DecodeError{Kind: UnrecognizedTag, Path: path(), Detail: "multiple type tags " + strings.Join(found, ",")}
	}
}

func parseNumber(payload any) (decimal.Decimal, error) {
	var text string
	switch v := payload.(type) {
	case string:
		text = v
	case json.Number:
		text = v.String()
	case float64:
		// Shortest representation that round-trips, so 0.1 stays 0.1.
		text = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return decimal.Decimal{}, fmt.Errorf("number payload is %s, want string", jsonType(payload))
	}
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %q: %w", text, err)
	}
	if err := domain.CheckNumberRange(d); err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %q: %w", text, err)
	}
	return d, nil
}

func malformed(path, tag string, payload any) error {
	return &DecodeError{Kind: MalformedValue, Path: path, Detail: fmt.Sprintf("%s payload is %s", tag, jsonType(payload))}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
