package attrvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parse decodes JSON the way the stream adapter does (numbers as json.Number).
func parse(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestDecode_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Value
	}{
		{"string", `{"S": "BTC/USD"}`, String("BTC/USD")},
		{"empty string", `{"S": ""}`, String("")},
		{"number", `{"N": "42"}`, Number(decimal.NewFromInt(42))},
		{"negative fraction", `{"N": "-0.000125"}`, Number(decimal.RequireFromString("-0.000125"))},
		{"exponent", `{"N": "1.5E+3"}`, Number(decimal.NewFromInt(1500))},
		{"bool true", `{"BOOL": true}`, Bool(true)},
		{"bool false", `{"BOOL": false}`, Bool(false)},
		{"null true", `{"NULL": true}`, Null()},
		{"null ignores payload", `{"NULL": "whatever"}`, Null()},
		{"largest magnitude", `{"N": "9.9E+125"}`, Number(decimal.RequireFromString("9.9E+125"))},
		{"smallest magnitude", `{"N": "1E-130"}`, Number(decimal.RequireFromString("1E-130"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(parse(t, tt.in))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %+v", got)
		})
	}
}

func TestDecode_NumberIsExact(t *testing.T) {
	got, err := Decode(parse(t, `{"N": "0.1"}`))
	require.NoError(t, err)
	require.Equal(t, KindNumber, got.Kind)

	sum := got.Num.Add(got.Num).Add(got.Num)
	assert.True(t, sum.Equal(decimal.RequireFromString("0.3")), "0.1*3 = %s", sum)

	out, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, `0.1`, string(out))
}

func TestDecodeImage_SpecExample(t *testing.T) {
	img := parse(t, `{"x": {"N": "42"}}`).(map[string]any)

	got, err := DecodeImage(img)
	require.NoError(t, err)

	x, ok := got.Get("x")
	require.True(t, ok)
	assert.True(t, x.Num.Equal(decimal.NewFromInt(42)))

	out, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x": 42}`, string(out))
	assert.Equal(t, `{"x":42}`, string(out))
}

func TestDecode_ListMixedElements(t *testing.T) {
	got, err := Decode(parse(t, `{"L": [{"S": "a"}, {"N": "2"}, "plain", 7, true, null]}`))
	require.NoError(t, err)
	require.Equal(t, KindList, got.Kind)
	require.Len(t, got.List, 6)

	assert.Equal(t, String("a"), got.List[0])
	assert.True(t, got.List[1].Num.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, KindRaw, got.List[2].Kind)
	assert.Equal(t, "plain", got.List[2].Raw)
	assert.Equal(t, KindRaw, got.List[3].Kind)
	assert.Equal(t, json.Number("7"), got.List[3].Raw)
	assert.Equal(t, KindRaw, got.List[5].Kind)
	assert.Nil(t, got.List[5].Raw)

	out, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, `["a",2,"plain",7,true,null]`, string(out))
}

func TestDecode_ListUntaggedObjectsPassThrough(t *testing.T) {
	got, err := DecodeImage(parse(t, `{"tags": {"L": [1, "a", {}, {"note": "x"}, {"S": "b"}]}}`).(map[string]any))
	require.NoError(t, err)

	tags, ok := got.Get("tags")
	require.True(t, ok)
	require.Len(t, tags.List, 5)
	assert.Equal(t, KindRaw, tags.List[2].Kind)
	assert.Equal(t, map[string]any{}, tags.List[2].Raw)
	assert.Equal(t, KindRaw, tags.List[3].Kind)
	assert.Equal(t, String("b"), tags.List[4])

	out, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":[1,"a",{},{"note":"x"},"b"]}`, string(out))
}

func TestDecode_NestedMap(t *testing.T) {
	in := `{"M": {
		"wallet": {"S": "GB00XYZ"},
		"limits": {"M": {"daily": {"N": "1000.50"}, "tags": {"L": [{"S": "vip"}]}}},
		"active": {"BOOL": true}
	}}`

	got, err := Decode(parse(t, in))
	require.NoError(t, err)
	require.Equal(t, KindMap, got.Kind)

	names := make([]string, 0, len(got.Fields))
	for _, f := range got.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"active", "limits", "wallet"}, names)

	limits, ok := got.Get("limits")
	require.True(t, ok)
	daily, ok := limits.Get("daily")
	require.True(t, ok)
	assert.True(t, daily.Num.Equal(decimal.RequireFromString("1000.5")))

	out, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, `{"active":true,"limits":{"daily":1000.5,"tags":["vip"]},"wallet":"GB00XYZ"}`, string(out))
}

func TestDecode_UnrecognizedTagPassesThrough(t *testing.T) {
	raw := parse(t, `{"SS": ["a", "b"]}`)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindRaw, got.Kind)
	assert.Equal(t, raw, got.Raw)

	out, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"SS": ["a", "b"]}`, string(out))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   any
		kind ErrorKind
		path string
	}{
		{"empty envelope", map[string]any{}, UnrecognizedTag, ""},
		{"multiple tags", map[string]any{"S": "a", "N": "1"}, UnrecognizedTag, ""},
		{"not an object", "bare", UnrecognizedTag, ""},
		{"malformed number", map[string]any{"N": "12abc"}, MalformedNumber, ""},
		{"number wrong type", map[string]any{"N": true}, MalformedNumber, ""},
		{"exponent too large", map[string]any{"N": "1e2000000"}, MalformedNumber, ""},
		{"exponent too small", map[string]any{"N": "1e-2000000000"}, MalformedNumber, ""},
		{"zero with huge exponent", map[string]any{"N": "0e999999"}, MalformedNumber, ""},
		{"magnitude above range", map[string]any{"N": "1E+126"}, MalformedNumber, ""},
		{"list element with two tags", map[string]any{"L": []any{map[string]any{"S": "a", "N": "1"}}}, UnrecognizedTag, "[0]"},
		{"string wrong type", map[string]any{"S": json.Number("1")}, MalformedValue, ""},
		{"bool wrong type", map[string]any{"BOOL": "yes"}, MalformedValue, ""},
		{"list wrong type", map[string]any{"L": "nope"}, MalformedValue, ""},
		{"map wrong type", map[string]any{"M": []any{}}, MalformedValue, ""},
		{
			"nested malformed number",
			map[string]any{"M": map[string]any{"fees": map[string]any{"L": []any{map[string]any{"N": "x"}}}}},
			MalformedNumber,
			"fees[0]",
		},
		{
			"nested field not an envelope",
			map[string]any{"M": map[string]any{"price": "12.5"}},
			UnrecognizedTag,
			"price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in)
			require.Error(t, err)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.kind, de.Kind)
			assert.Equal(t, tt.path, de.Path)
		})
	}
}

func TestDecode_IsPure(t *testing.T) {
	in := parse(t, `{"M": {"a": {"L": [{"N": "1.10"}, {"M": {"b": {"NULL": true}}}]}, "c": {"S": "x"}}}`)

	first, err := Decode(in)
	require.NoError(t, err)
	second, err := Decode(in)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecode_DeepNesting(t *testing.T) {
	const depth = 200_000

	// Build {"L": [{"L": [ ... {"S": "leaf"} ... ]}]} without recursion.
	var env any = map[string]any{"S": "leaf"}
	for i := 0; i < depth; i++ {
		env = map[string]any{"L": []any{env}}
	}

	got, err := Decode(env)
	require.NoError(t, err)

	cur := got
	for i := 0; i < depth; i++ {
		require.Equal(t, KindList, cur.Kind)
		require.Len(t, cur.List, 1)
		cur = cur.List[0]
	}
	assert.Equal(t, String("leaf"), cur)

	buf, err := AppendJSON(nil, got)
	require.NoError(t, err)
	assert.Len(t, buf, depth*2+len(`"leaf"`))
}

func TestMap_LastDuplicateWins(t *testing.T) {
	m := Map(Field{"b", String("1")}, Field{"a", String("x")}, Field{"b", String("2")})
	require.Len(t, m.Fields, 2)

	b, ok := m.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", b.Str)

	m2 := m.With("a", Null())
	a, _ := m2.Get("a")
	assert.Equal(t, KindNull, a.Kind)
	orig, _ := m.Get("a")
	assert.Equal(t, "x", orig.Str)
}
