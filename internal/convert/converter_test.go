package convert

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		typ  string
		want Category
	}{
		{"json", CategoryJSON},
		{"JSONB", CategoryJSON},
		{"jsonb[]", CategoryArray},
		{"integer[]", CategoryArray},
		{"ARRAY", CategoryArray},
		{"vector(3)", CategoryVector},
		{"vector", CategoryVector},
		{"text", CategoryOther},
		{"", CategoryOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.typ); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestConvert(t *testing.T) {
	c := New(logging.Discard())

	tests := []struct {
		name  string
		value any
		typ   string
		want  any
	}{
		{"nil", nil, "integer", nil},
		{"json map", map[string]any{"a": float64(1)}, "jsonb", `{"a":1}`},
		{"json list", []any{"x"}, "json", `["x"]`},
		{"json valid string", `{"k":"v"}`, "json", `{"k":"v"}`},
		{"json invalid string", "not json", "jsonb", `"not json"`},
		{"json number", 42, "json", "42"},
		{"int array literal", "{1, 2,3}", "integer[]", []any{int64(1), int64(2), int64(3)}},
		{"empty array literal", "{}", "integer[]", []any{}},
		{"skips empty elements", "{1,,2}", "bigint[]", []any{int64(1), int64(2)}},
		{"float array literal", "{1.5,2}", "numeric[]", []any{1.5, float64(2)}},
		{"bool array literal", "{t,false,yes}", "boolean[]", []any{true, false, true}},
		{"text array literal", `{"a",'b',c}`, "text[]", []any{"a", "b", "c"}},
		{"bad int element falls back", "{1,x}", "integer[]", []any{int64(1), "x"}},
		{"quoted comma stays in element", `{"a,b",c}`, "text[]", []any{"a,b", "c"}},
		{"quoted escapes", `{"say \"hi\"","back\\slash", " padded "}`, "text[]", []any{`say "hi"`, `back\slash`, " padded "}},
		{"null element", "{1,NULL,3}", "integer[]", []any{int64(1), nil, int64(3)}},
		{"lowercase null", "{a,null}", "text[]", []any{"a", nil}},
		{"quoted null is text", `{"NULL",x}`, "text[]", []any{"NULL", "x"}},
		{"quoted number coerced", `{"7"}`, "bigint[]", []any{int64(7)}},
		{"quoted empty string kept", `{"",a}`, "text[]", []any{"", "a"}},
		{"nested literal kept whole", `{{1,2},{"x,}",4}}`, "text[]", []any{"{1,2}", `{"x,}",4}`}},
		{"json array text", "[1,2]", "integer[]", []any{int64(1), int64(2)}},
		{"json array text strings", `["1","b"]`, "integer[]", []any{int64(1), "b"}},
		{"bad json array", "[1,", "integer[]", []any{"[1,"}},
		{"plain text into array", "hello", "text[]", []any{"hello"}},
		{"slice passes through", []any{int64(1)}, "integer[]", []any{int64(1)}},
		{"typed slice passes through", []string{"a"}, "text[]", []string{"a"}},
		{"vector from floats", []float64{1, 2.5}, "vector(2)", "[1,2.5]"},
		{"vector string passes through", "[1,2]", "vector", "[1,2]"},
		{"map into text", map[string]any{"a": "b"}, "text", `{"a":"b"}`},
		{"bytes pass through", []byte{1, 2}, "bytea", []byte{1, 2}},
		{"scalar passes through", int64(7), "bigint", int64(7)},
		{"empty type is text", "abc", "", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Convert(tt.value, tt.typ)
			if err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Convert(%#v, %q) = %#v, want %#v", tt.value, tt.typ, got, tt.want)
			}
		})
	}
}

func TestConvertWarnsOnBadElement(t *testing.T) {
	var buf bytes.Buffer
	c := New(logging.New(&buf, logging.LevelWarn, logging.FormatText))

	if _, err := c.Convert("{1,oops}", "int4[]"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "oops") {
		t.Errorf("expected warning naming the element, got %q", buf.String())
	}
}

func TestSafeConvertReturnsOriginalOnError(t *testing.T) {
	var buf bytes.Buffer
	c := New(logging.New(&buf, logging.LevelError, logging.FormatText))

	// channels cannot be encoded as json
	ch := make(chan int)
	got := c.SafeConvert("orders", "payload", ch, "jsonb")
	if got != any(ch) {
		t.Errorf("SafeConvert() = %v, want original value", got)
	}
	if !strings.Contains(buf.String(), "orders.payload") {
		t.Errorf("expected error naming the column, got %q", buf.String())
	}
}

func TestConvertRow(t *testing.T) {
	c := New(logging.Discard())
	row := []any{int64(1), map[string]any{"x": true}, "{a,b}"}
	c.ConvertRow("t", []string{"id", "doc", "tags"}, []string{"integer", "jsonb", "text[]"}, row)

	want := []any{int64(1), `{"x":true}`, []any{"a", "b"}}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("ConvertRow() = %#v, want %#v", row, want)
	}
}
