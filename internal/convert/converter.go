// Package convert adapts values read from the source so they can be bound as
// insert parameters on the target.
//
// Most values pgx produces round-trip unchanged. The exceptions are json
// columns, array columns read back as text literals, pgvector columns, and
// structured Go values (maps and slices) bound to non-array columns.
package convert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// Category classifies a declared column type for conversion purposes.
type Category int

const (
	// CategoryOther passes values through, except structured values which
	// are serialized to JSON.
	CategoryOther Category = iota
	CategoryJSON
	CategoryArray
	CategoryVector
)

func (c Category) String() string {
	switch c {
	case CategoryJSON:
		return "json"
	case CategoryArray:
		return "array"
	case CategoryVector:
		return "vector"
	default:
		return "other"
	}
}

// Classify returns the conversion category of a declared type such as
// "jsonb", "integer[]" or "vector(3)". Checks run in order, so "jsonb[]" is
// an array and not json.
func Classify(declaredType string) Category {
	t := strings.ToLower(strings.TrimSpace(declaredType))
	switch {
	case t == "json" || t == "jsonb":
		return CategoryJSON
	case strings.HasSuffix(t, "[]") || strings.Contains(t, "array"):
		return CategoryArray
	case strings.Contains(t, "vector"):
		return CategoryVector
	default:
		return CategoryOther
	}
}

// element kinds used when coercing array members
type elemKind int

const (
	elemString elemKind = iota
	elemInt
	elemFloat
	elemBool
)

func elementKind(declaredType string) elemKind {
	base := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(declaredType, "[]", "")))
	switch base {
	case "bigint", "int8", "integer", "int", "int4", "smallint", "int2":
		return elemInt
	case "real", "float4", "double precision", "float8", "numeric", "decimal":
		return elemFloat
	case "boolean", "bool":
		return elemBool
	default:
		return elemString
	}
}

// Converter converts single values. It is safe for concurrent use.
type Converter struct {
	logger *logging.Logger
}

// New returns a Converter that reports coercion problems to logger. A nil
// logger uses the process-wide default.
func New(logger *logging.Logger) *Converter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Converter{logger: logger}
}

// Convert returns value in a form suitable for binding to a column declared
// as declaredType. An empty declared type is treated as text.
func (c *Converter) Convert(value any, declaredType string) (any, error) {
	if value == nil {
		return nil, nil
	}
	if strings.TrimSpace(declaredType) == "" {
		c.logger.Warn("Column type is empty, treating as text")
		declaredType = "text"
	}

	switch Classify(declaredType) {
	case CategoryJSON:
		return convertJSON(value)
	case CategoryArray:
		return c.convertArray(value, declaredType), nil
	case CategoryVector:
		return convertVector(value), nil
	}

	if isStructured(value) {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding %T as json: %w", value, err)
		}
		return string(b), nil
	}
	return value, nil
}

// SafeConvert converts value and never fails: on error, or if conversion
// panics, it logs the column and returns the original value.
func (c *Converter) SafeConvert(table, column string, value any, declaredType string) (out any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Error converting data for %s.%s (type %s): %v", table, column, declaredType, r)
			out = value
		}
	}()

	converted, err := c.Convert(value, declaredType)
	if err != nil {
		c.logger.Error("Error converting data for %s.%s (type %s): %v", table, column, declaredType, err)
		return value
	}
	return converted
}

// ConvertRow converts every value of row in place using the matching entry
// of types. Missing types are treated as text.
func (c *Converter) ConvertRow(table string, columns, types []string, row []any) {
	for i := range row {
		var typ, col string
		if i < len(types) {
			typ = types[i]
		}
		if i < len(columns) {
			col = columns[i]
		}
		row[i] = c.SafeConvert(table, col, row[i], typ)
	}
}

func convertJSON(value any) (any, error) {
	switch v := value.(type) {
	case string:
		if json.Valid([]byte(v)) {
			return v, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case []byte:
		if json.Valid(v) {
			return string(v), nil
		}
		b, err := json.Marshal(string(v))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding %T as json: %w", value, err)
	}
	return string(b), nil
}

func (c *Converter) convertArray(value any, declaredType string) any {
	s, ok := value.(string)
	if !ok {
		if isSlice(value) {
			return value
		}
		return []any{value}
	}

	kind := elementKind(declaredType)
	switch {
	case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		inner := strings.TrimSpace(s[1 : len(s)-1])
		out := []any{}
		if inner == "" {
			return out
		}
		for _, el := range splitArrayLiteral(inner) {
			if !el.quoted {
				if el.text == "" {
					continue
				}
				if strings.EqualFold(el.text, "NULL") {
					out = append(out, nil)
					continue
				}
			} else if kind == elemString {
				out = append(out, el.text)
				continue
			}
			v, err := coerceLiteral(el.text, kind)
			if err != nil {
				c.logger.Warn("Could not convert array element '%s' for type %s: %v", el.text, declaredType, err)
				v = el.text
			}
			out = append(out, v)
		}
		c.logger.Debug("Converted array literal '%s' to %d elements", s, len(out))
		return out

	case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
		var parsed []any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			c.logger.Warn("Could not parse JSON array '%s': %v", s, err)
			return []any{s}
		}
		for i, item := range parsed {
			parsed[i] = coerceDecoded(item, kind)
		}
		return parsed
	}
	return []any{s}
}

type arrayElem struct {
	text   string
	quoted bool
}

// splitArrayLiteral splits the body of a "{...}" literal on top-level
// commas. Double-quoted elements may hold commas, braces and backslash
// escapes; their quotes and escapes are removed. Nested "{...}" elements
// are kept whole.
func splitArrayLiteral(inner string) []arrayElem {
	var (
		out     []arrayElem
		cur     strings.Builder
		quoted  bool
		inQuote bool
		depth   int
	)
	flush := func() {
		text := cur.String()
		if !quoted {
			text = strings.TrimSpace(text)
		}
		out = append(out, arrayElem{text: text, quoted: quoted})
		cur.Reset()
		quoted = false
	}
	for i := 0; i < len(inner); i++ {
		ch := inner[i]
		switch {
		case inQuote && ch == '\\' && i+1 < len(inner):
			if depth > 0 {
				cur.WriteByte(ch)
			}
			i++
			cur.WriteByte(inner[i])
		case inQuote && ch == '"':
			inQuote = false
			if depth > 0 {
				cur.WriteByte(ch)
			}
		case inQuote:
			cur.WriteByte(ch)
		case ch == '"' && depth == 0:
			inQuote, quoted = true, true
			cur.Reset()
		case ch == '"':
			inQuote = true
			cur.WriteByte(ch)
		case ch == '{':
			depth++
			cur.WriteByte(ch)
		case ch == '}' && depth > 0:
			depth--
			cur.WriteByte(ch)
		case ch == ',' && depth == 0:
			flush()
		case quoted && (ch == ' ' || ch == '\t'):
			// whitespace after a closing quote
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return out
}

// coerceLiteral converts one element of a "{...}" literal.
func coerceLiteral(item string, kind elemKind) (any, error) {
	switch kind {
	case elemInt:
		return strconv.ParseInt(item, 10, 64)
	case elemFloat:
		return strconv.ParseFloat(item, 64)
	case elemBool:
		switch strings.ToLower(item) {
		case "true", "t", "1", "yes", "on":
			return true, nil
		}
		return false, nil
	default:
		return strings.Trim(item, `"'`), nil
	}
}

// coerceDecoded converts one element of a decoded JSON array. Elements that
// cannot be coerced are kept as decoded.
func coerceDecoded(item any, kind elemKind) any {
	switch kind {
	case elemInt:
		switch v := item.(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		case bool:
			if v {
				return int64(1)
			}
			return int64(0)
		}
	case elemFloat:
		switch v := item.(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return item
}

func convertVector(value any) any {
	switch v := value.(type) {
	case []float32:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []float64:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = fmt.Sprint(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return value
}

// isStructured reports whether value is a map or a slice that should be
// serialized to JSON. Byte slices and fixed-size byte arrays (uuid) are
// scalar values to the driver.
func isStructured(value any) bool {
	switch value.(type) {
	case []byte, [16]byte:
		return false
	case map[string]any, []any, []string, []int64, []int32, []float64, []float32, []bool:
		return true
	}
	return false
}

func isSlice(value any) bool {
	switch value.(type) {
	case []any, []string, []int64, []int32, []int16, []float64, []float32, []bool:
		return true
	}
	return false
}
