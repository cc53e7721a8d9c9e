package source

import "strings"

// FallbackType is used when a column's type cannot be resolved.
const FallbackType = "text"

// NormalizeType maps information_schema type columns to the type name used
// for conversion and DDL:
//
//	ARRAY         -> element data_type + "[]" (element udt_name when USER-DEFINED)
//	USER-DEFINED  -> udt_name
//	anything else -> data_type
//
// ok is false when nothing usable was found.
func NormalizeType(dataType, udtName, elementType, elementUDT string) (string, bool) {
	switch dataType {
	case "ARRAY":
		switch {
		case elementType == "USER-DEFINED" && elementUDT != "":
			return elementUDT + "[]", true
		case elementType != "" && elementType != "USER-DEFINED":
			return elementType + "[]", true
		case strings.HasPrefix(udtName, "_"):
			// Array udt names are the element name with a leading underscore.
			return udtName[1:] + "[]", true
		default:
			return "", false
		}
	case "USER-DEFINED":
		if udtName == "" {
			return "", false
		}
		return udtName, true
	case "":
		return "", false
	default:
		return dataType, true
	}
}

// orderableKeyTypes sort identically when compared as their own type after
// a text round trip, which keyset pagination relies on.
var orderableKeyTypes = map[string]bool{
	"smallint": true, "integer": true, "bigint": true,
	"int2": true, "int4": true, "int8": true, "int": true,
	"numeric": true, "decimal": true,
	"text": true, "character varying": true, "varchar": true,
	"character": true, "char": true, "bpchar": true, "citext": true,
	"uuid": true, "date": true,
	"timestamp without time zone": true, "timestamp with time zone": true,
	"timestamp": true, "timestamptz": true,
	"time without time zone": true, "time": true,
	"bytea": true,
}

// OrderableKeyType reports whether a normalized type can drive keyset
// pagination.
func OrderableKeyType(t string) bool {
	return orderableKeyTypes[strings.ToLower(t)]
}
