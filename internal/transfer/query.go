package transfer

import (
	"fmt"
	"strings"

	"github.com/johndauphine/pg-pg-migrate/internal/ident"
)

// keyCast returns the type the text-encoded key is cast back to. "character"
// without a length means character(1), so blank-padded keys go through bpchar.
func keyCast(typ string) string {
	switch strings.ToLower(typ) {
	case "character", "char":
		return "bpchar"
	case "":
		return "text"
	}
	return typ
}

// textCast returns the cast under which a column is selected, or "" to read
// it natively. json and jsonb come back as the stored text; decoding them
// would round numbers past 2^53 and unwrap string scalars.
func textCast(typ string) string {
	switch strings.ToLower(typ) {
	case "json", "jsonb":
		return "text"
	case "json[]", "jsonb[]":
		return "text[]"
	}
	return ""
}

// selectList renders the column list of a page query. types parallels cols;
// a short or nil types reads the remaining columns natively.
func selectList(cols, types []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident.Quote(c)
		if i < len(types) {
			if cast := textCast(types[i]); cast != "" {
				out[i] = fmt.Sprintf("%s::%s AS %s", ident.Quote(c), cast, ident.Quote(c))
			}
		}
	}
	return strings.Join(out, ", ")
}

// buildKeysetQuery selects the next page after $1 (the text form of the last
// key) ordered by the key. $2 is the page size.
func buildKeysetQuery(schema, table string, cols, types []string, keyCol, keyType string) string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s > $1::text::%s ORDER BY %s LIMIT $2`,
		selectList(cols, types), ident.Qualify(schema, table),
		ident.Quote(keyCol), keyCast(keyType), ident.Quote(keyCol))
}

// buildOffsetQuery selects a page by position. $1 is the page size, $2 the
// offset. Without order columns the page order is whatever the scan yields.
func buildOffsetQuery(schema, table string, cols, types, orderBy []string) string {
	order := ""
	if len(orderBy) > 0 {
		order = " ORDER BY " + ident.QuoteList(orderBy)
	}
	return fmt.Sprintf(`SELECT %s FROM %s%s LIMIT $1 OFFSET $2`,
		selectList(cols, types), ident.Qualify(schema, table), order)
}

// buildInsertQuery inserts one row, ignoring rows that violate a unique
// constraint so a replayed chunk is a no-op. overrideIdentity adds
// OVERRIDING SYSTEM VALUE for GENERATED ALWAYS identity columns.
func buildInsertQuery(schema, table string, cols []string, overrideIdentity bool) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	override := ""
	if overrideIdentity {
		override = " OVERRIDING SYSTEM VALUE"
	}
	return fmt.Sprintf(`INSERT INTO %s (%s)%s VALUES (%s) ON CONFLICT DO NOTHING`,
		ident.Qualify(schema, table), ident.QuoteList(cols), override, strings.Join(placeholders, ", "))
}
