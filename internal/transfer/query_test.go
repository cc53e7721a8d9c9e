package transfer

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBuildQueries(t *testing.T) {
	cols := []string{"id", "Name"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "keyset",
			got:  buildKeysetQuery("src", "orders", cols, nil, "id", "bigint"),
			want: `SELECT "id", "Name" FROM "src"."orders" WHERE "id" > $1::text::bigint ORDER BY "id" LIMIT $2`,
		},
		{
			name: "keyset on blank-padded key",
			got:  buildKeysetQuery("src", "codes", []string{"code"}, nil, "code", "character"),
			want: `SELECT "code" FROM "src"."codes" WHERE "code" > $1::text::bpchar ORDER BY "code" LIMIT $2`,
		},
		{
			name: "offset ordered by composite key",
			got:  buildOffsetQuery("src", "lines", cols, nil, []string{"id", "Name"}),
			want: `SELECT "id", "Name" FROM "src"."lines" ORDER BY "id", "Name" LIMIT $1 OFFSET $2`,
		},
		{
			name: "offset without key",
			got:  buildOffsetQuery("src", "log", cols, nil, nil),
			want: `SELECT "id", "Name" FROM "src"."log" LIMIT $1 OFFSET $2`,
		},
		{
			name: "keyset reads json as text",
			got:  buildKeysetQuery("src", "docs", []string{"id", "doc", "tags"}, []string{"bigint", "jsonb", "json[]"}, "id", "bigint"),
			want: `SELECT "id", "doc"::text AS "doc", "tags"::text[] AS "tags" FROM "src"."docs" WHERE "id" > $1::text::bigint ORDER BY "id" LIMIT $2`,
		},
		{
			name: "offset reads json as text",
			got:  buildOffsetQuery("src", "docs", []string{"doc"}, []string{"JSON"}, nil),
			want: `SELECT "doc"::text AS "doc" FROM "src"."docs" LIMIT $1 OFFSET $2`,
		},
		{
			name: "insert",
			got:  buildInsertQuery("tgt", "orders", cols, false),
			want: `INSERT INTO "tgt"."orders" ("id", "Name") VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		},
		{
			name: "insert with identity override",
			got:  buildInsertQuery("tgt", "orders", cols, true),
			want: `INSERT INTO "tgt"."orders" ("id", "Name") OVERRIDING SYSTEM VALUE VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got  %s\nwant %s", tt.got, tt.want)
			}
		})
	}
}

func TestEncodeKey(t *testing.T) {
	id := uuid.MustParse("0b1e7c5a-54f5-4c1e-9a35-0b8f3c0f2a11")
	ts := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)

	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{"int64", int64(42), "42", false},
		{"int32", int32(-7), "-7", false},
		{"string", "abc", "abc", false},
		{"uuid bytes", [16]byte(id), id.String(), false},
		{"uuid", id, id.String(), false},
		{"time", ts, "2024-03-01T12:30:00.0000005Z", false},
		{"bytea", []byte{0xde, 0xad}, `\xdead`, false},
		{"null", nil, "", true},
		{"unsupported", struct{}{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("encodeKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("encodeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
