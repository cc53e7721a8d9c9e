package source

// Catalog queries. Every information_schema column is cast to a base type
// because its domain types (sql_identifier, cardinal_number, yes_or_no) are
// not registered with the driver.

const listTablesQuery = `
	SELECT table_name::text
	FROM information_schema.tables
	WHERE table_schema = $1
	  AND table_type = 'BASE TABLE'
	ORDER BY table_name
`

const columnsQuery = `
	SELECT
		c.column_name::text,
		c.ordinal_position::int,
		c.data_type::text,
		c.udt_name::text,
		COALESCE(e.data_type::text, ''),
		COALESCE(e.udt_name::text, ''),
		c.character_maximum_length::int,
		c.numeric_precision::int,
		c.numeric_scale::int,
		c.is_nullable::text = 'YES',
		c.column_default::text,
		c.is_identity::text = 'YES',
		COALESCE(c.identity_generation::text, '')
	FROM information_schema.columns c
	LEFT JOIN information_schema.element_types e
		ON e.object_catalog = c.table_catalog
		AND e.object_schema = c.table_schema
		AND e.object_name = c.table_name
		AND e.object_type = 'TABLE'
		AND e.collection_type_identifier = c.dtd_identifier
	WHERE c.table_schema = $1 AND c.table_name = $2
	ORDER BY c.ordinal_position
`

const primaryKeyQuery = `
	SELECT a.attname::text
	FROM pg_index i
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	JOIN pg_class c ON c.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE i.indisprimary
	  AND n.nspname = $1
	  AND c.relname = $2
	ORDER BY array_position(i.indkey, a.attnum)
`

// sequencesQuery skips sequences that back identity columns; the table DDL
// recreates those.
const sequencesQuery = `
	SELECT
		s.sequence_name::text,
		COALESCE(s.data_type::text, ''),
		COALESCE(s.start_value::text, ''),
		COALESCE(s.minimum_value::text, ''),
		COALESCE(s.maximum_value::text, ''),
		COALESCE(s.increment::text, ''),
		COALESCE(s.cycle_option::text, 'NO') = 'YES'
	FROM information_schema.sequences s
	WHERE s.sequence_schema = $1
	  AND NOT EXISTS (
		SELECT 1
		FROM pg_class sc
		JOIN pg_namespace sn ON sn.oid = sc.relnamespace
		JOIN pg_depend d ON d.classid = 'pg_class'::regclass AND d.objid = sc.oid AND d.deptype = 'i'
		WHERE sn.nspname = s.sequence_schema AND sc.relname = s.sequence_name
	  )
	ORDER BY s.sequence_name
`

// sequencesFallbackQuery lists names only; the caller applies defaults.
const sequencesFallbackQuery = `
	SELECT c.relname::text
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relkind = 'S' AND n.nspname = $1
	ORDER BY c.relname
`

const sequenceDefaultsQuery = `
	SELECT c.table_name::text, c.column_name::text, c.column_default::text
	FROM information_schema.columns c
	JOIN information_schema.tables t
		ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE c.table_schema = $1
	  AND t.table_type = 'BASE TABLE'
	  AND c.column_default LIKE '%nextval(%'
	ORDER BY c.table_name, c.ordinal_position
`
