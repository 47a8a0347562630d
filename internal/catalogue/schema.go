package catalogue

import (
	"database/sql"
	"fmt"
)

// =============================================================================
// Schema
// =============================================================================

// InitSchema creates the catalogue tables, sequences and indexes.
//
// This is idempotent - safe to run multiple times.
//
// Source ids come from the file store and are inserted verbatim; every
// other entity draws its id from a sequence.
//
// No foreign keys, and no indexes on columns that are ever UPDATEd
// (examined, complete, success, aggregate_id): DuckDB executes updates of
// indexed or referenced rows as delete+insert and raises spurious
// constraint violations. Referential integrity is enforced by the
// queries themselves (the cascade deletes in cleanup.go).
func InitSchema(db *sql.DB) error {
	migrations := []struct {
		name string
		sql  string
	}{
		// Sequences
		{
			name: "seq.source_item",
			sql:  `CREATE SEQUENCE IF NOT EXISTS source_item_id_seq START 1`,
		},
		{
			name: "seq.source_entry",
			sql:  `CREATE SEQUENCE IF NOT EXISTS source_entry_id_seq START 1`,
		},
		{
			name: "seq.aggregate",
			sql:  `CREATE SEQUENCE IF NOT EXISTS aggregate_id_seq START 1`,
		},
		{
			name: "seq.forward_url",
			sql:  `CREATE SEQUENCE IF NOT EXISTS forward_url_id_seq START 1`,
		},
		{
			name: "seq.forward_aggregate",
			sql:  `CREATE SEQUENCE IF NOT EXISTS forward_aggregate_id_seq START 1`,
		},
		{
			name: "seq.forward_source",
			sql:  `CREATE SEQUENCE IF NOT EXISTS forward_source_id_seq START 1`,
		},

		// Sources
		{
			name: "source",
			sql: `CREATE TABLE IF NOT EXISTS source (
				id UBIGINT PRIMARY KEY,
				path VARCHAR NOT NULL UNIQUE,
				feed_name VARCHAR,
				type_name VARCHAR,
				last_modified_ms BIGINT NOT NULL,
				examined BOOLEAN NOT NULL DEFAULT false
			)`,
		},
		{
			name: "source_item",
			sql: `CREATE TABLE IF NOT EXISTS source_item (
				id UBIGINT PRIMARY KEY DEFAULT nextval('source_item_id_seq'),
				name VARCHAR NOT NULL,
				feed_name VARCHAR,
				type_name VARCHAR,
				source_id UBIGINT NOT NULL,
				aggregate_id UBIGINT
			)`,
		},
		{
			name: "source_entry",
			sql: `CREATE TABLE IF NOT EXISTS source_entry (
				id UBIGINT PRIMARY KEY DEFAULT nextval('source_entry_id_seq'),
				extension VARCHAR NOT NULL,
				extension_type TINYINT NOT NULL,
				byte_size BIGINT NOT NULL,
				source_item_id UBIGINT NOT NULL
			)`,
		},

		// Aggregates
		{
			name: "aggregate",
			sql: `CREATE TABLE IF NOT EXISTS aggregate (
				id UBIGINT PRIMARY KEY DEFAULT nextval('aggregate_id_seq'),
				create_time_ms BIGINT NOT NULL,
				feed_name VARCHAR,
				type_name VARCHAR,
				byte_size BIGINT NOT NULL DEFAULT 0,
				items BIGINT NOT NULL DEFAULT 0,
				complete BOOLEAN NOT NULL DEFAULT false
			)`,
		},

		// Forwarding
		{
			name: "forward_url",
			sql: `CREATE TABLE IF NOT EXISTS forward_url (
				id UBIGINT PRIMARY KEY DEFAULT nextval('forward_url_id_seq'),
				url VARCHAR NOT NULL UNIQUE
			)`,
		},
		{
			name: "forward_aggregate",
			sql: `CREATE TABLE IF NOT EXISTS forward_aggregate (
				id UBIGINT PRIMARY KEY DEFAULT nextval('forward_aggregate_id_seq'),
				aggregate_id UBIGINT NOT NULL,
				forward_url_id UBIGINT NOT NULL,
				success BOOLEAN NOT NULL DEFAULT false,
				error VARCHAR,
				tries INTEGER NOT NULL DEFAULT 0,
				update_time_ms BIGINT NOT NULL DEFAULT 0,
				UNIQUE (aggregate_id, forward_url_id)
			)`,
		},
		{
			name: "forward_source",
			sql: `CREATE TABLE IF NOT EXISTS forward_source (
				id UBIGINT PRIMARY KEY DEFAULT nextval('forward_source_id_seq'),
				source_id UBIGINT NOT NULL,
				forward_url_id UBIGINT NOT NULL,
				success BOOLEAN NOT NULL DEFAULT false,
				error VARCHAR,
				tries INTEGER NOT NULL DEFAULT 0,
				update_time_ms BIGINT NOT NULL DEFAULT 0,
				UNIQUE (source_id, forward_url_id)
			)`,
		},

		// Join-key indexes; these columns are never updated in place.
		{
			name: "idx_source_item_source",
			sql:  `CREATE INDEX IF NOT EXISTS idx_source_item_source ON source_item(source_id)`,
		},
		{
			name: "idx_source_entry_item",
			sql:  `CREATE INDEX IF NOT EXISTS idx_source_entry_item ON source_entry(source_item_id)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}
