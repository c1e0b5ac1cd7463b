package store

// Schema of the bookkeeping tables. Replicated data tables live next to them
// under their LocalTableName. Time columns hold unix milliseconds.

// CreateSyncRecordsTableSQL creates the checksum store: one row per dataset,
// replaced whole on each successful sync.
const CreateSyncRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS sync_records (
    dataset_path VARCHAR PRIMARY KEY,
    checksum VARCHAR NOT NULL,
    synced_at BIGINT NOT NULL
)`

// CreateMetaDatasetsTableSQL creates the dataset metadata table.
const CreateMetaDatasetsTableSQL = `
CREATE TABLE IF NOT EXISTS meta_datasets (
    path VARCHAR PRIMARY KEY,
    channel VARCHAR NOT NULL,
    namespace VARCHAR NOT NULL,
    version VARCHAR NOT NULL,
    short_name VARCHAR NOT NULL,
    title VARCHAR,
    description VARCHAR,
    sources VARCHAR,
    licenses VARCHAR,
    is_public BOOLEAN NOT NULL,
    checksum VARCHAR NOT NULL,
    source_checksum VARCHAR,
    grapher_meta VARCHAR
)`

// CreateMetaTablesTableSQL creates the table metadata table.
// dataset_path refers to meta_datasets.path.
const CreateMetaTablesTableSQL = `
CREATE TABLE IF NOT EXISTS meta_tables (
    path VARCHAR PRIMARY KEY,
    dataset_path VARCHAR NOT NULL,
    local_name VARCHAR NOT NULL,
    table_name VARCHAR NOT NULL,
    dataset_name VARCHAR NOT NULL,
    channel VARCHAR NOT NULL,
    namespace VARCHAR NOT NULL,
    version VARCHAR NOT NULL,
    title VARCHAR,
    description VARCHAR,
    dimensions VARCHAR,
    dimension_values VARCHAR,
    format VARCHAR NOT NULL,
    is_public BOOLEAN NOT NULL,
    row_count BIGINT NOT NULL
)`

// CreateMetaVariablesTableSQL creates the variable metadata table.
// table_path refers to meta_tables.path.
const CreateMetaVariablesTableSQL = `
CREATE TABLE IF NOT EXISTS meta_variables (
    path VARCHAR PRIMARY KEY,
    table_path VARCHAR NOT NULL,
    dataset_path VARCHAR NOT NULL,
    short_name VARCHAR NOT NULL,
    dataset_short_name VARCHAR NOT NULL,
    title VARCHAR,
    description VARCHAR,
    unit VARCHAR,
    short_unit VARCHAR,
    display VARCHAR,
    sources VARCHAR,
    licenses VARCHAR,
    grapher_meta VARCHAR,
    variable_id BIGINT,
    variable_type VARCHAR NOT NULL
)`

// CreateSyncRunsTableSQL creates the run history table.
const CreateSyncRunsTableSQL = `
CREATE TABLE IF NOT EXISTS sync_runs (
    run_id VARCHAR PRIMARY KEY,
    started_at BIGINT NOT NULL,
    finished_at BIGINT NOT NULL,
    datasets INTEGER NOT NULL,
    up_to_date INTEGER NOT NULL,
    done INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    removed INTEGER NOT NULL
)`

// CreateIndexesSQL speeds up the per-dataset deletes of a resync.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_meta_tables_dataset ON meta_tables(dataset_path)`,
	`CREATE INDEX IF NOT EXISTS idx_meta_variables_table ON meta_variables(table_path)`,
	`CREATE INDEX IF NOT EXISTS idx_meta_variables_dataset ON meta_variables(dataset_path)`,
}

// AllSchemaSQL returns every schema statement in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateSyncRecordsTableSQL,
		CreateMetaDatasetsTableSQL,
		CreateMetaTablesTableSQL,
		CreateMetaVariablesTableSQL,
		CreateSyncRunsTableSQL,
	}
	return append(stmts, CreateIndexesSQL...)
}
