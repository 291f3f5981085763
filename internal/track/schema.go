package track

// schemaVersion is the current tracker schema.
const schemaVersion = 1

// schema is the tracker DDL. One row per input file; the row is the single
// source of truth for how far that file has progressed. Artifacts on disk
// are disposable caches rebuildable from this ledger plus the raw inputs.
var schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS input_files (
	lab              TEXT NOT NULL,
	filename         TEXT NOT NULL,
	stage            TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	artifact         TEXT,
	artifact_rows    INTEGER,
	merge_begun_rows INTEGER,
	discovered_at    TEXT NOT NULL,
	converted_at     TEXT,
	merged_at        TEXT,
	PRIMARY KEY (lab, filename)
);

CREATE INDEX IF NOT EXISTS idx_input_files_stage ON input_files(lab, stage);
`
