package track

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Stage is an input file's lifecycle stage. Transitions are monotonic:
// DISCOVERED → CONVERTED → MERGED, reset only by an explicit Wipe.
type Stage string

const (
	StageDiscovered Stage = "DISCOVERED"
	StageConverted  Stage = "CONVERTED"
	StageMerged     Stage = "MERGED"
)

// predecessor returns the only stage a file may advance to s from.
func predecessor(s Stage) (Stage, bool) {
	switch s {
	case StageConverted:
		return StageDiscovered, true
	case StageMerged:
		return StageConverted, true
	}
	return "", false
}

// File is one tracked input file.
type File struct {
	Lab         string
	Filename    string
	Stage       Stage
	Fingerprint string

	// Artifact is the intermediate file written by conversion;
	// ArtifactRows its record count, used for merge crash recovery.
	Artifact     string
	ArtifactRows int

	// MergeBegunRows is the combined dataset's row count recorded just
	// before this file's append began; -1 when no merge is in flight.
	MergeBegunRows int

	DiscoveredAt string
	ConvertedAt  string
	MergedAt     string
}

// IllegalTransitionError reports a backward or stage-skipping advance.
// Always fatal to the run: it indicates a logic bug or concurrent
// corruption, never a condition to retry past.
type IllegalTransitionError struct {
	Lab      string
	Filename string
	From     Stage
	To       Stage
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("track: illegal transition %s -> %s for %s/%s",
		e.From, e.To, e.Lab, e.Filename)
}

// ErrNotTracked is returned when an operation names a file that was never
// registered.
var ErrNotTracked = errors.New("track: file not registered")

// nowUTC returns the current UTC time as an ISO 8601 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// Tracker is the persistent lifecycle ledger, backed by SQLite. It is the
// single shared mutable resource of the pipeline; every transition is a
// single conditional UPDATE so concurrent converters advancing different
// files never interleave partial updates.
type Tracker struct {
	db *sql.DB
}

// Open opens or creates the tracker DB at path and runs migrations.
// Creates the parent directory if it does not exist.
func Open(path string) (*Tracker, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create tracker dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	t := &Tracker{db: db}
	if err := t.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) migrate() error {
	if _, err := t.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var version sql.NullInt64
	err := t.db.QueryRow("SELECT version FROM schema_version").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := t.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version.Int64 != schemaVersion:
		return fmt.Errorf("unsupported tracker schema version %d (want %d)", version.Int64, schemaVersion)
	}
	return nil
}

// Close closes the underlying database.
func (t *Tracker) Close() error { return t.db.Close() }

// Register records a newly discovered file, or returns the current stage
// of an already-tracked one. fingerprintChanged reports that the tracked
// fingerprint no longer matches the file content: the input was replaced
// after processing, which is an operator problem, never auto-reprocessed.
// A file still in DISCOVERED has not been processed, so its fingerprint
// simply follows the current content.
func (t *Tracker) Register(lab, filename, fingerprint string) (stage Stage, fingerprintChanged bool, err error) {
	existing, err := t.Get(lab, filename)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		if existing.Stage == StageDiscovered && existing.Fingerprint != fingerprint {
			_, err := t.db.Exec(
				`UPDATE input_files SET fingerprint = ?, discovered_at = ?
				 WHERE lab = ? AND filename = ? AND stage = ?`,
				fingerprint, nowUTC(), lab, filename, StageDiscovered,
			)
			if err != nil {
				return "", false, fmt.Errorf("register %s/%s: %w", lab, filename, err)
			}
			return StageDiscovered, false, nil
		}
		return existing.Stage, existing.Fingerprint != fingerprint, nil
	}
	_, err = t.db.Exec(
		`INSERT INTO input_files (lab, filename, stage, fingerprint, discovered_at)
		 VALUES (?, ?, ?, ?, ?)`,
		lab, filename, StageDiscovered, fingerprint, nowUTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("register %s/%s: %w", lab, filename, err)
	}
	return StageDiscovered, false, nil
}

// Advance moves a file forward one stage. The transition and its timestamp
// are committed atomically by a single conditional UPDATE; zero affected
// rows means the file was not at the expected predecessor stage.
func (t *Tracker) Advance(lab, filename string, to Stage) error {
	return t.advance(lab, filename, to, "", 0)
}

// MarkConverted advances a file to CONVERTED, recording its intermediate
// artifact name and row count in the same atomic write. Must be durable
// before the artifact is relied on.
func (t *Tracker) MarkConverted(lab, filename, artifact string, rows int) error {
	return t.advance(lab, filename, StageConverted, artifact, rows)
}

func (t *Tracker) advance(lab, filename string, to Stage, artifact string, rows int) error {
	from, ok := predecessor(to)
	if !ok {
		return &IllegalTransitionError{Lab: lab, Filename: filename, To: to}
	}
	var res sql.Result
	var err error
	switch to {
	case StageConverted:
		res, err = t.db.Exec(
			`UPDATE input_files SET stage = ?, artifact = ?, artifact_rows = ?, converted_at = ?
			 WHERE lab = ? AND filename = ? AND stage = ?`,
			to, artifact, rows, nowUTC(), lab, filename, from,
		)
	case StageMerged:
		res, err = t.db.Exec(
			`UPDATE input_files SET stage = ?, merge_begun_rows = NULL, merged_at = ?
			 WHERE lab = ? AND filename = ? AND stage = ?`,
			to, nowUTC(), lab, filename, from,
		)
	}
	if err != nil {
		return fmt.Errorf("advance %s/%s to %s: %w", lab, filename, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance %s/%s to %s: %w", lab, filename, to, err)
	}
	if n == 0 {
		existing, getErr := t.Get(lab, filename)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotTracked, lab, filename)
		}
		return &IllegalTransitionError{Lab: lab, Filename: filename, From: existing.Stage, To: to}
	}
	return nil
}

// RefreshArtifact re-records a CONVERTED file's artifact name and row
// count after the artifact was rebuilt, without advancing the stage.
func (t *Tracker) RefreshArtifact(lab, filename, artifact string, rows int) error {
	res, err := t.db.Exec(
		`UPDATE input_files SET artifact = ?, artifact_rows = ?, converted_at = ?
		 WHERE lab = ? AND filename = ? AND stage = ?`,
		artifact, rows, nowUTC(), lab, filename, StageConverted,
	)
	if err != nil {
		return fmt.Errorf("refresh artifact %s/%s: %w", lab, filename, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh artifact %s/%s: %w", lab, filename, err)
	}
	if n == 0 {
		return fmt.Errorf("refresh artifact %s/%s: file not in %s stage", lab, filename, StageConverted)
	}
	return nil
}

// BeginMerge durably records the combined dataset's pre-append row count
// for a CONVERTED file. If the process dies between the combined-file
// replacement and MarkMerged, the recorded count lets the next run decide
// whether the append actually committed.
func (t *Tracker) BeginMerge(lab, filename string, combinedRows int) error {
	res, err := t.db.Exec(
		`UPDATE input_files SET merge_begun_rows = ?
		 WHERE lab = ? AND filename = ? AND stage = ?`,
		combinedRows, lab, filename, StageConverted,
	)
	if err != nil {
		return fmt.Errorf("begin merge %s/%s: %w", lab, filename, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin merge %s/%s: %w", lab, filename, err)
	}
	if n == 0 {
		return fmt.Errorf("begin merge %s/%s: file not in %s stage", lab, filename, StageConverted)
	}
	return nil
}

// MarkMerged advances a file to MERGED, clearing any merge-in-flight
// marker. Durable before the intermediate artifact may be deleted.
func (t *Tracker) MarkMerged(lab, filename string) error {
	return t.advance(lab, filename, StageMerged, "", 0)
}

// Get returns the tracked file, or nil when not registered.
func (t *Tracker) Get(lab, filename string) (*File, error) {
	row := t.db.QueryRow(
		`SELECT lab, filename, stage, fingerprint, artifact, artifact_rows,
		        merge_begun_rows, discovered_at, converted_at, merged_at
		 FROM input_files WHERE lab = ? AND filename = ?`,
		lab, filename,
	)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", lab, filename, err)
	}
	return f, nil
}

// FilesInStage returns the lab's files at the given stage, ordered by
// filename so merge order matches discovery order.
func (t *Tracker) FilesInStage(lab string, stage Stage) ([]File, error) {
	rows, err := t.db.Query(
		`SELECT lab, filename, stage, fingerprint, artifact, artifact_rows,
		        merge_begun_rows, discovered_at, converted_at, merged_at
		 FROM input_files WHERE lab = ? AND stage = ? ORDER BY filename`,
		lab, stage,
	)
	if err != nil {
		return nil, fmt.Errorf("files in stage %s for %s: %w", stage, lab, err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// Filenames returns every filename ever registered for the lab, in any
// stage. Discovery subtracts these from the adapter's enumeration.
func (t *Tracker) Filenames(lab string) ([]string, error) {
	rows, err := t.db.Query(
		"SELECT filename FROM input_files WHERE lab = ? ORDER BY filename", lab,
	)
	if err != nil {
		return nil, fmt.Errorf("filenames for %s: %w", lab, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Wipe removes every tracker row for a lab. Only the explicit reimport
// path calls this; nothing else ever moves a file backward.
func (t *Tracker) Wipe(lab string) error {
	if _, err := t.db.Exec("DELETE FROM input_files WHERE lab = ?", lab); err != nil {
		return fmt.Errorf("wipe %s: %w", lab, err)
	}
	return nil
}

// Labs returns every lab code that has at least one tracked file, sorted.
func (t *Tracker) Labs() ([]string, error) {
	rows, err := t.db.Query("SELECT DISTINCT lab FROM input_files ORDER BY lab")
	if err != nil {
		return nil, fmt.Errorf("list labs: %w", err)
	}
	defer rows.Close()

	var labs []string
	for rows.Next() {
		var lab string
		if err := rows.Scan(&lab); err != nil {
			return nil, err
		}
		labs = append(labs, lab)
	}
	return labs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(r rowScanner) (*File, error) {
	var f File
	var artifact, convertedAt, mergedAt sql.NullString
	var artifactRows, mergeBegunRows sql.NullInt64
	err := r.Scan(
		&f.Lab, &f.Filename, &f.Stage, &f.Fingerprint, &artifact, &artifactRows,
		&mergeBegunRows, &f.DiscoveredAt, &convertedAt, &mergedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Artifact = nullStr(artifact)
	f.ConvertedAt = nullStr(convertedAt)
	f.MergedAt = nullStr(mergedAt)
	f.ArtifactRows = int(artifactRows.Int64)
	if mergeBegunRows.Valid {
		f.MergeBegunRows = int(mergeBegunRows.Int64)
	} else {
		f.MergeBegunRows = -1
	}
	return &f, nil
}
