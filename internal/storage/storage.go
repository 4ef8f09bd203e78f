package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("storage: not found")

// Store wraps SQLite-backed persistence for jobs, repair reports and the
// opcode inventory of scanned files.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY
	// between pipeline workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS repair_reports (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            file_path TEXT NOT NULL,
            opcode TEXT NOT NULL,
            stage INTEGER NOT NULL,
            pixels_repaired INTEGER NOT NULL,
            pixels_failed INTEGER NOT NULL,
            failed_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS opcode_inventory (
            file_path TEXT NOT NULL,
            stage INTEGER NOT NULL,
            position INTEGER NOT NULL,
            opcode TEXT NOT NULL,
            opcode_id INTEGER NOT NULL,
            min_version TEXT,
            optional BOOLEAN DEFAULT FALSE,
            skip_if_preview BOOLEAN DEFAULT FALSE,
            payload_bytes INTEGER,
            scanned_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (file_path, stage, position)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_repair_reports_job ON repair_reports(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_opcode_inventory_opcode ON opcode_inventory(opcode);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RepairRecord is one bad pixel opcode's outcome for a file.
type RepairRecord struct {
	JobID          string
	FilePath       string
	Opcode         string
	Stage          int
	PixelsRepaired int
	PixelsFailed   int
	FailedJSON     string
}

// OpcodeRecord is one opcode found in a file's opcode lists.
type OpcodeRecord struct {
	FilePath      string
	Stage         int
	Position      int
	Opcode        string
	OpcodeID      uint32
	MinVersion    string
	Optional      bool
	SkipIfPreview bool
	PayloadBytes  int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var in, out, opts, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &in, &out, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = in.String, out.String, opts.String, errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job by id.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	rec, err := scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s meta: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordRepair persists one opcode's repair outcome.
func (s *Store) RecordRepair(rec RepairRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO repair_reports (job_id, file_path, opcode, stage, pixels_repaired, pixels_failed, failed_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.FilePath, rec.Opcode, rec.Stage, rec.PixelsRepaired, rec.PixelsFailed, rec.FailedJSON)
	return err
}

// RepairsForJob lists repair outcomes recorded by a job.
func (s *Store) RepairsForJob(jobID string) ([]RepairRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, file_path, opcode, stage, pixels_repaired, pixels_failed, failed_json FROM repair_reports WHERE job_id=? ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []RepairRecord
	for rows.Next() {
		var rec RepairRecord
		var failed sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.FilePath, &rec.Opcode, &rec.Stage, &rec.PixelsRepaired, &rec.PixelsFailed, &failed); err != nil {
			return nil, err
		}
		rec.FailedJSON = failed.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ReplaceInventory swaps the stored opcode inventory of a file.
func (s *Store) ReplaceInventory(path string, recs []OpcodeRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM opcode_inventory WHERE file_path=?;`, path); err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := tx.Exec(`INSERT INTO opcode_inventory (file_path, stage, position, opcode, opcode_id, min_version, optional, skip_if_preview, payload_bytes) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			path, rec.Stage, rec.Position, rec.Opcode, rec.OpcodeID, rec.MinVersion, rec.Optional, rec.SkipIfPreview, rec.PayloadBytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// OpcodeCounts returns how many files carry each opcode name.
func (s *Store) OpcodeCounts() (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT opcode, COUNT(DISTINCT file_path) FROM opcode_inventory GROUP BY opcode;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}
