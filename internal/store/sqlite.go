package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/opencouncil/civicdata/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS facts (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	kind                  TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	value                 REAL NOT NULL,
	unit                  TEXT NOT NULL DEFAULT '',
	department            TEXT NOT NULL DEFAULT '',
	source_url            TEXT NOT NULL DEFAULT '',
	source_title          TEXT NOT NULL DEFAULT '',
	source_domain         TEXT NOT NULL DEFAULT '',
	file_url              TEXT NOT NULL DEFAULT '',
	parent_page_url       TEXT NOT NULL DEFAULT '',
	citation_metadata     TEXT,
	extraction_confidence REAL NOT NULL DEFAULT 0,
	scraped_at            DATETIME NOT NULL,
	status                TEXT NOT NULL DEFAULT 'active',
	archived              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_verifications (
	source_url   TEXT PRIMARY KEY,
	accessible   INTEGER NOT NULL,
	status_code  INTEGER NOT NULL DEFAULT 0,
	redirect_url TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	checked_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at   DATETIME,
	payload    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_source_url ON facts(source_url);
CREATE INDEX IF NOT EXISTS idx_facts_status ON facts(status, archived);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON pipeline_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_reports_kind ON reports(kind, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// citationSidecar is the JSON blob persisted alongside the citation
// columns on the fact row. Its presence marks the fact as cited.
type citationSidecar struct {
	Type       model.CitationType `json:"type"`
	FileType   string             `json:"file_type,omitempty"`
	Confidence model.Confidence   `json:"confidence"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (s *SQLiteStore) InsertFact(ctx context.Context, f *model.Fact) (int64, error) {
	var sidecar any
	if f.Citation != nil {
		b, err := json.Marshal(citationSidecar{
			Type:       f.Citation.Type,
			FileType:   f.Citation.FileType,
			Confidence: f.Citation.Confidence,
			CreatedAt:  f.Citation.CreatedAt,
		})
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal citation")
		}
		sidecar = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (kind, description, value, unit, department, source_url, source_title,
			source_domain, file_url, parent_page_url, citation_metadata, extraction_confidence,
			scraped_at, status, archived)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Kind, f.Description, f.Value, f.Unit, f.Department, f.SourceURL, f.SourceTitle,
		f.SourceDomain, f.FileURL, f.ParentPageURL, sidecar, f.ExtractionConfidence,
		f.ScrapedAt.UTC(), factStatus(f.Status), f.Archived,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert fact")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fact id")
	}
	f.ID = id
	return id, nil
}

func factStatus(status string) string {
	if status == "" {
		return "active"
	}
	return status
}

const factColumns = `f.id, f.kind, f.description, f.value, f.unit, f.department, f.source_url,
	f.source_title, f.source_domain, f.file_url, f.parent_page_url, f.citation_metadata,
	f.extraction_confidence, f.scraped_at, f.status, f.archived,
	v.accessible, v.status_code, v.redirect_url, v.error, v.checked_at`

const factJoin = ` FROM facts f LEFT JOIN source_verifications v ON v.source_url = f.source_url`

func (s *SQLiteStore) GetFact(ctx context.Context, id int64) (*model.Fact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+factJoin+` WHERE f.id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: fact not found: %d", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get fact")
	}
	return f, nil
}

func (s *SQLiteStore) ListActiveFacts(ctx context.Context) ([]model.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+factJoin+` WHERE f.archived = 0 AND f.status = 'active' ORDER BY f.id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list facts")
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		facts = append(facts, *f)
	}
	return facts, eris.Wrap(rows.Err(), "sqlite: list facts iterate")
}

func (s *SQLiteStore) UpdateFactCitation(ctx context.Context, factID int64, c *model.Citation) error {
	b, err := json.Marshal(citationSidecar{
		Type:       c.Type,
		FileType:   c.FileType,
		Confidence: c.Confidence,
		CreatedAt:  c.CreatedAt,
	})
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal citation")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET source_url = ?, source_title = ?, file_url = ?, parent_page_url = ?,
			citation_metadata = ?
		 WHERE id = ?`,
		c.SourceURL, c.SourceTitle, c.FileURL, c.ParentPageURL, string(b), factID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update citation for fact %d", factID)
	}
	return checkRowsAffected(res, "fact", factID)
}

func (s *SQLiteStore) GetFactCitation(ctx context.Context, factID int64) (*model.Citation, error) {
	f, err := s.GetFact(ctx, factID)
	if err != nil {
		return nil, err
	}
	return f.Citation, nil
}

func (s *SQLiteStore) UpsertVerification(ctx context.Context, v *model.Verification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_verifications (source_url, accessible, status_code, redirect_url, error, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_url) DO UPDATE SET
			accessible = excluded.accessible,
			status_code = excluded.status_code,
			redirect_url = excluded.redirect_url,
			error = excluded.error,
			checked_at = excluded.checked_at`,
		v.SourceURL, v.Accessible, v.StatusCode, v.RedirectURL, v.Error, v.CheckedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert verification")
}

func (s *SQLiteStore) GetVerification(ctx context.Context, sourceURL string) (*model.Verification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_url, accessible, status_code, redirect_url, error, checked_at
		 FROM source_verifications WHERE source_url = ?`, sourceURL)

	var v model.Verification
	err := row.Scan(&v.SourceURL, &v.Accessible, &v.StatusCode, &v.RedirectURL, &v.Error, &v.CheckedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get verification")
	}
	return &v, nil
}

func (s *SQLiteStore) ListUnverifiedSourceURLs(ctx context.Context, recheckBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT f.source_url`+factJoin+`
		 WHERE f.source_url != '' AND f.archived = 0
		   AND (v.source_url IS NULL OR v.checked_at < ?)
		 ORDER BY f.source_url LIMIT ?`,
		recheckBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unverified sources")
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source url")
		}
		urls = append(urls, u)
	}
	return urls, eris.Wrap(rows.Err(), "sqlite: list unverified iterate")
}

func (s *SQLiteStore) FindBrokenCitationFacts(ctx context.Context, staleBefore time.Time) ([]model.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+factJoin+`
		 WHERE f.archived = 0 AND f.status = 'active'
		   AND (f.source_url = '' OR f.citation_metadata IS NULL
			OR v.source_url IS NULL OR v.accessible = 0 OR v.checked_at < ?)
		 ORDER BY f.id`,
		staleBefore.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find broken citations")
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan broken fact")
		}
		facts = append(facts, *f)
	}
	return facts, eris.Wrap(rows.Err(), "sqlite: find broken iterate")
}

func (s *SQLiteStore) FindDuplicateSources(ctx context.Context) ([]model.SourceGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.source_url, f.id FROM facts f
		 WHERE f.archived = 0 AND f.source_url != ''
		   AND f.source_url IN (
			SELECT source_url FROM facts
			WHERE archived = 0 AND source_url != ''
			GROUP BY source_url HAVING COUNT(*) > 1)
		 ORDER BY f.source_url, f.id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find duplicate sources")
	}
	defer rows.Close()

	var groups []model.SourceGroup
	for rows.Next() {
		var url string
		var id int64
		if err := rows.Scan(&url, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan duplicate")
		}
		if len(groups) == 0 || groups[len(groups)-1].SourceURL != url {
			groups = append(groups, model.SourceGroup{SourceURL: url})
		}
		groups[len(groups)-1].FactIDs = append(groups[len(groups)-1].FactIDs, id)
	}
	return groups, eris.Wrap(rows.Err(), "sqlite: find duplicates iterate")
}

func (s *SQLiteStore) AppendRun(ctx context.Context, run *model.PipelineRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, type, status, started_at, ended_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Type), string(run.Status), run.StartTime.UTC(), nullableTime(run.EndTime), string(payload),
	)
	return eris.Wrapf(err, "sqlite: append run %s", run.ID)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.PipelineRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, ended_at = ?, payload = ? WHERE id = ?`,
		string(run.Status), nullableTime(run.EndTime), string(payload), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffectedStr(res, "run", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var r model.PipelineRun
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge runs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: purge rows affected")
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, runID string, data []byte) error {
	return s.saveReport(ctx, runID, "summary", data)
}

func (s *SQLiteStore) SaveFailureReport(ctx context.Context, runID string, data []byte) error {
	return s.saveReport(ctx, runID, "failure", data)
}

func (s *SQLiteStore) saveReport(ctx context.Context, runID, kind string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, run_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), runID, kind, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save %s report", kind)
}

func (s *SQLiteStore) LatestSummary(ctx context.Context) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM reports WHERE kind = 'summary' ORDER BY created_at DESC LIMIT 1`)
	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest summary")
	}
	return []byte(payload), nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanFact(row scannable) (*model.Fact, error) {
	var f model.Fact
	var sidecar sql.NullString
	var accessible sql.NullBool
	var statusCode sql.NullInt64
	var redirect, verr sql.NullString
	var checkedAt sql.NullTime

	err := row.Scan(&f.ID, &f.Kind, &f.Description, &f.Value, &f.Unit, &f.Department,
		&f.SourceURL, &f.SourceTitle, &f.SourceDomain, &f.FileURL, &f.ParentPageURL,
		&sidecar, &f.ExtractionConfidence, &f.ScrapedAt, &f.Status, &f.Archived,
		&accessible, &statusCode, &redirect, &verr, &checkedAt)
	if err != nil {
		return nil, err
	}

	if sidecar.Valid {
		var sc citationSidecar
		if err := json.Unmarshal([]byte(sidecar.String), &sc); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal citation for fact %d", f.ID)
		}
		f.Citation = &model.Citation{
			FactID:        f.ID,
			SourceURL:     f.SourceURL,
			SourceTitle:   f.SourceTitle,
			FileURL:       f.FileURL,
			FileType:      sc.FileType,
			ParentPageURL: f.ParentPageURL,
			Type:          sc.Type,
			Confidence:    sc.Confidence,
			CreatedAt:     sc.CreatedAt,
		}
		if accessible.Valid {
			f.Citation.Verification = &model.Verification{
				SourceURL:   f.SourceURL,
				Accessible:  accessible.Bool,
				StatusCode:  int(statusCode.Int64),
				RedirectURL: redirect.String,
				Error:       verr.String,
				CheckedAt:   checkedAt.Time,
			}
		}
	}
	return &f, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

func checkRowsAffectedStr(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
