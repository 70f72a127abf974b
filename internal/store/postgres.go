package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/opencouncil/civicdata/internal/db"
	"github.com/opencouncil/civicdata/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS facts (
	id                    BIGSERIAL PRIMARY KEY,
	kind                  TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	value                 DOUBLE PRECISION NOT NULL,
	unit                  TEXT NOT NULL DEFAULT '',
	department            TEXT NOT NULL DEFAULT '',
	source_url            TEXT NOT NULL DEFAULT '',
	source_title          TEXT NOT NULL DEFAULT '',
	source_domain         TEXT NOT NULL DEFAULT '',
	file_url              TEXT NOT NULL DEFAULT '',
	parent_page_url       TEXT NOT NULL DEFAULT '',
	citation_metadata     JSONB,
	extraction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	scraped_at            TIMESTAMPTZ NOT NULL,
	status                TEXT NOT NULL DEFAULT 'active',
	archived              BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS source_verifications (
	source_url   TEXT PRIMARY KEY,
	accessible   BOOLEAN NOT NULL,
	status_code  INTEGER NOT NULL DEFAULT 0,
	redirect_url TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	checked_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	payload    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_source_url ON facts(source_url);
CREATE INDEX IF NOT EXISTS idx_facts_status ON facts(status, archived);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON pipeline_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_reports_kind ON reports(kind, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertFact(ctx context.Context, f *model.Fact) (int64, error) {
	var sidecar any
	if f.Citation != nil {
		b, err := json.Marshal(citationSidecar{
			Type:       f.Citation.Type,
			FileType:   f.Citation.FileType,
			Confidence: f.Citation.Confidence,
			CreatedAt:  f.Citation.CreatedAt,
		})
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal citation")
		}
		sidecar = string(b)
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO facts (kind, description, value, unit, department, source_url, source_title,
			source_domain, file_url, parent_page_url, citation_metadata, extraction_confidence,
			scraped_at, status, archived)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		f.Kind, f.Description, f.Value, f.Unit, f.Department, f.SourceURL, f.SourceTitle,
		f.SourceDomain, f.FileURL, f.ParentPageURL, sidecar, f.ExtractionConfidence,
		f.ScrapedAt.UTC(), factStatus(f.Status), f.Archived,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert fact")
	}
	f.ID = id
	return id, nil
}

const pgFactColumns = `f.id, f.kind, f.description, f.value, f.unit, f.department, f.source_url,
	f.source_title, f.source_domain, f.file_url, f.parent_page_url, f.citation_metadata::text,
	f.extraction_confidence, f.scraped_at, f.status, f.archived,
	v.accessible, v.status_code, v.redirect_url, v.error, v.checked_at`

const pgFactJoin = ` FROM facts f LEFT JOIN source_verifications v ON v.source_url = f.source_url`

func (s *PostgresStore) GetFact(ctx context.Context, id int64) (*model.Fact, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgFactColumns+pgFactJoin+` WHERE f.id = $1`, id)
	f, err := scanPgFact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: fact not found: %d", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get fact")
	}
	return f, nil
}

func (s *PostgresStore) ListActiveFacts(ctx context.Context) ([]model.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgFactColumns+pgFactJoin+` WHERE f.archived = FALSE AND f.status = 'active' ORDER BY f.id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list facts")
	}
	defer rows.Close()

	return collectFacts(rows)
}

func collectFacts(rows pgx.Rows) ([]model.Fact, error) {
	var facts []model.Fact
	for rows.Next() {
		f, err := scanPgFact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		facts = append(facts, *f)
	}
	return facts, eris.Wrap(rows.Err(), "postgres: facts iterate")
}

func (s *PostgresStore) UpdateFactCitation(ctx context.Context, factID int64, c *model.Citation) error {
	b, err := json.Marshal(citationSidecar{
		Type:       c.Type,
		FileType:   c.FileType,
		Confidence: c.Confidence,
		CreatedAt:  c.CreatedAt,
	})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal citation")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE facts SET source_url = $1, source_title = $2, file_url = $3, parent_page_url = $4,
			citation_metadata = $5
		 WHERE id = $6`,
		c.SourceURL, c.SourceTitle, c.FileURL, c.ParentPageURL, string(b), factID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update citation for fact %d", factID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("fact not found: %d", factID)
	}
	return nil
}

func (s *PostgresStore) GetFactCitation(ctx context.Context, factID int64) (*model.Citation, error) {
	f, err := s.GetFact(ctx, factID)
	if err != nil {
		return nil, err
	}
	return f.Citation, nil
}

func (s *PostgresStore) UpsertVerification(ctx context.Context, v *model.Verification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_verifications (source_url, accessible, status_code, redirect_url, error, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_url) DO UPDATE SET
			accessible = EXCLUDED.accessible,
			status_code = EXCLUDED.status_code,
			redirect_url = EXCLUDED.redirect_url,
			error = EXCLUDED.error,
			checked_at = EXCLUDED.checked_at`,
		v.SourceURL, v.Accessible, v.StatusCode, v.RedirectURL, v.Error, v.CheckedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: upsert verification")
}

func (s *PostgresStore) GetVerification(ctx context.Context, sourceURL string) (*model.Verification, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT source_url, accessible, status_code, redirect_url, error, checked_at
		 FROM source_verifications WHERE source_url = $1`, sourceURL)

	var v model.Verification
	err := row.Scan(&v.SourceURL, &v.Accessible, &v.StatusCode, &v.RedirectURL, &v.Error, &v.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get verification")
	}
	return &v, nil
}

func (s *PostgresStore) ListUnverifiedSourceURLs(ctx context.Context, recheckBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT f.source_url`+pgFactJoin+`
		 WHERE f.source_url != '' AND f.archived = FALSE
		   AND (v.source_url IS NULL OR v.checked_at < $1)
		 ORDER BY f.source_url LIMIT $2`,
		recheckBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unverified sources")
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source url")
		}
		urls = append(urls, u)
	}
	return urls, eris.Wrap(rows.Err(), "postgres: unverified iterate")
}

func (s *PostgresStore) FindBrokenCitationFacts(ctx context.Context, staleBefore time.Time) ([]model.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgFactColumns+pgFactJoin+`
		 WHERE f.archived = FALSE AND f.status = 'active'
		   AND (f.source_url = '' OR f.citation_metadata IS NULL
			OR v.source_url IS NULL OR v.accessible = FALSE OR v.checked_at < $1)
		 ORDER BY f.id`,
		staleBefore.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find broken citations")
	}
	defer rows.Close()

	return collectFacts(rows)
}

func (s *PostgresStore) FindDuplicateSources(ctx context.Context) ([]model.SourceGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT f.source_url, array_agg(f.id ORDER BY f.id)
		 FROM facts f
		 WHERE f.archived = FALSE AND f.source_url != ''
		 GROUP BY f.source_url HAVING COUNT(*) > 1
		 ORDER BY f.source_url`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find duplicate sources")
	}
	defer rows.Close()

	var groups []model.SourceGroup
	for rows.Next() {
		var g model.SourceGroup
		if err := rows.Scan(&g.SourceURL, &g.FactIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan duplicate group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "postgres: duplicates iterate")
}

func (s *PostgresStore) AppendRun(ctx context.Context, run *model.PipelineRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, type, status, started_at, ended_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, string(run.Type), string(run.Status), run.StartTime.UTC(), pgNullableTime(run.EndTime), string(payload),
	)
	return eris.Wrapf(err, "postgres: append run %s", run.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.PipelineRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, ended_at = $2, payload = $3 WHERE id = $4`,
		string(run.Status), pgNullableTime(run.EndTime), string(payload), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var r model.PipelineRun
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: runs iterate")
}

func (s *PostgresStore) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_runs WHERE started_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge runs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, runID string, data []byte) error {
	return s.saveReport(ctx, runID, "summary", data)
}

func (s *PostgresStore) SaveFailureReport(ctx context.Context, runID string, data []byte) error {
	return s.saveReport(ctx, runID, "failure", data)
}

func (s *PostgresStore) saveReport(ctx context.Context, runID, kind string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, run_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), runID, kind, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save %s report", kind)
}

func (s *PostgresStore) LatestSummary(ctx context.Context) ([]byte, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT payload::text FROM reports WHERE kind = 'summary' ORDER BY created_at DESC LIMIT 1`)
	var payload string
	err := row.Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest summary")
	}
	return []byte(payload), nil
}

func scanPgFact(row pgx.Row) (*model.Fact, error) {
	var f model.Fact
	var sidecar *string
	var accessible *bool
	var statusCode *int
	var redirect, verr *string
	var checkedAt *time.Time

	err := row.Scan(&f.ID, &f.Kind, &f.Description, &f.Value, &f.Unit, &f.Department,
		&f.SourceURL, &f.SourceTitle, &f.SourceDomain, &f.FileURL, &f.ParentPageURL,
		&sidecar, &f.ExtractionConfidence, &f.ScrapedAt, &f.Status, &f.Archived,
		&accessible, &statusCode, &redirect, &verr, &checkedAt)
	if err != nil {
		return nil, err
	}

	if sidecar != nil {
		var sc citationSidecar
		if err := json.Unmarshal([]byte(*sidecar), &sc); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal citation for fact %d", f.ID)
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
		if accessible != nil {
			v := &model.Verification{
				SourceURL:  f.SourceURL,
				Accessible: *accessible,
			}
			if statusCode != nil {
				v.StatusCode = *statusCode
			}
			if redirect != nil {
				v.RedirectURL = *redirect
			}
			if verr != nil {
				v.Error = *verr
			}
			if checkedAt != nil {
				v.CheckedAt = *checkedAt
			}
			f.Citation.Verification = v
		}
	}
	return &f, nil
}

func pgNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
