package loader

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/quantfabric/etl-core/internal/core"
)

// psql builds queries with $N placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres is the transactional relational backend. A batch load for one
// scope commits atomically or not at all; the version/audit table records
// every DataVersion. The connection pool is shared across concurrent loads
// and serializes only at connection acquisition.
type Postgres struct {
	db        *sql.DB
	batchSize int
	logger    *slog.Logger
}

// PostgresConfig holds relational backend settings.
type PostgresConfig struct {
	DSN       string
	BatchSize int
	Logger    *slog.Logger
}

// NewPostgres connects to Postgres and ensures the schema exists.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, core.Errorf(core.CodeConfigInvalid, false, "postgres: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgresWithDB(db, cfg)
}

// NewPostgresWithDB reuses an existing *sql.DB (for tests and shared pools).
func NewPostgresWithDB(db *sql.DB, cfg PostgresConfig) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Postgres{
		db:        db,
		batchSize: cfg.BatchSize,
		logger:    logger.With("backend", "postgres"),
	}
	if err := p.ensureSchema(); err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, err)
	}
	return p, nil
}

func (p *Postgres) ensureSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS canonical_records (
  id bigserial PRIMARY KEY,
  scope text NOT NULL,
  entity_key text NOT NULL,
  as_of text NOT NULL,
  provider text NOT NULL,
  record_hash text NOT NULL,
  quality_score double precision NOT NULL,
  payload jsonb NOT NULL,
  loaded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS canonical_records_scope_idx
  ON canonical_records (scope, entity_key, as_of);

CREATE TABLE IF NOT EXISTS data_versions (
  id bigserial PRIMARY KEY,
  scope text NOT NULL,
  version_id text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  record_count integer NOT NULL,
  source_tag text NOT NULL DEFAULT '',
  metadata jsonb
);
CREATE INDEX IF NOT EXISTS data_versions_scope_idx
  ON data_versions (scope, id DESC);
`
	_, err := p.db.Exec(ddl)
	return err
}

// Name identifies the backend.
func (p *Postgres) Name() string { return "postgres" }

// Validate pings the database.
func (p *Postgres) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("ping: %w", err))
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Version returns the scope's latest DataVersion, or nil when never loaded.
func (p *Postgres) Version(ctx context.Context, scope core.Scope) (*core.DataVersion, error) {
	query, args, err := psql.
		Select("version_id", "created_at", "record_count", "source_tag", "metadata").
		From("data_versions").
		Where(sq.Eq{"scope": scope.Key()}).
		OrderBy("id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanVersion(p.db.QueryRowContext(ctx, query, args...))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*core.DataVersion, error) {
	var (
		v        core.DataVersion
		metadata []byte
	)
	err := row.Scan(&v.ID, &v.CreatedAt, &v.RecordCount, &v.SourceTag, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("read version: %w", err))
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return nil, fmt.Errorf("decode version metadata: %w", err)
		}
	}
	return &v, nil
}

// Load persists the request atomically for its scope. The head version row
// is locked for the whole transaction, so a stale incremental diff surfaces
// as E_VERSION_CONFLICT instead of corrupting the scope.
func (p *Postgres) Load(ctx context.Context, req *LoadRequest) (*LoadResult, error) {
	result := &LoadResult{Backend: p.Name()}

	kept, dropped := FilterQuality(req.Records, req.MinQuality)
	result.Metrics.Skipped += dropped

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	head, err := p.lockHead(ctx, tx, req.Scope)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != "" {
		headID := ""
		if head != nil {
			headID = head.ID
		}
		if headID != req.ExpectedVersion {
			return nil, core.Errorf(core.CodeVersionConflict, false,
				"scope %s: head version %q does not match expected %q", req.Scope.Key(), headID, req.ExpectedVersion)
		}
	}

	existing, err := p.readScope(ctx, tx, req.Scope)
	if err != nil {
		return nil, err
	}

	rec, err := Reconcile(existing, kept, req.Strategy)
	if err != nil {
		return nil, err
	}
	mergeMetrics(&result.Metrics, rec.Metrics)
	result.Errors = rec.Errors

	hash, err := HashSet(rec.Records)
	if err != nil {
		return nil, err
	}
	if head != nil && head.ID == hash {
		// Content unchanged: roll back without writing a row.
		result.Metrics.Skipped += result.Metrics.Inserted + result.Metrics.Updated
		result.Metrics.Inserted = 0
		result.Metrics.Updated = 0
		return result, nil
	}

	if err := p.writeScope(ctx, tx, req.Scope, rec.Records, req.BatchSize); err != nil {
		return nil, err
	}

	version := NewVersion(hash, len(rec.Records), req.SourceTag, map[string]string{
		"strategy": string(req.Strategy),
	})
	if err := p.insertVersion(ctx, tx, req.Scope, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("commit: %w", err))
	}
	result.Version = version
	return result, nil
}

// lockHead reads and row-locks the scope's latest version inside tx.
func (p *Postgres) lockHead(ctx context.Context, tx *sql.Tx, scope core.Scope) (*core.DataVersion, error) {
	query, args, err := psql.
		Select("version_id", "created_at", "record_count", "source_tag", "metadata").
		From("data_versions").
		Where(sq.Eq{"scope": scope.Key()}).
		OrderBy("id DESC").
		Limit(1).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanVersion(tx.QueryRowContext(ctx, query, args...))
}

func (p *Postgres) readScope(ctx context.Context, tx *sql.Tx, scope core.Scope) ([]core.TransformedRecord, error) {
	query, args, err := psql.
		Select("payload").
		From("canonical_records").
		Where(sq.Eq{"scope": scope.Key()}).
		OrderBy("entity_key", "as_of", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("read scope: %w", err))
	}
	defer rows.Close()

	var records []core.TransformedRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var record core.TransformedRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("rows iteration: %w", err))
	}
	return records, nil
}

// writeScope swaps the scope's rows for the reconciled set in bounded batches.
func (p *Postgres) writeScope(ctx context.Context, tx *sql.Tx, scope core.Scope, records []core.TransformedRecord, batchSize int) error {
	del, args, err := psql.Delete("canonical_records").Where(sq.Eq{"scope": scope.Key()}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("clear scope: %w", err))
	}

	if batchSize <= 0 {
		batchSize = p.batchSize
	}
	for _, chunk := range Chunk(records, batchSize) {
		builder := psql.
			Insert("canonical_records").
			Columns("scope", "entity_key", "as_of", "provider", "record_hash", "quality_score", "payload")
		for _, r := range chunk {
			hash, err := HashRecord(r)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal record %s: %w", RecordKey(r), err)
			}
			builder = builder.Values(scope.Key(), r.EntityKey, r.AsOf, r.Provider, hash, r.QualityScore, payload)
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("insert batch: %w", err))
		}
	}
	return nil
}

func (p *Postgres) insertVersion(ctx context.Context, tx *sql.Tx, scope core.Scope, version *core.DataVersion) error {
	metadata, err := json.Marshal(version.Metadata)
	if err != nil {
		return fmt.Errorf("marshal version metadata: %w", err)
	}
	query, args, err := psql.
		Insert("data_versions").
		Columns("scope", "version_id", "created_at", "record_count", "source_tag", "metadata").
		Values(scope.Key(), version.ID, version.CreatedAt, version.RecordCount, version.SourceTag, metadata).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return core.NewError(core.CodeBackendUnavailable, true, fmt.Errorf("insert version: %w", err))
	}
	return nil
}
