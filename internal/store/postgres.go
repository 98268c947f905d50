package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/kicktrack/tracker-cli/internal/db"
	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/resilience"
)

// PostgresCatalog implements Catalog against Postgres directly. It is the
// sink's fallback write path and the bulk import target.
type PostgresCatalog struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgresCatalog creates a PostgresCatalog with a connection pool.
func NewPostgresCatalog(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresCatalog, error) {
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
	return &PostgresCatalog{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (c *PostgresCatalog) Pool() db.Pool {
	return c.pool
}

const catalogTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	key_kind   TEXT NOT NULL,
	key_value  TEXT NOT NULL,
	fields     JSONB NOT NULL DEFAULT '{}',
	field_meta JSONB NOT NULL DEFAULT '{}',
	sources    JSONB NOT NULL DEFAULT '[]',
	merged_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS %s ON %s(key_kind, key_value);
`

// Migrate creates the catalog table for each namespace.
func (c *PostgresCatalog) Migrate(ctx context.Context, namespaces ...string) error {
	for _, ns := range namespaces {
		sql := fmt.Sprintf(catalogTableSQL,
			pgx.Identifier{ns}.Sanitize(),
			pgx.Identifier{"idx_" + ns + "_key"}.Sanitize(),
			pgx.Identifier{ns}.Sanitize(),
		)
		if _, err := c.pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "postgres: migrate %s", ns)
		}
	}
	return nil
}

func (c *PostgresCatalog) Ping(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (c *PostgresCatalog) Close() error {
	if c.closeFn != nil {
		c.closeFn()
	}
	return nil
}

func (c *PostgresCatalog) Stream(ctx context.Context, namespace string) ([]model.CanonicalRecord, error) {
	query := fmt.Sprintf(
		`SELECT id, key_kind, key_value, fields, field_meta, sources, merged_at FROM %s ORDER BY id`,
		pgx.Identifier{namespace}.Sanitize(),
	)

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, classifyPgError("stream "+namespace, err)
	}
	defer rows.Close()

	var recs []model.CanonicalRecord
	for rows.Next() {
		rec, err := scanCanonical(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("stream "+namespace, err)
	}
	return recs, nil
}

// Upsert writes one record under its canonical ID. The xmax system column
// is zero for freshly inserted rows, which distinguishes insert from
// update without a second round trip.
func (c *PostgresCatalog) Upsert(ctx context.Context, namespace string, rec model.CanonicalRecord) (WriteOutcome, error) {
	if rec.ID == "" {
		return OutcomeSkipped, eris.New("postgres: record has no id")
	}

	fieldsJSON, metaJSON, sourcesJSON, err := marshalCanonical(rec)
	if err != nil {
		return OutcomeFailed, err
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (id, key_kind, key_value, fields, field_meta, sources, merged_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			key_kind = EXCLUDED.key_kind,
			key_value = EXCLUDED.key_value,
			fields = EXCLUDED.fields,
			field_meta = EXCLUDED.field_meta,
			sources = EXCLUDED.sources,
			merged_at = EXCLUDED.merged_at
		 RETURNING (xmax = 0) AS inserted`,
		pgx.Identifier{namespace}.Sanitize(),
	)

	var inserted bool
	err = c.pool.QueryRow(ctx, query,
		rec.ID, string(rec.KeyKind), rec.KeyValue, fieldsJSON, metaJSON, sourcesJSON, rec.MergedAt,
	).Scan(&inserted)
	if err != nil {
		return OutcomeFailed, classifyPgError("upsert "+namespace, err)
	}
	if inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

// ImportBatch bulk-loads canonical rows through the temp-table COPY path.
// Records without an ID are dropped before the load.
func (c *PostgresCatalog) ImportBatch(ctx context.Context, namespace string, recs []model.CanonicalRecord) (int64, error) {
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			continue
		}
		fieldsJSON, metaJSON, sourcesJSON, err := marshalCanonical(rec)
		if err != nil {
			return 0, err
		}
		mergedAt := rec.MergedAt
		if mergedAt.IsZero() {
			mergedAt = time.Now().UTC()
		}
		rows = append(rows, []any{rec.ID, string(rec.KeyKind), rec.KeyValue, fieldsJSON, metaJSON, sourcesJSON, mergedAt})
	}

	n, err := db.BulkUpsert(ctx, c.pool, db.UpsertConfig{
		Table:        namespace,
		Columns:      []string{"id", "key_kind", "key_value", "fields", "field_meta", "sources", "merged_at"},
		ConflictKeys: []string{"id"},
	}, rows)
	if err != nil {
		return 0, classifyPgError("import "+namespace, err)
	}
	return n, nil
}

// helpers

func marshalCanonical(rec model.CanonicalRecord) (fields, meta, sources []byte, err error) {
	fields, err = json.Marshal(rec.Fields)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "postgres: marshal fields")
	}
	if rec.FieldMeta == nil {
		meta = []byte("{}")
	} else if meta, err = json.Marshal(rec.FieldMeta); err != nil {
		return nil, nil, nil, eris.Wrap(err, "postgres: marshal field meta")
	}
	if rec.Sources == nil {
		sources = []byte("[]")
	} else if sources, err = json.Marshal(rec.Sources); err != nil {
		return nil, nil, nil, eris.Wrap(err, "postgres: marshal sources")
	}
	return fields, meta, sources, nil
}

func scanCanonical(row scannable) (*model.CanonicalRecord, error) {
	var rec model.CanonicalRecord
	var fieldsJSON, metaJSON, sourcesJSON []byte

	if err := row.Scan(&rec.ID, &rec.KeyKind, &rec.KeyValue, &fieldsJSON, &metaJSON, &sourcesJSON, &rec.MergedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: scan record")
	}

	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal fields")
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.FieldMeta); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal field meta")
		}
	}
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &rec.Sources); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal sources")
		}
	}
	return &rec, nil
}

// classifyPgError maps driver errors into the shared taxonomy so the sink
// reacts the same way regardless of which catalog produced the failure.
func classifyPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 28 covers invalid authorization and bad passwords.
		if strings.HasPrefix(pgErr.Code, "28") {
			return &resilience.AuthError{StatusCode: 401}
		}
		// Class 53 is insufficient resources, 57 operator intervention
		// (shutdown), 58 system error. All are worth retrying.
		for _, class := range []string{"53", "57", "58"} {
			if strings.HasPrefix(pgErr.Code, class) {
				return resilience.NewTransientError(eris.Wrapf(err, "postgres: %s", op), 0)
			}
		}
		return &resilience.PersistenceError{Op: op, Err: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &resilience.PersistenceError{Op: op, Err: err}
	}
	// Transport-level failures (dial, reset, timeout) are transient.
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrapf(err, "postgres: %s", op), 0)
	}
	return &resilience.PersistenceError{Op: op, Err: err}
}
