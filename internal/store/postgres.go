package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/models"
)

// InitPostgres connects using the PG_* environment variables, retrying
// briefly so the service survives a database that is still starting.
func InitPostgres() (*sqlx.DB, error) {
	host := os.Getenv("PG_HOST")
	port := os.Getenv("PG_PORT")
	user := os.Getenv("PG_USER")
	dbname := os.Getenv("PG_DB")
	password := os.Getenv("PG_PASSWORD")
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, dbname)

	var db *sqlx.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, err
}

// Migrate creates the tables the stores need.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sync_configs (
	id                            TEXT PRIMARY KEY,
	user_id                       TEXT NOT NULL,
	airtable_base_id              TEXT NOT NULL,
	airtable_table_id             TEXT NOT NULL,
	spreadsheet_id                TEXT NOT NULL,
	sheet_name                    TEXT NOT NULL DEFAULT '',
	sheet_id                      BIGINT NOT NULL DEFAULT 0,
	direction                     TEXT NOT NULL,
	conflict_policy               TEXT NOT NULL DEFAULT 'airtable_wins',
	validation_mode               TEXT NOT NULL DEFAULT 'lenient',
	field_mappings                JSONB NOT NULL DEFAULT '[]',
	id_column_index               INT NOT NULL DEFAULT 0,
	skip_header_row               BOOLEAN NOT NULL DEFAULT TRUE,
	delete_extras                 BOOLEAN NOT NULL DEFAULT FALSE,
	resolve_linked_records        BOOLEAN NOT NULL DEFAULT TRUE,
	create_missing_linked_records BOOLEAN NOT NULL DEFAULT FALSE,
	max_retries                   INT NOT NULL DEFAULT 3,
	batch_size                    INT NOT NULL DEFAULT 100,
	created_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_states (
	sync_config_id TEXT PRIMARY KEY REFERENCES sync_configs(id) ON DELETE CASCADE,
	records        JSONB NOT NULL DEFAULT '{}',
	last_sync_time TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_runs (
	run_id         TEXT PRIMARY KEY,
	sync_config_id TEXT NOT NULL,
	direction      TEXT NOT NULL,
	success        BOOLEAN NOT NULL,
	added          INT NOT NULL,
	updated        INT NOT NULL,
	deleted        INT NOT NULL,
	total          INT NOT NULL,
	conflicts      JSONB NOT NULL DEFAULT '[]',
	errors         JSONB NOT NULL DEFAULT '[]',
	warnings       JSONB NOT NULL DEFAULT '[]',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_runs_config_idx ON sync_runs (sync_config_id, started_at DESC);
`

// PostgresConfigStore loads sync configs from Postgres.
type PostgresConfigStore struct {
	db *sqlx.DB
}

var _ engine.ConfigStore = (*PostgresConfigStore)(nil)

func NewPostgresConfigStore(db *sqlx.DB) *PostgresConfigStore {
	return &PostgresConfigStore{db}
}

// configRow carries the JSONB column that SyncConfig itself cannot scan.
type configRow struct {
	models.SyncConfig
	FieldMappingsJSON []byte `db:"field_mappings"`
}

const getConfigQuery = `
	SELECT id, user_id, airtable_base_id, airtable_table_id,
	       spreadsheet_id, sheet_name, sheet_id,
	       direction, conflict_policy, validation_mode,
	       field_mappings, id_column_index,
	       skip_header_row, delete_extras,
	       resolve_linked_records, create_missing_linked_records,
	       max_retries, batch_size
	FROM sync_configs WHERE id = $1
`

func (s *PostgresConfigStore) Get(ctx context.Context, id string) (*models.SyncConfig, error) {
	var row configRow
	if err := s.db.QueryRowxContext(ctx, getConfigQuery, id).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sync config %s not found", id)
		}
		return nil, err
	}
	if len(row.FieldMappingsJSON) > 0 {
		if err := json.Unmarshal(row.FieldMappingsJSON, &row.FieldMappings); err != nil {
			return nil, fmt.Errorf("decoding field mappings for %s: %w", id, err)
		}
	}
	cfg := row.SyncConfig
	return &cfg, nil
}

// List returns every config, for the scheduler.
func (s *PostgresConfigStore) List(ctx context.Context) ([]models.SyncConfig, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id FROM sync_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncConfig
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		cfg, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// PostgresStateStore persists sync state as one JSONB document per config.
type PostgresStateStore struct {
	db *sqlx.DB
}

var _ engine.StateStore = (*PostgresStateStore)(nil)

func NewPostgresStateStore(db *sqlx.DB) *PostgresStateStore {
	return &PostgresStateStore{db}
}

func (s *PostgresStateStore) Get(ctx context.Context, configID string) (*models.SyncState, error) {
	var raw []byte
	var lastSync sql.NullTime
	err := s.db.QueryRowxContext(ctx,
		`SELECT records, last_sync_time FROM sync_states WHERE sync_config_id = $1`,
		configID).Scan(&raw, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // first run
	}
	if err != nil {
		return nil, err
	}

	state := models.NewSyncState(configID)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state.Records); err != nil {
			return nil, fmt.Errorf("decoding sync state for %s: %w", configID, err)
		}
	}
	if lastSync.Valid {
		state.LastSyncTime = lastSync.Time
	}
	return state, nil
}

func (s *PostgresStateStore) Put(ctx context.Context, configID string, state *models.SyncState) error {
	raw, err := json.Marshal(state.Records)
	if err != nil {
		return fmt.Errorf("encoding sync state for %s: %w", configID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_states (sync_config_id, records, last_sync_time, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (sync_config_id)
		DO UPDATE SET records = $2, last_sync_time = $3, updated_at = now()
	`, configID, raw, state.LastSyncTime)
	return err
}

func (s *PostgresStateStore) Clear(ctx context.Context, configID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_states WHERE sync_config_id = $1`, configID)
	return err
}

// PostgresLogSink appends one row per run to sync_runs.
type PostgresLogSink struct {
	db *sqlx.DB
}

var _ engine.LogSink = (*PostgresLogSink)(nil)

func NewPostgresLogSink(db *sqlx.DB) *PostgresLogSink {
	return &PostgresLogSink{db}
}

func (s *PostgresLogSink) Write(ctx context.Context, result *models.SyncResult) error {
	conflicts, err := json.Marshal(result.Conflicts)
	if err != nil {
		return err
	}
	errs, err := json.Marshal(result.Errors)
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(result.Warnings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (
			run_id, sync_config_id, direction, success,
			added, updated, deleted, total,
			conflicts, errors, warnings,
			started_at, finished_at, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		result.RunID, result.SyncConfigID, result.Direction, result.Success,
		result.Added, result.Updated, result.Deleted, result.Total,
		conflicts, errs, warnings,
		result.StartedAt, result.FinishedAt, result.Duration.Milliseconds(),
	)
	return err
}

// Recent returns the latest runs for one config, newest first.
func (s *PostgresLogSink) Recent(ctx context.Context, configID string, limit int) ([]models.SyncResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT run_id, sync_config_id, direction, success,
		       added, updated, deleted, total,
		       conflicts, errors, warnings,
		       started_at, finished_at, duration_ms
		FROM sync_runs WHERE sync_config_id = $1
		ORDER BY started_at DESC LIMIT $2
	`, configID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncResult
	for rows.Next() {
		var r models.SyncResult
		var conflicts, errs, warnings []byte
		var durationMs int64
		if err := rows.Scan(
			&r.RunID, &r.SyncConfigID, &r.Direction, &r.Success,
			&r.Added, &r.Updated, &r.Deleted, &r.Total,
			&conflicts, &errs, &warnings,
			&r.StartedAt, &r.FinishedAt, &durationMs,
		); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		_ = json.Unmarshal(conflicts, &r.Conflicts)
		_ = json.Unmarshal(errs, &r.Errors)
		_ = json.Unmarshal(warnings, &r.Warnings)
		out = append(out, r)
	}
	return out, rows.Err()
}
